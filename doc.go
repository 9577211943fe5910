// Package runflow is an embeddable engine that runs product flows: ordered
// sequences of agent, tool and user input steps.
//
// # Core Concepts
//
//  1. Registry: named AGENT and TOOL capabilities with a risk tier
//  2. Catalog: validated, versioned flow definitions per product
//  3. Engine: the run/step state machine
//  4. Worker: async execution from a task queue
//  5. Runtime: everything above wired from configuration
//
// # Engine
//
// RunFlow creates a run and drives its steps in order. Each step's params
// are rendered from the run payload and earlier artifacts, the capability
// call is gated by governance, retried on transient errors and traced.
// A successful step stores its output as an artifact
// ("tool.<capability>.output", "agent.<capability>.output"). A USER_INPUT
// step pauses the run in PENDING_HUMAN until Resume delivers a matching
// response; the answer becomes "user_input.<form_id>".
//
// Every state change is committed with a compare-and-set on the run
// status, so concurrent Resume or Cancel calls on one run have exactly one
// winner. Engine methods never panic and report failures through
// Result.Error, which matches the Err* sentinels under errors.Is.
//
// Stores: in-memory, SQLite, Postgres, Redis and MongoDB.
//
// # Flows
//
// Flows are built in code with NewFlow or loaded from
// <products>/<product>/flows/<flow>.yaml:
//
//	id: hello_world
//	autonomy_level: semi_auto
//	steps:
//	  - id: echo
//	    kind: tool
//	    capability: echo_tool
//	    params: {message: "{{payload.message}}"}
//	  - id: approval
//	    kind: user_input
//	    input: {form_id: approval, required: [approved]}
//	  - id: summary
//	    kind: agent
//	    capability: simple_agent
//
// # Runtime
//
// Open builds a Runtime from a Config (see LoadConfig for the RUNFLOW_*
// environment variables): it opens the store, registers the built-in
// capabilities, loads the products directory and installs OTLP export
// when OTEL_EXPORTER_OTLP_ENDPOINT is set.
//
// # LocalRunner
//
// LocalRunner is an in-memory engine, queue and worker pool for tests and
// single-process tools.
package runflow
