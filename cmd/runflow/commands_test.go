package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloYAML = `
id: hello_world
steps:
  - id: echo
    kind: tool
    capability: echo_tool
    params:
      message: "{{payload.message}}"
  - id: approval
    kind: user_input
    input:
      form_id: approval
      required: [approved]
  - id: summary
    kind: agent
    capability: simple_agent
`

type cli struct {
	t        *testing.T
	products string
	dsn      string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("RUNFLOW_LOG_LEVEL", "error")

	root := t.TempDir()
	flowsDir := filepath.Join(root, "products", "hello_world", "flows")
	require.NoError(t, os.MkdirAll(flowsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flowsDir, "hello_world.yaml"), []byte(helloYAML), 0o644))
	return &cli{t: t, products: filepath.Join(root, "products"), dsn: filepath.Join(root, "runs.db")}
}

func (c *cli) execCtx(ctx context.Context, args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--store", "sqlite", "--dsn", c.dsn, "--products", c.products}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (c *cli) exec(args ...string) (string, error) {
	c.t.Helper()
	return c.execCtx(context.Background(), args...)
}

type resultJSON struct {
	OK   bool `json:"ok"`
	Data struct {
		RunID     string         `json:"run_id"`
		Status    string         `json:"status"`
		Artifacts map[string]any `json:"artifacts"`
		Steps     []struct {
			StepID string `json:"step_id"`
			Status string `json:"status"`
		} `json:"steps"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeResult(t *testing.T, out string) resultJSON {
	t.Helper()
	var r resultJSON
	require.NoError(t, json.Unmarshal([]byte(out), &r), out)
	return r
}

func TestRunResumeGet(t *testing.T) {
	c := newCLI(t)

	out, err := c.exec("run", "hello_world", "hello_world", "--payload", `{"message":"hi"}`, "--run-id", "run-1")
	require.NoError(t, err, out)
	res := decodeResult(t, out)
	assert.True(t, res.OK)
	assert.Equal(t, "run-1", res.Data.RunID)
	assert.Equal(t, "PENDING_HUMAN", res.Data.Status)

	out, err = c.exec("resume", "run-1", "--values", `{"approved":true}`, "--comment", "ship it")
	require.NoError(t, err, out)
	res = decodeResult(t, out)
	assert.Equal(t, "COMPLETED", res.Data.Status)

	out, err = c.exec("get", "run-1")
	require.NoError(t, err, out)
	res = decodeResult(t, out)
	assert.Equal(t, "COMPLETED", res.Data.Status)
	require.Len(t, res.Data.Steps, 3)
	assert.Equal(t, "summary", res.Data.Steps[2].StepID)
}

func TestRunUnknownFlowFails(t *testing.T) {
	c := newCLI(t)

	out, err := c.exec("run", "hello_world", "missing")
	require.Error(t, err)
	res := decodeResult(t, out)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "validation_error", res.Error.Code)
}

func TestRunRejectsNonObjectPayload(t *testing.T) {
	c := newCLI(t)

	_, err := c.exec("run", "hello_world", "hello_world", "--payload", `[1,2]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--payload must be a JSON object")
}

func TestResumeNotWaiting(t *testing.T) {
	c := newCLI(t)

	_, err := c.exec("run", "hello_world", "hello_world", "--run-id", "run-1")
	require.NoError(t, err)
	_, err = c.exec("cancel", "run-1", "--reason", "no longer needed")
	require.NoError(t, err)

	_, err = c.exec("resume", "run-1", "--values", `{"approved":true}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not waiting for input")
}

func TestListAndEvents(t *testing.T) {
	c := newCLI(t)

	for _, id := range []string{"run-a", "run-b"} {
		_, err := c.exec("run", "hello_world", "hello_world", "--run-id", id)
		require.NoError(t, err)
	}
	_, err := c.exec("cancel", "run-a")
	require.NoError(t, err)

	out, err := c.exec("list", "--status", "PENDING_HUMAN")
	require.NoError(t, err, out)
	var runs []struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-b", runs[0].RunID)

	_, err = c.exec("list", "--status", "SLEEPING")
	require.Error(t, err)

	out, err = c.exec("events", "run-a")
	require.NoError(t, err, out)
	var events []struct {
		Seq  int64  `json:"seq"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.NotEmpty(t, events)
	assert.EqualValues(t, 1, events[0].Seq)
	assert.Equal(t, "run.cancelled", events[len(events)-1].Type)
}

func TestValidate(t *testing.T) {
	c := newCLI(t)
	good := filepath.Join(c.products, "hello_world", "flows", "hello_world.yaml")
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: bad\nsteps:\n  - id: x\n    kind: tool\n    capability: nope\n"), 0o644))

	out, err := c.exec("validate", good)
	require.NoError(t, err, out)

	out, err = c.exec("validate", good, bad)
	require.Error(t, err)
	var reports []struct {
		File  string `json:"file"`
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Valid)
	assert.False(t, reports[1].Valid)
	assert.NotEmpty(t, reports[1].Error)
}

func TestRecoverNothingStuck(t *testing.T) {
	c := newCLI(t)

	out, err := c.exec("recover")
	require.NoError(t, err, out)
	assert.JSONEq(t, `{"recovered": 0}`, out)
}

func TestAsyncRunProcessedByWorker(t *testing.T) {
	c := newCLI(t)

	out, err := c.exec("run", "hello_world", "hello_world", "--async", "--run-id", "queued-1", "--payload", `{"message":"later"}`)
	require.NoError(t, err, out)
	assert.JSONEq(t, `{"run_id": "queued-1", "enqueued": true}`, out)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.execCtx(ctx, "worker", "--workers", "2")
	require.NoError(t, err)

	out, err = c.exec("get", "queued-1")
	require.NoError(t, err, out)
	assert.Equal(t, "PENDING_HUMAN", decodeResult(t, out).Data.Status)
}
