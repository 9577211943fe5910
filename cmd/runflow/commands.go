package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/runflow/internal/builtin"
	"github.com/petrijr/runflow/internal/flows"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/pkg/api"
	"github.com/petrijr/runflow/pkg/worker"
)

func (a *app) runCmd() *cobra.Command {
	var (
		payload, payloadFile string
		runID, requestedBy   string
		async                bool
	)
	cmd := &cobra.Command{
		Use:   "run <product> <flow>",
		Short: "Start a run of a flow",
		Long: `Start a run and drive it until it completes, fails or waits for user input.
With --async the start is enqueued for "runflow worker" and the run id is printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				payload = string(data)
			}
			body, err := parseObject("payload", payload)
			if err != nil {
				return err
			}
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			opts := []api.RunOption{api.WithRunID(runID), api.WithRequestedBy(requestedBy)}

			if async {
				bundle, err := rt.NewWorkerBundle(cmd.Context(), 1, worker.Config{})
				if err != nil {
					return err
				}
				id, err := bundle.Enqueuer().EnqueueStartRun(cmd.Context(), args[0], args[1], body, opts...)
				if err != nil {
					return err
				}
				return a.printJSON(map[string]any{"run_id": id, "enqueued": true})
			}
			return a.printResult(rt.Engine.RunFlow(cmd.Context(), args[0], args[1], body, opts...))
		},
	}
	f := cmd.Flags()
	f.StringVar(&payload, "payload", "", "run payload as a JSON object")
	f.StringVar(&payloadFile, "payload-file", "", "read the payload from a JSON file")
	f.StringVar(&runID, "run-id", "", "run id to use instead of a generated one")
	f.StringVar(&requestedBy, "requested-by", os.Getenv("USER"), "who requested the run")
	f.BoolVar(&async, "async", false, "enqueue the run for a worker")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var formID, values, comment string
	cmd := &cobra.Command{
		Use:   "resume <run_id>",
		Short: "Answer the user input a paused run is waiting for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseObject("values", values)
			if err != nil {
				return err
			}
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			if formID == "" {
				// Default to the form the run is waiting for.
				res := rt.Engine.GetRun(cmd.Context(), args[0])
				if !res.OK {
					return a.printResult(res)
				}
				if res.Run.PendingInput == nil {
					return fmt.Errorf("run %s is %s and not waiting for input", args[0], res.Run.Status)
				}
				formID = res.Run.PendingInput.FormID
			}
			return a.printResult(rt.Engine.Resume(cmd.Context(), args[0], api.UserInputResponse{
				FormID:  formID,
				Values:  vals,
				Comment: comment,
			}))
		},
	}
	f := cmd.Flags()
	f.StringVar(&formID, "form", "", "form id being answered (defaults to the pending form)")
	f.StringVar(&values, "values", "", "answer values as a JSON object")
	f.StringVar(&comment, "comment", "", "free text comment")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run_id>",
		Short: "Show a run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			return a.printResult(rt.Engine.GetRun(cmd.Context(), args[0]))
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var filter api.RunFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				filter.Status = api.RunStatus(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := rt.Engine.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.printJSON(runs)
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Product, "product", "", "only runs of this product")
	f.StringVar(&filter.FlowID, "flow", "", "only runs of this flow")
	f.StringVar(&status, "status", "", "only runs in this status (e.g. PENDING_HUMAN)")
	f.IntVar(&filter.Limit, "limit", 50, "maximum number of runs")
	f.IntVar(&filter.Offset, "offset", 0, "runs to skip")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			return a.printResult(rt.Engine.Cancel(cmd.Context(), args[0], reason))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from cli", "cancellation reason")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run_id>",
		Short: "Print the redacted trace of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			events, err := rt.Engine.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(events)
		},
	}
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow-file>...",
		Short: "Check flow documents against the built-in capabilities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			builtin.Register(reg)

			type report struct {
				File  string `json:"file"`
				Flow  string `json:"flow,omitempty"`
				Valid bool   `json:"valid"`
				Error string `json:"error,omitempty"`
			}
			var reports []report
			var invalid int
			for _, path := range args {
				r := report{File: path}
				def, err := flows.LoadFile(path)
				if err == nil {
					r.Flow = def.ID
					err = flows.Validate(def, reg)
				}
				if err != nil {
					r.Error = err.Error()
					invalid++
				} else {
					r.Valid = true
				}
				reports = append(reports, r)
			}
			if err := a.printJSON(reports); err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d flow documents are invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail runs left RUNNING by a crashed process",
		Long: `Fail PENDING and RUNNING runs that have not been updated for
RUNFLOW_RECOVER_AFTER (15m by default), together with their in-flight step.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			n, err := rt.Engine.RecoverStuckRuns(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(map[string]int{"recovered": n})
		},
	}
}

func (a *app) workerCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process enqueued runs until interrupted",
		Long: `Process start, resume and cancel tasks from the queue. With the sqlite store
the queue lives in the same database, so "run --async" from another process
is picked up here.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := rt.Engine.RecoverStuckRuns(cmd.Context()); err != nil {
				return err
			}
			bundle, err := rt.NewWorkerBundle(cmd.Context(), n, worker.Config{})
			if err != nil {
				return err
			}
			rt.Logger.InfoContext(cmd.Context(), "workers_started", "count", len(bundle.Pool.Workers()), "store", rt.Config.Store)
			if err := bundle.Pool.Run(cmd.Context()); err != nil && !errors.Is(err, cmd.Context().Err()) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "workers", 0, "number of workers (RUNFLOW_WORKERS by default)")
	return cmd
}
