package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petrijr/runflow"
	"github.com/petrijr/runflow/pkg/api"
)

// app carries state shared by the subcommands of one invocation.
type app struct {
	out io.Writer

	storeFlag    string
	dsnFlag      string
	productsFlag string

	cfg runflow.Config
	rt  *runflow.Runtime
}

// Execute runs the CLI with signal handling.
func Execute(ctx context.Context, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd(os.Stdout)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "runflow",
		Short: "Run, resume and inspect product flows",
		Long: `runflow drives product flows (agent, tool and user input steps) against a
durable run store. Configuration comes from RUNFLOW_* environment variables
and an optional .env file; the flags below override them.`,
		Version:            runflow.Version,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.loadConfig,
		PersistentPostRunE: a.close,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&a.storeFlag, "store", "", "run store: memory, sqlite, postgres, redis or mongo")
	pf.StringVar(&a.dsnFlag, "dsn", "", "store DSN (sqlite path or connection URL)")
	pf.StringVar(&a.productsFlag, "products", "", "products directory holding <product>/flows/*.yaml")

	root.AddCommand(
		a.runCmd(),
		a.resumeCmd(),
		a.getCmd(),
		a.listCmd(),
		a.cancelCmd(),
		a.eventsCmd(),
		a.validateCmd(),
		a.recoverCmd(),
		a.workerCmd(),
	)
	return root
}

func (a *app) loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := runflow.LoadConfig()
	if err != nil {
		return err
	}
	if a.storeFlag != "" {
		cfg.Store = a.storeFlag
	}
	if a.dsnFlag != "" {
		cfg.DSN = a.dsnFlag
	}
	if a.productsFlag != "" {
		cfg.ProductsDir = a.productsFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// runtime opens the runtime on first use.
func (a *app) runtime(ctx context.Context) (*runflow.Runtime, error) {
	if a.rt != nil {
		return a.rt, nil
	}
	logger := runflow.NewLogger(os.Stderr, a.cfg.LogLevel, a.cfg.LogFormat)
	rt, err := runflow.Open(ctx, a.cfg, runflow.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.rt = rt
	return rt, nil
}

func (a *app) close(cmd *cobra.Command, args []string) error {
	if a.rt == nil {
		return nil
	}
	err := a.rt.Close(context.WithoutCancel(cmd.Context()))
	a.rt = nil
	return err
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes the result envelope and turns a failed result into
// the command's error.
func (a *app) printResult(res api.Result) error {
	if err := a.printJSON(res); err != nil {
		return err
	}
	if !res.OK {
		return res.Err()
	}
	return nil
}

// parseObject decodes a JSON object flag; an empty string is an empty map.
func parseObject(name, raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return m, nil
}
