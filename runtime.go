package runflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/petrijr/runflow/internal/builtin"
	"github.com/petrijr/runflow/internal/config"
	"github.com/petrijr/runflow/internal/engine"
	"github.com/petrijr/runflow/internal/flows"
	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/persistence"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/telemetry"
	"github.com/petrijr/runflow/pkg/api"
)

// Version is reported as the OTEL service version.
const Version = "0.3.0"

// Config is the environment driven runtime configuration.
type Config = config.Config

// LoadConfig reads .env and RUNFLOW_* variables.
func LoadConfig() (Config, error) { return config.Load() }

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config { return config.Default() }

// Runtime is a fully wired engine: store, capability registry with the
// built-in capabilities, flow catalog loaded from the products directory,
// governance, tracing and telemetry.
type Runtime struct {
	Config   Config
	Logger   *slog.Logger
	Registry *Registry
	Catalog  *Catalog
	Store    persistence.RunStore
	Engine   Engine
	Metrics  *BasicMetrics

	shutdown telemetry.Shutdown
}

// RuntimeOption customizes Open.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	logger       *slog.Logger
	capabilities []func(*Registry)
	sinks        []TraceSink
	observers    []Observer
	store        persistence.RunStore
}

// WithLogger replaces the logger built from LogLevel and LogFormat.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithCapabilities registers additional capabilities before flows are
// loaded, so flows may reference them.
func WithCapabilities(register func(*Registry)) RuntimeOption {
	return func(o *runtimeOptions) { o.capabilities = append(o.capabilities, register) }
}

// WithTraceSinks subscribes sinks to the live trace stream.
func WithTraceSinks(sinks ...TraceSink) RuntimeOption {
	return func(o *runtimeOptions) { o.sinks = append(o.sinks, sinks...) }
}

// WithObserver adds an engine observer.
func WithObserver(obs Observer) RuntimeOption {
	return func(o *runtimeOptions) { o.observers = append(o.observers, obs) }
}

// WithStore uses store instead of opening the configured one. The runtime
// closes it on Close.
func WithStore(store persistence.RunStore) RuntimeOption {
	return func(o *runtimeOptions) { o.store = store }
}

// NewLogger builds a slog logger writing to w in the given level and
// format ("text" or "json").
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open wires a Runtime from cfg.
func Open(ctx context.Context, cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = NewLogger(io.Discard, cfg.LogLevel, cfg.LogFormat)
	}

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, Version, insecureEndpoint(cfg.OTELEndpoint))
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, shutdown: shutdown, Metrics: &BasicMetrics{}}

	rt.Registry = registry.New()
	builtin.Register(rt.Registry)
	for _, register := range o.capabilities {
		register(rt.Registry)
	}

	rt.Catalog = flows.NewCatalog(rt.Registry)
	if cfg.ProductsDir != "" {
		n, err := flows.NewLoader(cfg.ProductsDir, rt.Registry).Populate(rt.Catalog)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.WarnContext(ctx, "products_dir_missing", "dir", cfg.ProductsDir)
		case err != nil:
			_ = rt.shutdown(ctx)
			return nil, fmt.Errorf("load flows: %w", err)
		default:
			logger.DebugContext(ctx, "flows_loaded", "count", n, "dir", cfg.ProductsDir)
		}
	}

	rt.Store = o.store
	if rt.Store == nil {
		if rt.Store, err = OpenStore(ctx, cfg); err != nil {
			_ = rt.shutdown(ctx)
			return nil, err
		}
	}

	metricsObs, err := telemetry.NewMetricsObserver(telemetry.Meter("github.com/petrijr/runflow"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	observers := append([]Observer{api.NewLoggingObserver(logger), rt.Metrics, metricsObs}, o.observers...)

	retry := engine.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff
	retry.MaxBackoff = cfg.RetryMaxBackoff

	rt.Engine, err = engine.NewEngine(engine.Config{
		Store:             rt.Store,
		Flows:             rt.Catalog,
		Registry:          rt.Registry,
		Hooks:             governance.NewHooks(PolicyFromConfig(cfg), nil),
		Redactor:          governance.NewRedactor(governance.WithExtraPatterns(cfg.RedactPatterns...)),
		Observer:          api.NewCompositeObserver(observers...),
		Logger:            logger,
		Sinks:             o.sinks,
		Retry:             &retry,
		TransientCodes:    cfg.TransientCodes,
		CapabilityTimeout: cfg.CapabilityTimeout,
		RecoverAfter:      cfg.RecoverAfter,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// OpenStore opens the run store selected by cfg.Store.
func OpenStore(ctx context.Context, cfg Config) (persistence.RunStore, error) {
	lock := persistence.WithLockOptions(persistence.LockOptions{MaxWait: cfg.StoreMaxWait})
	var (
		store persistence.RunStore
		err   error
	)
	switch cfg.Store {
	case config.StoreMemory:
		store = persistence.NewMemoryStore(lock)
	case config.StoreSQLite:
		store, err = persistence.OpenSQLite(ctx, cfg.DSN, lock)
	case config.StorePostgres:
		store, err = persistence.OpenPostgres(ctx, cfg.DSN, lock)
	case config.StoreRedis:
		store, err = persistence.OpenRedis(ctx, cfg.DSN, lock)
	case config.StoreMongo:
		store, err = persistence.OpenMongo(ctx, cfg.DSN, lock)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	return store, nil
}

// PolicyFromConfig builds the governance policy described by cfg.
func PolicyFromConfig(cfg Config) governance.Policy {
	p := governance.DefaultPolicy()
	for _, name := range cfg.BlockedCapabilities {
		p.BlockedCapabilities = append(p.BlockedCapabilities, registry.Normalize(name))
	}
	for _, name := range cfg.AllowedCapabilities {
		p.AllowedCapabilities = append(p.AllowedCapabilities, registry.Normalize(name))
	}
	p.MaxRisk = api.RiskTier(cfg.MaxRisk)
	p.AllowFullAutonomy = cfg.AllowFullAutonomy
	p.MaxPayloadBytes = cfg.MaxPayloadBytes
	p.MaxSteps = cfg.MaxSteps
	p.MaxToolCalls = cfg.MaxToolCalls
	return p
}

func insecureEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	return strings.HasPrefix(endpoint, "http://") ||
		strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.0.0.1")
}

// Close releases the store and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.shutdown != nil {
		errs = append(errs, rt.shutdown(ctx))
	}
	return errors.Join(errs...)
}
