package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/planloop/application"
	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/run"
	"github.com/felixgeelhaar/planloop/infrastructure/config"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
	"github.com/felixgeelhaar/planloop/infrastructure/resilience"
	"github.com/felixgeelhaar/planloop/infrastructure/telemetry"
	"github.com/felixgeelhaar/planloop/infrastructure/toolbox"
	"github.com/felixgeelhaar/planloop/pack/filesystem"
)

// Runtime owns an Engine and the components a configuration describes.
type Runtime struct {
	engine     *application.Engine
	components *config.Components
	journal    run.Store
	watcher    *filesystem.Watcher
	telemetry  *telemetry.Provider
	settings   AgentSettings
}

type runtimeOptions struct {
	model     generation.Model
	journal   run.Store
	telemetry bool
	version   string
}

// RuntimeOption configures NewRuntime.
type RuntimeOption func(*runtimeOptions)

// WithModel replaces the configured generation gateway.
func WithModel(m generation.Model) RuntimeOption {
	return func(o *runtimeOptions) {
		o.model = m
	}
}

// WithJournal replaces the configured snapshot store. The caller keeps
// ownership of s.
func WithJournal(s run.Store) RuntimeOption {
	return func(o *runtimeOptions) {
		o.journal = s
	}
}

// WithTelemetry forces the telemetry pipeline on even when the
// configuration exports nothing.
func WithTelemetry(enabled bool) RuntimeOption {
	return func(o *runtimeOptions) {
		o.telemetry = enabled
	}
}

// WithServiceVersion sets the version reported in telemetry resources.
func WithServiceVersion(v string) RuntimeOption {
	return func(o *runtimeOptions) {
		o.version = v
	}
}

// NewRuntime builds the packs, journal, telemetry and engine described by
// cfg. Close releases them.
func NewRuntime(ctx context.Context, cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	components, err := config.NewBuilder(cfg).Build()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		components: components,
		journal:    components.Store,
		settings:   cfg.Agent,
	}
	if o.journal != nil {
		rt.journal = o.journal
	}

	engine, err := rt.wire(ctx, cfg, o)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

func (rt *Runtime) wire(ctx context.Context, cfg *Config, o runtimeOptions) (*application.Engine, error) {
	registry, err := toolbox.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := registry.RegisterPack(rt.components.Packs...); err != nil {
		return nil, fmt.Errorf("register packs: %w", err)
	}
	gateway := toolbox.NewGateway(registry, toolbox.WithExecutor(resilience.NewDefaultExecutor()))

	model := rt.components.Model
	if o.model != nil {
		model = o.model
	}

	engineOpts := []application.Option{
		application.WithModel(model),
		application.WithToolGateway(gateway),
		application.WithMaxIterations(cfg.Agent.MaxIterations),
		application.WithMaxReplans(cfg.Agent.MaxReplans),
	}
	if rt.journal != nil {
		engineOpts = append(engineOpts, application.WithJournal(rt.journal))
	}

	if root := rt.components.WatchRoot; root != "" {
		w, err := filesystem.NewWatcher(root)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
		rt.watcher = w
		engineOpts = append(engineOpts, application.WithChangeFeed(w))
	}

	if o.telemetry || cfg.Telemetry.Metrics || cfg.Telemetry.Exporter != string(telemetry.ExporterNone) {
		tc := rt.components.Telemetry
		if o.version != "" {
			tc.ServiceVersion = o.version
		}
		p, err := telemetry.Setup(ctx, tc)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		rt.telemetry = p
		engineOpts = append(engineOpts, application.WithRecorder(p.Recorder()))
	}

	logging.Debug().
		Add(logging.Int("packs", len(rt.components.Packs))).
		Add(logging.Int("tools", registry.Count())).
		Add(logging.Bool("journal", rt.journal != nil)).
		Add(logging.Bool("watch", rt.watcher != nil)).
		Msg("runtime wired")

	return application.NewEngineWithOptions(engineOpts...)
}

// Run drives one task to a terminal state. Unset parameters fall back to
// the configured agent settings.
func (rt *Runtime) Run(ctx context.Context, p Params) State {
	return rt.engine.Run(ctx, p.Task, rt.params(p).runOptions()...)
}

// Resume continues a journaled, non-terminal state.
func (rt *Runtime) Resume(ctx context.Context, s State, p Params) State {
	return rt.engine.Resume(ctx, s, rt.params(p).runOptions()...)
}

func (rt *Runtime) params(p Params) Params {
	if !p.Tools {
		p.Tools = rt.settings.Tools
	}
	if p.MaxToolSteps <= 0 {
		p.MaxToolSteps = rt.settings.MaxToolSteps
	}
	return p
}

// Journal returns the snapshot store, nil when storage is disabled.
func (rt *Runtime) Journal() run.Store {
	return rt.journal
}

// Replay reads journaled runs, nil when storage is disabled.
func (rt *Runtime) Replay() *application.Replay {
	if rt.journal == nil {
		return nil
	}
	return application.NewReplay(rt.journal)
}

// Counters returns the telemetry counters, nil when telemetry is off.
func (rt *Runtime) Counters(ctx context.Context) ([]telemetry.Counter, error) {
	if rt.telemetry == nil {
		return nil, nil
	}
	return rt.telemetry.Counters(ctx)
}

// Close stops the watcher, flushes telemetry and releases the packs and
// the configured journal.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Close())
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	errs = append(errs, rt.components.Close())
	return errors.Join(errs...)
}
