package application

import (
	"os"

	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/run"
	"github.com/felixgeelhaar/planloop/domain/tool"
	"github.com/felixgeelhaar/planloop/infrastructure/telemetry"
)

// Option configures the engine.
type Option func(*EngineConfig)

// WithModel sets the generation model.
func WithModel(m generation.Model) Option {
	return func(c *EngineConfig) {
		c.Model = m
	}
}

// WithToolGateway sets the gateway used by tool-loop execution.
func WithToolGateway(g tool.Gateway) Option {
	return func(c *EngineConfig) {
		c.Tools = g
	}
}

// WithExecutor replaces the built-in step executors.
func WithExecutor(x Executor) Option {
	return func(c *EngineConfig) {
		c.Executor = x
	}
}

// WithJournal sets the snapshot journal.
func WithJournal(s run.Store) Option {
	return func(c *EngineConfig) {
		c.Journal = s
	}
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(c *EngineConfig) {
		c.Recorder = r
	}
}

// WithChangeFeed sets the source of workspace changes for tool-loop sessions.
func WithChangeFeed(f ChangeFeed) Option {
	return func(c *EngineConfig) {
		c.Changes = f
	}
}

// WithMaxIterations sets the transition ceiling.
func WithMaxIterations(n int) Option {
	return func(c *EngineConfig) {
		c.MaxIterations = n
	}
}

// WithMaxReplans sets the replan ceiling.
func WithMaxReplans(n int) Option {
	return func(c *EngineConfig) {
		c.MaxReplans = n
	}
}

// NewEngineWithOptions creates an engine with functional options.
func NewEngineWithOptions(opts ...Option) (*Engine, error) {
	config := EngineConfig{}
	for _, opt := range opts {
		opt(&config)
	}
	return NewEngine(config)
}

// RunConfig holds the per-call options of a run.
type RunConfig struct {
	// RunID names the run in the journal (default: a new UUID).
	RunID string
	// ModelID selects the model; empty uses the gateway default.
	ModelID string
	// Tools enables tool-loop execution for every objective.
	Tools bool
	// MaxToolSteps caps steps per tool-loop session (default: 10).
	MaxToolSteps int
	// Sink receives progress lines (default: NopSink).
	Sink Sink
}

// RunOption configures a single run.
type RunOption func(*RunConfig)

// WithRunID sets the journal run ID.
func WithRunID(id string) RunOption {
	return func(c *RunConfig) {
		c.RunID = id
	}
}

// WithModelID selects the model for every generation call of the run.
func WithModelID(id string) RunOption {
	return func(c *RunConfig) {
		c.ModelID = id
	}
}

// WithTools enables or disables tool-loop execution.
func WithTools(enabled bool) RunOption {
	return func(c *RunConfig) {
		c.Tools = enabled
	}
}

// WithMaxToolSteps sets the tool-loop step cap.
func WithMaxToolSteps(n int) RunOption {
	return func(c *RunConfig) {
		c.MaxToolSteps = n
	}
}

// WithLog routes progress lines to stdout through a bolt console logger
// when enabled.
func WithLog(enabled bool) RunOption {
	return func(c *RunConfig) {
		if enabled {
			c.Sink = NewBoltSink(nil, os.Stdout)
		} else {
			c.Sink = NopSink{}
		}
	}
}

// WithLogFunc routes progress lines to fn.
func WithLogFunc(fn func(line string)) RunOption {
	return func(c *RunConfig) {
		if fn == nil {
			c.Sink = NopSink{}
			return
		}
		c.Sink = SinkFunc(fn)
	}
}

// WithSink sets the progress sink.
func WithSink(s Sink) RunOption {
	return func(c *RunConfig) {
		c.Sink = s
	}
}

func newRunConfig(opts []RunOption) RunConfig {
	c := RunConfig{
		MaxToolSteps: DefaultMaxToolSteps,
		Sink:         NopSink{},
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.MaxToolSteps <= 0 {
		c.MaxToolSteps = DefaultMaxToolSteps
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	return c
}
