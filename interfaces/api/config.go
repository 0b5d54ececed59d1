package api

import (
	"fmt"

	"github.com/felixgeelhaar/planloop/application"
	"github.com/felixgeelhaar/planloop/domain/agent"
	domainconfig "github.com/felixgeelhaar/planloop/domain/config"
	"github.com/felixgeelhaar/planloop/infrastructure/config"
)

// Re-export the run result types.
type (
	// State is the controller's state value.
	State = agent.State
	// Plan is one objective with its resolution.
	Plan = agent.Plan
	// Phase tags a State.
	Phase = agent.Phase
	// ErrorObject describes a controller-level failure.
	ErrorObject = agent.ErrorObject
	// ErrorCode identifies a controller-level failure.
	ErrorCode = agent.ErrorCode
	// Sink receives progress lines from a run.
	Sink = application.Sink
)

// Phases.
const (
	PhaseInit      = agent.PhaseInit
	PhasePlanning  = agent.PhasePlanning
	PhaseExecuting = agent.PhaseExecuting
	PhaseReviewing = agent.PhaseReviewing
	PhaseDone      = agent.PhaseDone
	PhaseFailed    = agent.PhaseFailed
)

// Re-export configuration types.
type (
	// Config is the complete planloop configuration.
	Config = domainconfig.Config
	// AgentSettings contains controller settings.
	AgentSettings = domainconfig.AgentSettings
)

// LoadConfig loads a YAML or JSON configuration file. An empty path
// returns the defaults completed from the AI_GATEWAY_* environment.
func LoadConfig(path string, opts ...config.LoaderOption) (*Config, error) {
	if path == "" {
		cfg := domainconfig.Default()
		config.ApplyEnvDefaults(cfg, config.NewLoader(opts...).Lookup)
		if errs := domainconfig.NewValidator().Validate(cfg); errs.HasErrors() {
			return nil, fmt.Errorf("%w: %w", domainconfig.ErrValidationFailed, errs)
		}
		return cfg, nil
	}

	cfg, err := config.NewLoader(opts...).LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
