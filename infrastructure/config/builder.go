package config

import (
	"errors"
	"fmt"
	"strings"

	domainconfig "github.com/felixgeelhaar/planloop/domain/config"
	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/pack"
	"github.com/felixgeelhaar/planloop/domain/run"
	"github.com/felixgeelhaar/planloop/infrastructure/llm"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
	"github.com/felixgeelhaar/planloop/infrastructure/storage/memory"
	"github.com/felixgeelhaar/planloop/infrastructure/storage/sqlite"
	"github.com/felixgeelhaar/planloop/infrastructure/telemetry"
	"github.com/felixgeelhaar/planloop/pack/browser"
	"github.com/felixgeelhaar/planloop/pack/filesystem"
	"github.com/felixgeelhaar/planloop/pack/shell"
)

// Components are the runtime collaborators described by a configuration.
type Components struct {
	// Model is the generation gateway.
	Model generation.Model
	// Packs are the enabled tool packs, in registration order.
	Packs []*pack.Pack
	// Store is the snapshot journal, nil when storage is disabled.
	Store run.Store
	// WatchRoot is the directory to watch for file changes, empty when off.
	WatchRoot string

	Agent     domainconfig.AgentSettings
	Logging   logging.Config
	Telemetry telemetry.Config
}

// Close releases the packs and the journal.
func (c *Components) Close() error {
	var errs []error
	for _, p := range c.Packs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pack %s: %w", p.Name, err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Builder builds runtime components from configuration.
type Builder struct {
	config *domainconfig.Config
}

// NewBuilder creates a new configuration builder.
func NewBuilder(config *domainconfig.Config) *Builder {
	return &Builder{config: config}
}

// Build constructs every component. Partially built components are
// released when a later one fails.
func (b *Builder) Build() (*Components, error) {
	c := &Components{
		Model:     b.buildModel(),
		Agent:     b.config.Agent,
		Logging:   b.buildLogging(),
		Telemetry: b.buildTelemetry(),
	}

	packs, err := b.buildPacks()
	c.Packs = packs
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %w", domainconfig.ErrBuildFailed, err)
	}

	if c.Store, err = b.buildStore(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %w", domainconfig.ErrBuildFailed, err)
	}

	if fs := b.config.Tools.Filesystem; fs.Enabled && fs.Watch {
		c.WatchRoot = fs.Root
	}
	return c, nil
}

func (b *Builder) buildModel() generation.Model {
	m := b.config.Model
	providerCfg := llm.ProviderConfig{
		APIKey:  m.APIKey,
		BaseURL: m.BaseURL,
		Timeout: m.Timeout.Duration(),
	}

	var provider llm.Provider
	switch m.Provider {
	case "anthropic":
		provider = llm.NewAnthropicProvider(providerCfg)
	default:
		provider = llm.NewOpenAIProvider(providerCfg)
	}

	return llm.NewGateway(llm.GatewayConfig{
		Provider:      provider,
		DefaultModel:  m.DefaultModel,
		Temperature:   m.Temperature,
		MaxTokens:     m.MaxTokens,
		RetryAttempts: m.RetryAttempts,
	})
}

func (b *Builder) buildPacks() ([]*pack.Pack, error) {
	tools := b.config.Tools
	var packs []*pack.Pack

	if tools.Shell.Enabled {
		var opts []shell.Option
		if d := tools.Shell.Timeout.Duration(); d > 0 {
			opts = append(opts, shell.WithTimeout(d))
		}
		if tools.Shell.MaxOutputBytes > 0 {
			opts = append(opts, shell.WithMaxOutputSize(tools.Shell.MaxOutputBytes))
		}
		if tools.Shell.WorkingDir != "" {
			opts = append(opts, shell.WithWorkingDir(tools.Shell.WorkingDir))
		}
		if len(tools.Shell.BlockedPatterns) > 0 {
			opts = append(opts, shell.WithBlockedPatterns(tools.Shell.BlockedPatterns...))
		}
		p, err := shell.New(opts...)
		if err != nil {
			return packs, fmt.Errorf("shell pack: %w", err)
		}
		packs = append(packs, p)
	}

	if tools.Filesystem.Enabled {
		opts := []filesystem.Option{filesystem.WithRootDir(tools.Filesystem.Root)}
		if tools.Filesystem.MaxFileBytes > 0 {
			opts = append(opts, filesystem.WithMaxFileSize(tools.Filesystem.MaxFileBytes))
		}
		p, err := filesystem.New(opts...)
		if err != nil {
			return packs, fmt.Errorf("filesystem pack: %w", err)
		}
		packs = append(packs, p)
	}

	if tools.Browser.Enabled {
		cfg := browser.DefaultConfig()
		if tools.Browser.Headless != nil {
			cfg.Headless = *tools.Browser.Headless
		}
		if d := tools.Browser.Timeout.Duration(); d > 0 {
			cfg.Timeout = d
		}
		packs = append(packs, browser.New(cfg))
	}

	return packs, nil
}

func (b *Builder) buildStore() (run.Store, error) {
	switch b.config.Storage.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		store, err := sqlite.NewSnapshotStore(sqlite.DefaultConfig(), sqlite.WithDSN(b.config.Storage.DSN))
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store, nil
	default:
		return memory.NewSnapshotStore(), nil
	}
}

func (b *Builder) buildLogging() logging.Config {
	cfg := logging.DefaultConfig()
	if b.config.Logging.Level != "" {
		cfg.Level = strings.ToLower(b.config.Logging.Level)
	}
	if b.config.Logging.Format != "" {
		cfg.Format = b.config.Logging.Format
	}
	return cfg
}

func (b *Builder) buildTelemetry() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	t := b.config.Telemetry
	if t.Exporter != "" {
		cfg.Exporter = telemetry.ExporterType(t.Exporter)
	}
	if t.Endpoint != "" {
		cfg.Endpoint = t.Endpoint
	}
	cfg.Insecure = t.Insecure
	cfg.SampleRate = t.SampleRate
	return cfg
}
