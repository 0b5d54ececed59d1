// Package config provides domain models for planloop configuration.
package config

import "time"

// Config represents the complete planloop configuration.
type Config struct {
	// Model configures the generation provider.
	Model ModelConfig `json:"model" yaml:"model"`
	// Agent contains controller settings.
	Agent AgentSettings `json:"agent" yaml:"agent"`
	// Tools configures the tool packs available to tool-loop runs.
	Tools ToolsConfig `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Storage selects the snapshot journal.
	Storage StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`
	// Logging configures operator logs.
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	// Telemetry configures metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// ModelConfig configures the generation provider.
type ModelConfig struct {
	// Provider is "openai" (any OpenAI-compatible gateway) or "anthropic".
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// APIKey authenticates against the provider.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	// DefaultModel is used when a run names no model.
	DefaultModel string `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	// Timeout bounds one HTTP request.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// RetryAttempts bounds attempts per call for transient errors.
	RetryAttempts int `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
}

// AgentSettings contains controller settings.
type AgentSettings struct {
	// MaxIterations bounds transitions per run.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	// MaxReplans bounds review rejections per run.
	MaxReplans int `json:"max_replans,omitempty" yaml:"max_replans,omitempty"`
	// MaxToolSteps bounds model turns per objective in tool mode.
	MaxToolSteps int `json:"max_tool_steps,omitempty" yaml:"max_tool_steps,omitempty"`
	// Tools selects the tool-loop executor.
	Tools bool `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// ToolsConfig configures the built-in tool packs.
type ToolsConfig struct {
	Shell      ShellConfig      `json:"shell,omitempty" yaml:"shell,omitempty"`
	Filesystem FilesystemConfig `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Browser    BrowserConfig    `json:"browser,omitempty" yaml:"browser,omitempty"`
}

// ShellConfig configures the bash tool.
type ShellConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxOutputBytes  int      `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`
	WorkingDir      string   `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
}

// FilesystemConfig configures the readFile and writeFile tools.
type FilesystemConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Root         string `json:"root,omitempty" yaml:"root,omitempty"`
	MaxFileBytes int64  `json:"max_file_bytes,omitempty" yaml:"max_file_bytes,omitempty"`
	// Watch records files changed under Root during each tool session.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// BrowserConfig configures the browser tool.
type BrowserConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Headless *bool    `json:"headless,omitempty" yaml:"headless,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// StorageConfig selects the snapshot journal.
type StorageConfig struct {
	// Driver is memory, sqlite or none.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	// DSN is the sqlite data source.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// LoggingConfig configures operator logs.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter   string  `json:"exporter,omitempty" yaml:"exporter,omitempty"`
	Endpoint   string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure   bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	// Metrics prints counters after a CLI run.
	Metrics bool `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:      "openai",
			Timeout:       Duration(120 * time.Second),
			RetryAttempts: 3,
		},
		Agent: AgentSettings{
			MaxIterations: 50,
			MaxReplans:    3,
			MaxToolSteps:  10,
		},
		Tools: ToolsConfig{
			Shell:      ShellConfig{Enabled: true, Timeout: Duration(30 * time.Second)},
			Filesystem: FilesystemConfig{Enabled: true, Root: "."},
		},
		Storage:   StorageConfig{Driver: "memory"},
		Logging:   LoggingConfig{Level: "warn", Format: "console"},
		Telemetry: TelemetryConfig{Exporter: "none", SampleRate: 1},
	}
}

// Duration is a time.Duration that supports JSON/YAML string representation.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
