package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// Path is the YAML path to the invalid field.
	Path string
	// Message describes the validation error.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d validation errors:\n  - %s", len(e), strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates planloop configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) ValidationErrors {
	v.errors = nil

	v.validateModel(config)
	v.validateAgent(config)
	v.validateTools(config)
	v.validateStorage(config)
	v.validateLogging(config)
	v.validateTelemetry(config)

	return v.errors
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) oneOf(path, value string, allowed ...string) {
	if value == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.addError(path, fmt.Sprintf("invalid value %q (want one of %s)", value, strings.Join(allowed, ", ")))
}

func (v *Validator) validateModel(config *Config) {
	v.oneOf("model.provider", config.Model.Provider, "openai", "anthropic")
	if config.Model.Timeout < 0 {
		v.addError("model.timeout", "timeout must be non-negative")
	}
	if config.Model.Temperature < 0 || config.Model.Temperature > 2 {
		v.addError("model.temperature", "temperature must be between 0 and 2")
	}
	if config.Model.MaxTokens < 0 {
		v.addError("model.max_tokens", "max_tokens must be non-negative")
	}
	if config.Model.RetryAttempts < 0 {
		v.addError("model.retry_attempts", "retry_attempts must be non-negative")
	}
}

func (v *Validator) validateAgent(config *Config) {
	if config.Agent.MaxIterations < 0 {
		v.addError("agent.max_iterations", "max_iterations must be non-negative")
	}
	if config.Agent.MaxReplans < 0 {
		v.addError("agent.max_replans", "max_replans must be non-negative")
	}
	if config.Agent.MaxToolSteps < 0 {
		v.addError("agent.max_tool_steps", "max_tool_steps must be non-negative")
	}
}

func (v *Validator) validateTools(config *Config) {
	shell := config.Tools.Shell
	if shell.Timeout < 0 {
		v.addError("tools.shell.timeout", "timeout must be non-negative")
	}
	if shell.MaxOutputBytes < 0 {
		v.addError("tools.shell.max_output_bytes", "max_output_bytes must be non-negative")
	}
	for i, p := range shell.BlockedPatterns {
		if strings.TrimSpace(p) == "" {
			v.addError(fmt.Sprintf("tools.shell.blocked_patterns[%d]", i), "pattern is empty")
		}
	}

	fs := config.Tools.Filesystem
	if fs.Enabled && fs.Root == "" {
		v.addError("tools.filesystem.root", "root is required when enabled")
	}
	if fs.MaxFileBytes < 0 {
		v.addError("tools.filesystem.max_file_bytes", "max_file_bytes must be non-negative")
	}
	if fs.Watch && !fs.Enabled {
		v.addError("tools.filesystem.watch", "watch requires the filesystem pack")
	}

	if config.Tools.Browser.Timeout < 0 {
		v.addError("tools.browser.timeout", "timeout must be non-negative")
	}
}

func (v *Validator) validateStorage(config *Config) {
	v.oneOf("storage.driver", config.Storage.Driver, "memory", "sqlite", "none")
	if config.Storage.Driver == "sqlite" && config.Storage.DSN == "" {
		v.addError("storage.dsn", "dsn is required for the sqlite driver")
	}
}

func (v *Validator) validateLogging(config *Config) {
	v.oneOf("logging.level", strings.ToLower(config.Logging.Level), "trace", "debug", "info", "warn", "error")
	v.oneOf("logging.format", config.Logging.Format, "json", "console")
}

func (v *Validator) validateTelemetry(config *Config) {
	v.oneOf("telemetry.exporter", config.Telemetry.Exporter, "none", "stdout", "otlp")
	if config.Telemetry.Exporter == "otlp" && config.Telemetry.Endpoint == "" {
		v.addError("telemetry.endpoint", "endpoint is required for the otlp exporter")
	}
	if config.Telemetry.SampleRate < 0 || config.Telemetry.SampleRate > 1 {
		v.addError("telemetry.sample_rate", "sample_rate must be between 0 and 1")
	}
}
