// Package shell provides the bash tool: bounded shell command execution
// with blocked patterns, a timeout, and an output cap.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/felixgeelhaar/planloop/domain/pack"
	"github.com/felixgeelhaar/planloop/domain/tool"
)

// ToolName is the name the model uses to run shell commands.
const ToolName = "bash"

// ErrCommandBlocked indicates the command matched a blocked pattern.
var ErrCommandBlocked = errors.New("command blocked")

// Config configures the shell pack.
type Config struct {
	// Timeout for command execution.
	Timeout time.Duration

	// MaxOutputSize limits stdout and stderr each (bytes).
	MaxOutputSize int

	// WorkingDir is the directory commands run in.
	WorkingDir string

	// Environment is additional environment variables.
	Environment map[string]string

	// Shell is the shell to use (default: /bin/sh).
	Shell string

	// BlockedPatterns are regex patterns that block command execution.
	BlockedPatterns []string

	compiledPatterns []*regexp.Regexp
}

// Option configures the shell pack.
type Option func(*Config)

// WithTimeout sets the command timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxOutputSize sets the maximum output size per stream.
func WithMaxOutputSize(size int) Option {
	return func(c *Config) {
		c.MaxOutputSize = size
	}
}

// WithWorkingDir sets the working directory.
func WithWorkingDir(dir string) Option {
	return func(c *Config) {
		c.WorkingDir = dir
	}
}

// WithEnvironment sets additional environment variables.
func WithEnvironment(env map[string]string) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithShell sets the shell to use.
func WithShell(shell string) Option {
	return func(c *Config) {
		c.Shell = shell
	}
}

// WithBlockedPatterns appends regex patterns that block command execution.
func WithBlockedPatterns(patterns ...string) Option {
	return func(c *Config) {
		c.BlockedPatterns = append(c.BlockedPatterns, patterns...)
	}
}

// DefaultBlockedPatterns returns the patterns blocked out of the box.
func DefaultBlockedPatterns() []string {
	return []string{
		`rm\s+-rf\b`,           // Recursive force delete
		`mkfs\b`,               // Filesystem creation
		`:\s*\(\)\s*\{`,        // Fork bomb
		`\bdd\s+if=`,           // Raw disk copy
		`shutdown\b`,           // Power off
		`reboot\b`,             // Restart
		`>\s*/dev/sd`,          // Writing to block devices
		`curl.*\|\s*(sh|bash)`, // Piped curl execution
		`wget.*\|\s*(sh|bash)`, // Piped wget execution
	}
}

// New creates the shell pack.
func New(opts ...Option) (*pack.Pack, error) {
	cfg := Config{
		BlockedPatterns: DefaultBlockedPatterns(),
		Timeout:         30 * time.Second,
		MaxOutputSize:   64 * 1024,
		Shell:           "/bin/sh",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		cfg.compiledPatterns = append(cfg.compiledPatterns, re)
	}

	if cfg.WorkingDir != "" {
		info, err := os.Stat(cfg.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("invalid working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, errors.New("working directory is not a directory")
		}
	}

	return pack.NewBuilder("shell").
		WithDescription("Shell command execution with security controls").
		AddTools(bashTool(&cfg)).
		Build(), nil
}

// checkCommand returns ErrCommandBlocked if the command matches a blocked pattern.
func checkCommand(cfg *Config, command string) error {
	if command == "" {
		return errors.New("empty command")
	}
	for _, pattern := range cfg.compiledPatterns {
		if pattern.MatchString(command) {
			return fmt.Errorf("%w: matches %q", ErrCommandBlocked, pattern.String())
		}
	}
	return nil
}

type bashInput struct {
	Command string `json:"command"`
}

// Output is the JSON payload returned by the bash tool.
type Output struct {
	Command   string `json:"command"`
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated,omitempty"`
	TimedOut  bool   `json:"timedOut,omitempty"`
}

var bashSchema = tool.ObjectSchema(map[string]json.RawMessage{
	"command": json.RawMessage(`{"type":"string","description":"Shell command to run"}`),
}, []string{"command"})

func bashTool(cfg *Config) tool.Tool {
	return tool.NewBuilder(ToolName).
		WithDescription("Run a shell command in the workspace and return exit code, stdout and stderr").
		WithInputSchema(bashSchema).
		WithRiskLevel(tool.RiskHigh).
		WithHandler(func(ctx context.Context, input json.RawMessage) (tool.Result, error) {
			var in bashInput
			if err := json.Unmarshal(input, &in); err != nil {
				return tool.Result{}, fmt.Errorf("%w: %v", tool.ErrInvalidInput, err)
			}

			if err := checkCommand(cfg, in.Command); err != nil {
				out, _ := json.Marshal(Output{Command: in.Command, ExitCode: 1, Stderr: err.Error()})
				return tool.Result{Output: out, Error: err}, nil
			}

			ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, cfg.Shell, "-c", in.Command) // #nosec G204 -- command checked above
			cmd.Dir = cfg.WorkingDir
			// Children that inherit the pipes must not hold Run open past the timeout.
			cmd.WaitDelay = time.Second
			cmd.Env = os.Environ()
			for k, v := range cfg.Environment {
				cmd.Env = append(cmd.Env, k+"="+v)
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			err := cmd.Run()

			out := Output{Command: in.Command}
			var exitErr *exec.ExitError
			switch {
			case ctx.Err() == context.DeadlineExceeded:
				out.TimedOut = true
				out.ExitCode = -1
			case errors.As(err, &exitErr):
				// A non-zero exit is a normal outcome for the model to inspect.
				out.ExitCode = exitErr.ExitCode()
			case err != nil:
				return tool.Result{}, err
			}

			var truncOut, truncErr bool
			out.Stdout, truncOut = capString(stdout.String(), cfg.MaxOutputSize)
			out.Stderr, truncErr = capString(stderr.String(), cfg.MaxOutputSize)
			out.Truncated = truncOut || truncErr

			data, _ := json.Marshal(out)
			result := tool.Result{Output: data, Truncated: out.Truncated}
			if out.TimedOut {
				result.Error = fmt.Errorf("%w after %s", tool.ErrExecutionTimeout, cfg.Timeout)
			}
			return result, nil
		}).
		MustBuild()
}

func capString(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return s[:max], true
}
