// Package filesystem provides the readFile and writeFile tools, jailed to a
// workspace root.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/planloop/domain/pack"
	"github.com/felixgeelhaar/planloop/domain/tool"
)

// Tool names.
const (
	ReadToolName  = "readFile"
	WriteToolName = "writeFile"
)

// Path errors.
var (
	ErrPathEscapes = errors.New("path escapes workspace root")
	ErrSymlink     = errors.New("symbolic links not allowed")
	ErrIsDir       = errors.New("path is a directory")
	ErrTooLarge    = errors.New("content exceeds size limit")
)

// Config configures the filesystem pack.
type Config struct {
	// RootDir jails every path. Relative paths resolve against it.
	RootDir string

	// MaxFileSize limits reads and writes (bytes).
	MaxFileSize int64

	// AllowSymlinks allows following symbolic links.
	AllowSymlinks bool
}

// Option configures the filesystem pack.
type Option func(*Config)

// WithRootDir sets the workspace root.
func WithRootDir(dir string) Option {
	return func(c *Config) {
		c.RootDir = dir
	}
}

// WithMaxFileSize sets the maximum file size.
func WithMaxFileSize(size int64) Option {
	return func(c *Config) {
		c.MaxFileSize = size
	}
}

// WithSymlinks enables following symbolic links.
func WithSymlinks() Option {
	return func(c *Config) {
		c.AllowSymlinks = true
	}
}

// New creates the filesystem pack. The root defaults to the current directory.
func New(opts ...Option) (*pack.Pack, error) {
	cfg := Config{
		MaxFileSize: 1024 * 1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.RootDir == "" {
		cfg.RootDir = "."
	}
	absRoot, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("invalid root directory: %w", err)
	}
	cfg.RootDir = absRoot

	info, err := os.Stat(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("root directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, errors.New("root path is not a directory")
	}

	return pack.NewBuilder("filesystem").
		WithDescription("Workspace file access").
		AddTools(readTool(&cfg), writeTool(&cfg)).
		Build(), nil
}

// resolve maps a model-supplied path to an absolute path inside the root
// and returns it with its root-relative form.
func resolve(cfg *Config, path string) (abs, rel string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("%w: empty path", tool.ErrInvalidInput)
	}

	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(cfg.RootDir, path)
	}

	rel, err = filepath.Rel(cfg.RootDir, abs)
	if err != nil {
		return "", "", fmt.Errorf("path validation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", ErrPathEscapes
	}

	if !cfg.AllowSymlinks {
		current := cfg.RootDir
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			current = filepath.Join(current, part)
			info, err := os.Lstat(current)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					break
				}
				return "", "", err
			}
			if info.Mode()&fs.ModeSymlink != 0 {
				return "", "", ErrSymlink
			}
		}
	}

	return abs, filepath.ToSlash(rel), nil
}

type readInput struct {
	Path string `json:"path"`
}

// ReadOutput is the JSON payload returned by readFile.
type ReadOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

var pathProperty = json.RawMessage(`{"type":"string","description":"Path relative to the workspace root"}`)

func readTool(cfg *Config) tool.Tool {
	return tool.NewBuilder(ReadToolName).
		WithDescription("Read a text file from the workspace").
		WithInputSchema(tool.ObjectSchema(map[string]json.RawMessage{
			"path": pathProperty,
		}, []string{"path"})).
		ReadOnly().
		Idempotent().
		WithHandler(func(_ context.Context, input json.RawMessage) (tool.Result, error) {
			var in readInput
			if err := json.Unmarshal(input, &in); err != nil {
				return tool.Result{}, fmt.Errorf("%w: %v", tool.ErrInvalidInput, err)
			}

			abs, rel, err := resolve(cfg, in.Path)
			if err != nil {
				return tool.NewErrorResult(err), nil
			}

			info, err := os.Stat(abs)
			if err != nil {
				return tool.NewErrorResult(err), nil
			}
			if info.IsDir() {
				return tool.NewErrorResult(ErrIsDir), nil
			}

			f, err := os.Open(abs) // #nosec G304 -- path jailed by resolve
			if err != nil {
				return tool.NewErrorResult(err), nil
			}
			defer f.Close()

			// Read one extra byte to detect truncation.
			data, err := io.ReadAll(io.LimitReader(f, cfg.MaxFileSize+1))
			if err != nil {
				return tool.Result{}, err
			}
			truncated := int64(len(data)) > cfg.MaxFileSize
			if truncated {
				data = data[:cfg.MaxFileSize]
			}

			res, err := tool.JSONResult(ReadOutput{
				Path:      rel,
				Content:   string(data),
				Size:      info.Size(),
				Truncated: truncated,
			})
			res.Truncated = truncated
			return res, err
		}).
		MustBuild()
}

type writeInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

// WriteOutput is the JSON payload returned by writeFile.
type WriteOutput struct {
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Created bool   `json:"created"`
}

func writeTool(cfg *Config) tool.Tool {
	return tool.NewBuilder(WriteToolName).
		WithDescription("Write a text file in the workspace, creating parent directories").
		WithInputSchema(tool.ObjectSchema(map[string]json.RawMessage{
			"path":    pathProperty,
			"content": json.RawMessage(`{"type":"string"}`),
			"append":  json.RawMessage(`{"type":"boolean"}`),
		}, []string{"path", "content"})).
		WithRiskLevel(tool.RiskMedium).
		WithHandler(func(_ context.Context, input json.RawMessage) (tool.Result, error) {
			var in writeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return tool.Result{}, fmt.Errorf("%w: %v", tool.ErrInvalidInput, err)
			}
			if int64(len(in.Content)) > cfg.MaxFileSize {
				return tool.NewErrorResult(ErrTooLarge), nil
			}

			abs, rel, err := resolve(cfg, in.Path)
			if err != nil {
				return tool.NewErrorResult(err), nil
			}

			_, statErr := os.Stat(abs)
			created := errors.Is(statErr, fs.ErrNotExist)

			if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
				return tool.NewErrorResult(err), nil
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if in.Append {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(abs, flags, 0o600) // #nosec G304 -- path jailed by resolve
			if err != nil {
				return tool.NewErrorResult(err), nil
			}
			n, err := f.WriteString(in.Content)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return tool.NewErrorResult(err), nil
			}

			return tool.JSONResult(WriteOutput{Path: rel, Bytes: n, Created: created})
		}).
		MustBuild()
}
