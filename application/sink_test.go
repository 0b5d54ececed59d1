package application

import (
	"bytes"
	"strings"
	"testing"

	"github.com/felixgeelhaar/planloop/infrastructure/logging"
)

func TestSinks(t *testing.T) {
	t.Parallel()

	t.Run("func", func(t *testing.T) {
		t.Parallel()

		var got []string
		SinkFunc(func(line string) { got = append(got, line) }).Log("hello")
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("lines = %v", got)
		}
	})

	t.Run("writer", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		s := NewWriterSink(&buf)
		s.Log("one")
		s.Log("two")
		if buf.String() != "one\ntwo\n" {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("bolt console", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		NewBoltSink(nil, &buf).Log("[INIT] intent: ship it")
		if !strings.Contains(buf.String(), "[INIT] intent: ship it") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("bolt json", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger := logging.New(logging.Config{Level: "info", Format: "json", Output: &buf})
		NewBoltSink(logger, nil).Log("plan 1 completed")
		out := buf.String()
		if !strings.Contains(out, `"plan 1 completed"`) || !strings.Contains(out, `"component":"planloop"`) {
			t.Errorf("output = %q", out)
		}
	})
}

func TestIsNop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sink Sink
		want bool
	}{
		{"nil", nil, true},
		{"nop", NopSink{}, true},
		{"func", SinkFunc(func(string) {}), false},
		{"writer", NewWriterSink(&bytes.Buffer{}), false},
	}

	for _, tt := range tests {
		if got := isNop(tt.sink); got != tt.want {
			t.Errorf("isNop(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRunOptions(t *testing.T) {
	t.Parallel()

	cfg := newRunConfig(nil)
	if cfg.MaxToolSteps != DefaultMaxToolSteps || cfg.Tools || !isNop(cfg.Sink) {
		t.Errorf("defaults = %+v", cfg)
	}

	cfg = newRunConfig([]RunOption{
		WithModelID("anthropic/claude"),
		WithTools(true),
		WithMaxToolSteps(-1),
		WithLog(true),
		WithRunID("abc"),
	})
	if cfg.ModelID != "anthropic/claude" || !cfg.Tools || cfg.RunID != "abc" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxToolSteps != DefaultMaxToolSteps {
		t.Errorf("MaxToolSteps = %d, want default for non-positive values", cfg.MaxToolSteps)
	}
	if _, ok := cfg.Sink.(*BoltSink); !ok {
		t.Errorf("Sink = %T, want *BoltSink", cfg.Sink)
	}

	if cfg = newRunConfig([]RunOption{WithLog(true), WithLog(false)}); !isNop(cfg.Sink) {
		t.Errorf("WithLog(false) Sink = %T", cfg.Sink)
	}
	if cfg = newRunConfig([]RunOption{WithLogFunc(nil)}); !isNop(cfg.Sink) {
		t.Errorf("WithLogFunc(nil) Sink = %T", cfg.Sink)
	}
	if cfg = newRunConfig([]RunOption{WithSink(nil)}); !isNop(cfg.Sink) {
		t.Errorf("WithSink(nil) Sink = %T", cfg.Sink)
	}
}
