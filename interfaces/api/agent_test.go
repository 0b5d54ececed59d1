package api

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/planloop/application"
	domainconfig "github.com/felixgeelhaar/planloop/domain/config"
	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/infrastructure/config"
	"github.com/felixgeelhaar/planloop/infrastructure/llm"
	"github.com/felixgeelhaar/planloop/infrastructure/storage/memory"
)

func scriptedModel() *llm.ScriptedModel {
	return llm.NewScriptedModel().
		Script(application.PurposeIntent, llm.TextReply("count the files")).
		Script(application.PurposePlan, llm.ObjectReply(map[string]any{"objectives": []string{"list files"}})).
		Script(application.PurposeExecute, llm.TextReply("3 files")).
		Script(application.PurposeReview, llm.ObjectReply(map[string]any{"satisfied": true, "reason": "ok"})).
		Script(application.PurposeFinal, llm.TextReply("There are 3 files."))
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := domainconfig.Default()
	cfg.Tools.Shell.Enabled = false
	cfg.Tools.Filesystem.Root = t.TempDir()
	return cfg
}

func newTestRuntime(t *testing.T, cfg *Config, opts ...RuntimeOption) *Runtime {
	t.Helper()

	rt, err := NewRuntime(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults from environment", func(t *testing.T) {
		t.Parallel()

		env := map[string]string{config.EnvAPIKey: "secret", config.EnvModel: "anthropic/claude"}
		cfg, err := LoadConfig("", config.WithLookup(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}))
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Model.APIKey != "secret" || cfg.Model.DefaultModel != "anthropic/claude" {
			t.Errorf("Model = %+v", cfg.Model)
		}
		if cfg.Agent.MaxIterations != 50 || cfg.Agent.MaxReplans != 3 {
			t.Errorf("Agent = %+v", cfg.Agent)
		}
	})

	t.Run("file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "planloop.yaml")
		content := "agent:\n  max_replans: 1\n  tools: true\nstorage:\n  driver: none\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Agent.MaxReplans != 1 || !cfg.Agent.Tools || cfg.Storage.Driver != "none" {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if !errors.Is(err, domainconfig.ErrConfigNotFound) {
			t.Errorf("LoadConfig() error = %v, want ErrConfigNotFound", err)
		}
	})
}

func TestRuntime_Run(t *testing.T) {
	t.Parallel()

	model := scriptedModel()
	rt := newTestRuntime(t, testConfig(t), WithModel(model))

	var lines []string
	final := rt.Run(context.Background(), Params{
		Task:    "how many files?",
		RunID:   "run-1",
		LogFunc: func(line string) { lines = append(lines, line) },
	})

	if final.Phase != PhaseDone || final.FinalOutput != "There are 3 files." {
		t.Fatalf("final = %+v", final)
	}
	if len(lines) == 0 || len(final.Logs) != len(lines) {
		t.Errorf("lines = %d, state logs = %d", len(lines), len(final.Logs))
	}
	if calls := model.CallsFor(application.PurposeStep); len(calls) != 0 {
		t.Errorf("step calls = %d, want 0 without tools", len(calls))
	}

	latest, err := rt.Journal().Latest(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Phase != PhaseDone {
		t.Errorf("journaled phase = %s", latest.Phase)
	}
	tl, err := rt.Replay().NewTimeline(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("NewTimeline() error = %v", err)
	}
	if len(tl.Resolutions()) != 1 {
		t.Errorf("resolutions = %+v", tl.Resolutions())
	}
}

func TestRuntime_ToolSettings(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Agent.Tools = true

	model := llm.NewScriptedModel().
		Script(application.PurposeIntent, llm.TextReply("inspect")).
		Script(application.PurposePlan, llm.ObjectReply(map[string]any{"objectives": []string{"look"}})).
		Script(application.PurposeStep, llm.StepReply(generation.StepResponse{Text: "nothing to do\nDONE"})).
		Script(application.PurposeReview, llm.ObjectReply(map[string]any{"satisfied": true})).
		Script(application.PurposeFinal, llm.TextReply("ok"))
	rt := newTestRuntime(t, cfg, WithModel(model))

	final := rt.Run(context.Background(), Params{Task: "look around"})
	if final.Phase != PhaseDone {
		t.Fatalf("final = %+v", final)
	}

	steps := model.CallsFor(application.PurposeStep)
	if len(steps) != 1 {
		t.Fatalf("step calls = %d, want 1", len(steps))
	}
	if steps[0].Tools != 2 {
		t.Errorf("advertised tools = %d, want readFile and writeFile", steps[0].Tools)
	}
	if len(model.CallsFor(application.PurposeExecute)) != 0 {
		t.Error("tool-free executor used in tool mode")
	}
}

func TestRuntime_NoStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Driver = "none"
	rt := newTestRuntime(t, cfg, WithModel(scriptedModel()))

	if rt.Journal() != nil || rt.Replay() != nil {
		t.Error("journal wired with storage disabled")
	}
	if final := rt.Run(context.Background(), Params{Task: "x"}); final.Phase != PhaseDone {
		t.Errorf("final = %+v", final)
	}
}

func TestRuntime_InjectedJournal(t *testing.T) {
	t.Parallel()

	journal := memory.NewSnapshotStore()
	rt := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()), WithJournal(journal))

	rt.Run(context.Background(), Params{Task: "x", RunID: "injected"})
	if _, err := journal.Latest(context.Background(), "injected"); err != nil {
		t.Errorf("Latest() error = %v", err)
	}
}

func TestRuntime_Counters(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()), WithTelemetry(true), WithServiceVersion("test"))
	rt.Run(context.Background(), Params{Task: "x"})

	counters, err := rt.Counters(context.Background())
	if err != nil {
		t.Fatalf("Counters() error = %v", err)
	}
	var runs int64
	for _, c := range counters {
		if c.Name == "planloop.runs" {
			runs += c.Value
		}
	}
	if runs != 1 {
		t.Errorf("planloop.runs = %d, want 1 in %+v", runs, counters)
	}

	off := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()))
	if got, err := off.Counters(context.Background()); got != nil || err != nil {
		t.Errorf("Counters() without telemetry = %v, %v", got, err)
	}
}

func TestRuntime_Resume(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()))
	ctx := context.Background()

	rt.Run(ctx, Params{Task: "x", RunID: "resume"})
	mid, err := rt.Replay().ReconstructAt(ctx, "resume", 1)
	if err != nil {
		t.Fatalf("ReconstructAt() error = %v", err)
	}
	if mid.Phase != PhasePlanning {
		t.Fatalf("snapshot 1 phase = %s", mid.Phase)
	}

	resumed := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()))
	final := resumed.Resume(ctx, mid, Params{})
	if final.Phase != PhaseDone || final.UserIntent != "count the files" {
		t.Errorf("resumed = %+v", final)
	}
}

func TestNewRuntime_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewRuntime(context.Background(), nil); err == nil {
		t.Error("expected error for nil config")
	}

	cfg := testConfig(t)
	cfg.Storage = domainconfig.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "missing", "dir", "db.sqlite")}
	if _, err := NewRuntime(context.Background(), cfg); !errors.Is(err, domainconfig.ErrBuildFailed) {
		t.Errorf("NewRuntime() error = %v, want ErrBuildFailed", err)
	}
}

func TestParams_LogFuncWins(t *testing.T) {
	t.Parallel()

	var got []string
	rt := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()))
	rt.Run(context.Background(), Params{
		Task:    "x",
		Log:     true,
		LogFunc: func(line string) { got = append(got, line) },
	})
	if len(got) == 0 || !strings.HasPrefix(got[0], "run ") {
		t.Errorf("lines = %v", got)
	}
}

func TestParams_SinkWins(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var viaFunc []string
	rt := newTestRuntime(t, testConfig(t), WithModel(scriptedModel()))
	final := rt.Run(context.Background(), Params{
		Task:    "x",
		LogFunc: func(line string) { viaFunc = append(viaFunc, line) },
		Sink:    application.NewWriterSink(&buf),
	})
	if len(viaFunc) != 0 {
		t.Errorf("LogFunc received %v, want nothing", viaFunc)
	}
	if !strings.HasPrefix(buf.String(), "run ") {
		t.Errorf("sink output = %q", buf.String())
	}
	if len(final.Logs) == 0 || !strings.Contains(buf.String(), final.Logs[len(final.Logs)-1]) {
		t.Errorf("State.Logs = %v not mirrored from the sink", final.Logs)
	}
}
