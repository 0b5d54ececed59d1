package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/planloop/domain/agent"
	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/tool"
	"github.com/felixgeelhaar/planloop/infrastructure/llm"
	"github.com/felixgeelhaar/planloop/infrastructure/storage/memory"
)

// Test helpers

func objectives(items ...string) llm.Reply {
	return llm.ObjectReply(map[string]any{"objectives": items})
}

func verdict(ok bool, reason string) llm.Reply {
	return llm.ObjectReply(map[string]any{"satisfied": ok, "reason": reason})
}

func repeat(r llm.Reply, n int) []llm.Reply {
	out := make([]llm.Reply, n)
	for i := range out {
		out[i] = r
	}
	return out
}

// happyModel scripts a single-objective run accepted on first review.
func happyModel() *llm.ScriptedModel {
	return llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("  see the files  ")).
		Script(PurposePlan, objectives("list files")).
		Script(PurposeExecute, llm.TextReply("a.txt b.txt\n")).
		Script(PurposeReview, verdict(true, "done")).
		Script(PurposeFinal, llm.TextReply("Files: a.txt, b.txt"))
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngineWithOptions(opts...)
	if err != nil {
		t.Fatalf("NewEngineWithOptions() error = %v", err)
	}
	return e
}

type fakeGateway struct {
	mu       sync.Mutex
	specs    []generation.ToolSpec
	outcomes map[string]tool.Outcome
	err      error
	calls    []string
}

func (g *fakeGateway) Specs() []generation.ToolSpec {
	return g.specs
}

func (g *fakeGateway) Invoke(_ context.Context, name string, _ json.RawMessage) (tool.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, name)
	if g.err != nil {
		return tool.Outcome{}, g.err
	}
	if o, ok := g.outcomes[name]; ok {
		return o, nil
	}
	return tool.Outcome{Tool: name, OK: true, Output: json.RawMessage(`{}`)}, nil
}

type executorFunc func(ctx context.Context, task Task) (string, error)

func (f executorFunc) Execute(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}

type fakeRecorder struct {
	mu          sync.Mutex
	transitions int
	plans       []agent.PlanStatus
	runs        []agent.Phase
	codes       []agent.ErrorCode
	spans       int
	spanErrs    int
}

func (r *fakeRecorder) RecordTransition(context.Context, agent.Phase, agent.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions++
}

func (r *fakeRecorder) RecordPlanOutcome(_ context.Context, s agent.PlanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, s)
}

func (r *fakeRecorder) RecordRun(_ context.Context, final agent.Phase, code agent.ErrorCode, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, final)
	r.codes = append(r.codes, code)
}

func (r *fakeRecorder) StartPhase(ctx context.Context, _ agent.Phase) (context.Context, func(error)) {
	r.mu.Lock()
	r.spans++
	r.mu.Unlock()
	return ctx, func(err error) {
		if err != nil {
			r.mu.Lock()
			r.spanErrs++
			r.mu.Unlock()
		}
	}
}

// Engine Creation Tests

func TestNewEngine_RequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine(EngineConfig{}); !errors.Is(err, ErrModelRequired) {
		t.Errorf("NewEngine() error = %v, want ErrModelRequired", err)
	}
}

func TestNewEngine_RejectsNegativeCeilings(t *testing.T) {
	t.Parallel()

	_, err := NewEngineWithOptions(WithModel(llm.NewScriptedModel()), WithMaxReplans(-1))
	if err == nil {
		t.Error("expected error for negative replan ceiling")
	}
}

func TestNewEngine_Defaults(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, WithModel(llm.NewScriptedModel()))
	if e.maxIterations != DefaultMaxIterations || e.maxReplans != DefaultMaxReplans {
		t.Errorf("ceilings = %d/%d, want %d/%d", e.maxIterations, e.maxReplans, DefaultMaxIterations, DefaultMaxReplans)
	}
	if e.tools == nil || len(e.tools.Specs()) != 0 {
		t.Errorf("tools = %v, want empty gateway", e.tools)
	}
	if e.recorder == nil {
		t.Error("recorder should default to no-op")
	}
}

// Scenario Tests

func TestEngine_Run_SinglePlanAccepted(t *testing.T) {
	t.Parallel()

	model := happyModel()
	e := newTestEngine(t, WithModel(model))

	got := e.Run(context.Background(), "list files", WithModelID("openai/gpt-5-nano"))

	if got.Phase != agent.PhaseDone {
		t.Fatalf("Phase = %s, want DONE (error: %v)", got.Phase, got.Error)
	}
	if len(got.Plans) != 1 || got.Plans[0].Status != agent.PlanCompleted {
		t.Fatalf("Plans = %+v, want one completed plan", got.Plans)
	}
	if got.Plans[0].Result != "a.txt b.txt" {
		t.Errorf("Result = %q, want trimmed executor text", got.Plans[0].Result)
	}
	if got.UserIntent != "see the files" {
		t.Errorf("UserIntent = %q", got.UserIntent)
	}
	if got.FinalOutput != "Files: a.txt, b.txt" {
		t.Errorf("FinalOutput = %q", got.FinalOutput)
	}
	if got.Iterations != 4 || got.ReplanCount != 0 {
		t.Errorf("counters = %d/%d, want 4/0", got.Iterations, got.ReplanCount)
	}
	if got.Logs != nil {
		t.Errorf("Logs = %v, want none without a sink", got.Logs)
	}
	for _, c := range model.Calls() {
		if c.Model != "openai/gpt-5-nano" {
			t.Errorf("%s call model = %q", c.Purpose, c.Model)
		}
	}
	if err := got.Validate(); err != nil {
		t.Errorf("final state invalid: %v", err)
	}
}

func TestEngine_Run_ReplansThenAccepts(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("intent")).
		Script(PurposePlan, objectives("one"), objectives("two"), objectives("three")).
		Script(PurposeExecute, repeat(llm.TextReply("ok"), 3)...).
		Script(PurposeReview, verdict(false, "missing tests"), verdict(false, "still missing"), verdict(true, "good")).
		Script(PurposeHandoff, llm.TextReply("add tests"), llm.TextReply("really add tests")).
		Script(PurposeFinal, llm.TextReply("final"))
	e := newTestEngine(t, WithModel(model), WithMaxReplans(3))

	got := e.Run(context.Background(), "build it")

	if got.Phase != agent.PhaseDone {
		t.Fatalf("Phase = %s, want DONE (error: %v)", got.Phase, got.Error)
	}
	if got.ReplanCount != 2 {
		t.Errorf("ReplanCount = %d, want 2", got.ReplanCount)
	}
	if got.Handoff != "really add tests" {
		t.Errorf("Handoff = %q, want the latest handoff", got.Handoff)
	}
	if len(got.Plans) != 1 || got.Plans[0].Objective != "three" {
		t.Errorf("Plans = %+v, want only the last plan set", got.Plans)
	}

	plans := model.CallsFor(PurposePlan)
	if len(plans) != 3 || !strings.Contains(plans[2].Prompt, "really add tests") {
		t.Errorf("third planning prompt should carry the handoff: %+v", plans)
	}
}

func TestEngine_Run_MaxReplans(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("intent")).
		Script(PurposePlan, repeat(objectives("try"), 4)...).
		Script(PurposeExecute, repeat(llm.TextReply("nope"), 4)...).
		Script(PurposeReview, repeat(verdict(false, "wrong answer"), 4)...).
		Script(PurposeHandoff, repeat(llm.TextReply("try harder"), 3)...)
	e := newTestEngine(t, WithModel(model), WithMaxReplans(3))

	got := e.Run(context.Background(), "impossible")

	if got.Phase != agent.PhaseFailed || got.Error == nil {
		t.Fatalf("Phase = %s, want FAILED", got.Phase)
	}
	if got.Error.Code != agent.CodeMaxReplans {
		t.Errorf("Code = %s, want MAX_REPLANS", got.Error.Code)
	}
	if got.Error.Stage != agent.PhaseReviewing {
		t.Errorf("Stage = %s, want REVIEWING", got.Error.Stage)
	}
	if !strings.Contains(got.Error.Message, "wrong answer") {
		t.Errorf("Message = %q, want the rejection reason", got.Error.Message)
	}
	if got.ReplanCount != 3 {
		t.Errorf("ReplanCount = %d, want 3", got.ReplanCount)
	}
	if n := len(model.CallsFor(PurposeHandoff)); n != 3 {
		t.Errorf("handoff calls = %d, want 3", n)
	}
}

func TestEngine_Run_ToolFailureFailsOnlyThePlan(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("intent")).
		Script(PurposePlan, objectives("run ls")).
		Script(PurposeStep, llm.StepReply(generation.StepResponse{
			ToolCalls: []generation.ToolCall{{ID: "c1", Name: "bash", Arguments: json.RawMessage(`{"command":"ls"}`)}},
		})).
		Script(PurposeReview, verdict(true, "partial is fine")).
		Script(PurposeFinal, llm.TextReply("could not list"))
	tools := &fakeGateway{err: errors.New("sandbox unreachable")}
	journal := memory.NewSnapshotStore()
	e := newTestEngine(t, WithModel(model), WithToolGateway(tools), WithJournal(journal))

	got := e.Run(context.Background(), "list files", WithTools(true), WithRunID("run-tools"))

	if len(got.Plans) != 1 || got.Plans[0].Status != agent.PlanFailed {
		t.Fatalf("Plans = %+v, want one failed plan", got.Plans)
	}
	if !strings.Contains(got.Plans[0].Error, "sandbox unreachable") {
		t.Errorf("plan error = %q", got.Plans[0].Error)
	}
	if got.Phase != agent.PhaseDone {
		t.Errorf("Phase = %s, want DONE after review", got.Phase)
	}

	tl, err := NewReplay(journal).NewTimeline(context.Background(), "run-tools")
	if err != nil {
		t.Fatalf("NewTimeline() error = %v", err)
	}
	reachedReview := false
	for _, tr := range tl.Transitions() {
		if tr.To == agent.PhaseReviewing {
			reachedReview = true
		}
	}
	if !reachedReview {
		t.Error("run should pass through REVIEWING")
	}
}

func TestEngine_Run_MaxIterations(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("intent")).
		Script(PurposePlan, objectives("a", "b")).
		Script(PurposeExecute, llm.TextReply("x"))
	e := newTestEngine(t, WithModel(model), WithMaxIterations(2))

	got := e.Run(context.Background(), "long task")

	if got.Phase != agent.PhaseFailed || got.Error.Code != agent.CodeMaxIterations {
		t.Fatalf("state = %s %+v, want FAILED MAX_ITERATIONS", got.Phase, got.Error)
	}
	if got.Error.Stage != agent.PhaseExecuting {
		t.Errorf("Stage = %s, want EXECUTING", got.Error.Stage)
	}
	if n := len(model.CallsFor(PurposeExecute)); n != 0 {
		t.Errorf("execute calls = %d, want 0", n)
	}
}

// Failure Code Tests

func TestEngine_Run_FailureCodes(t *testing.T) {
	t.Parallel()

	boom := errors.New("provider down")

	tests := []struct {
		name      string
		model     *llm.ScriptedModel
		wantCode  agent.ErrorCode
		wantStage agent.Phase
	}{
		{
			name:      "intent error",
			model:     llm.NewScriptedModel().Script(PurposeIntent, llm.ErrorReply(boom)),
			wantCode:  agent.CodeThinkUserIntentFailed,
			wantStage: agent.PhaseInit,
		},
		{
			name:      "blank intent",
			model:     llm.NewScriptedModel().Script(PurposeIntent, llm.TextReply("  ")),
			wantCode:  agent.CodeThinkUserIntentFailed,
			wantStage: agent.PhaseInit,
		},
		{
			name: "plan error",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, llm.ErrorReply(boom)),
			wantCode:  agent.CodeThinkPlansFailed,
			wantStage: agent.PhasePlanning,
		},
		{
			name: "plan not an object",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, llm.ObjectReply("just text")),
			wantCode:  agent.CodeThinkPlansFailed,
			wantStage: agent.PhasePlanning,
		},
		{
			name: "empty plan",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, objectives()),
			wantCode:  agent.CodeEmptyPlan,
			wantStage: agent.PhasePlanning,
		},
		{
			name: "only blank objectives",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, objectives(" ", "")),
			wantCode:  agent.CodeEmptyPlan,
			wantStage: agent.PhasePlanning,
		},
		{
			name: "review error",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, objectives("a")).
				Script(PurposeExecute, llm.TextReply("r")).
				Script(PurposeReview, llm.ErrorReply(boom)),
			wantCode:  agent.CodeReviewFailed,
			wantStage: agent.PhaseReviewing,
		},
		{
			name: "final output error",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, objectives("a")).
				Script(PurposeExecute, llm.TextReply("r")).
				Script(PurposeReview, verdict(true, "")).
				Script(PurposeFinal, llm.ErrorReply(boom)),
			wantCode:  agent.CodeFinalOutputFailed,
			wantStage: agent.PhaseReviewing,
		},
		{
			name: "handoff error",
			model: llm.NewScriptedModel().
				Script(PurposeIntent, llm.TextReply("i")).
				Script(PurposePlan, objectives("a")).
				Script(PurposeExecute, llm.TextReply("r")).
				Script(PurposeReview, verdict(false, "no")).
				Script(PurposeHandoff, llm.ErrorReply(boom)),
			wantCode:  agent.CodeHandoffFailed,
			wantStage: agent.PhaseReviewing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEngine(t, WithModel(tt.model))
			got := e.Run(context.Background(), "task")

			if got.Phase != agent.PhaseFailed || got.Error == nil {
				t.Fatalf("Phase = %s, want FAILED", got.Phase)
			}
			if got.Error.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", got.Error.Code, tt.wantCode)
			}
			if got.Error.Stage != tt.wantStage {
				t.Errorf("Stage = %s, want %s", got.Error.Stage, tt.wantStage)
			}
			if got.Error.Message == "" {
				t.Error("Message should not be empty")
			}
			if err := got.Validate(); err != nil {
				t.Errorf("final state invalid: %v", err)
			}
		})
	}
}

func TestEngine_Run_CapsObjectives(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("i")).
		Script(PurposePlan, objectives("1", "2", "3", "4", "5", "6", "7"))
	e := newTestEngine(t, WithModel(model), WithExecutor(executorFunc(func(context.Context, Task) (string, error) {
		return "ok", nil
	})))

	s := e.Step(context.Background(), e.Step(context.Background(), agent.NewState("t")))
	if s.Phase != agent.PhaseExecuting || len(s.Plans) != MaxObjectives {
		t.Errorf("state = %s with %d plans, want EXECUTING with %d", s.Phase, len(s.Plans), MaxObjectives)
	}
}

// Property Tests

func TestEngine_Step_ResolvesPlansInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("i")).
		Script(PurposePlan, objectives("A", "B", "C"))
	e := newTestEngine(t, WithModel(model), WithExecutor(executorFunc(func(_ context.Context, task Task) (string, error) {
		order = append(order, task.Objective)
		if task.Objective == "B" {
			return "", errors.New("B broke")
		}
		return "done " + task.Objective, nil
	})))

	ctx := context.Background()
	s := agent.NewState("task")
	for s.Phase != agent.PhaseExecuting {
		s = e.Step(ctx, s)
	}

	for i := 0; i < 3; i++ {
		before := s.Iterations
		s = e.Step(ctx, s)
		if s.Iterations != before+1 {
			t.Errorf("step %d: Iterations = %d, want %d", i, s.Iterations, before+1)
		}
		for j, p := range s.Plans {
			settled := p.Status != agent.PlanWaiting
			if settled != (j <= i) {
				t.Errorf("step %d: plan %d status = %s", i, j, p.Status)
			}
		}
	}

	if s.Phase != agent.PhaseReviewing {
		t.Errorf("Phase = %s, want REVIEWING after the last plan", s.Phase)
	}
	if strings.Join(order, ",") != "A,B,C" {
		t.Errorf("order = %v, want A,B,C", order)
	}
	if s.Plans[1].Status != agent.PlanFailed || s.Plans[1].Error != "B broke" {
		t.Errorf("plan B = %+v, want failed with error", s.Plans[1])
	}
	if s.Plans[2].Status != agent.PlanCompleted {
		t.Errorf("plan C = %+v, want completed after B failed", s.Plans[2])
	}
}

func TestEngine_Step_TerminalIsNoop(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel()
	e := newTestEngine(t, WithModel(model))

	failed := agent.NewState("t").Fail(agent.CodeEmptyPlan, "x")
	got := e.Step(context.Background(), failed)

	if got.Iterations != failed.Iterations || got.Phase != agent.PhaseFailed || got.Error != failed.Error {
		t.Errorf("Step() on terminal state = %+v, want unchanged", got)
	}
	if len(model.Calls()) != 0 {
		t.Errorf("model calls = %d, want 0", len(model.Calls()))
	}
}

func TestEngine_Step_CeilingBeforeDispatch(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel()
	e := newTestEngine(t, WithModel(model), WithMaxIterations(3))

	s := agent.NewState("t")
	s.Iterations = 3
	got := e.Step(context.Background(), s)

	if got.Phase != agent.PhaseFailed || got.Error.Code != agent.CodeMaxIterations || got.Error.Stage != agent.PhaseInit {
		t.Errorf("Step() = %s %+v, want MAX_ITERATIONS during INIT", got.Phase, got.Error)
	}
	if len(model.Calls()) != 0 {
		t.Error("ceiling must be checked before any model call")
	}
}

func TestEngine_Run_ExecutorPanicBecomesFailedPlan(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("i")).
		Script(PurposePlan, objectives("explode")).
		Script(PurposeReview, verdict(true, "")).
		Script(PurposeFinal, llm.TextReply("out"))
	e := newTestEngine(t, WithModel(model), WithExecutor(executorFunc(func(context.Context, Task) (string, error) {
		panic("nil map")
	})))

	got := e.Run(context.Background(), "t")

	if got.Phase != agent.PhaseDone {
		t.Fatalf("Phase = %s, want DONE", got.Phase)
	}
	if got.Plans[0].Status != agent.PlanFailed || !strings.Contains(got.Plans[0].Error, "nil map") {
		t.Errorf("plan = %+v, want failed with panic value", got.Plans[0])
	}
}

func TestEngine_Run_ReplanCountOnlyOnReplan(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().
		Script(PurposeIntent, llm.TextReply("i")).
		Script(PurposePlan, objectives("a", "b"), objectives("c")).
		Script(PurposeExecute, repeat(llm.TextReply("r"), 3)...).
		Script(PurposeReview, verdict(false, "again"), verdict(true, "")).
		Script(PurposeHandoff, llm.TextReply("h")).
		Script(PurposeFinal, llm.TextReply("f"))
	e := newTestEngine(t, WithModel(model))

	ctx := context.Background()
	s := agent.NewState("t")
	for !s.IsTerminal() {
		next := e.Step(ctx, s)
		if next.ReplanCount != s.ReplanCount {
			if s.Phase != agent.PhaseReviewing || next.Phase != agent.PhasePlanning || next.ReplanCount != s.ReplanCount+1 {
				t.Errorf("replanCount changed on %s -> %s", s.Phase, next.Phase)
			}
		}
		if next.Iterations != s.Iterations+1 {
			t.Errorf("%s -> %s: Iterations %d -> %d", s.Phase, next.Phase, s.Iterations, next.Iterations)
		}
		s = next
	}
	if s.Phase != agent.PhaseDone || s.ReplanCount != 1 {
		t.Errorf("final = %s replans=%d, want DONE with 1", s.Phase, s.ReplanCount)
	}
}

// Logging Tests

func TestEngine_Run_MirrorsLogLines(t *testing.T) {
	t.Parallel()

	var lines []string
	e := newTestEngine(t, WithModel(happyModel()))

	got := e.Run(context.Background(), "list files", WithLogFunc(func(line string) {
		lines = append(lines, line)
	}))

	if len(lines) == 0 {
		t.Fatal("expected progress lines")
	}
	if strings.Join(got.Logs, "\n") != strings.Join(lines, "\n") {
		t.Errorf("Logs = %v, want %v", got.Logs, lines)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"[INIT] intent: see the files", "[PLANNING] 1 objectives: list files", "[EXECUTING] plan 1/1: list files", "[REVIEWING] accepted"} {
		if !strings.Contains(joined, want) {
			t.Errorf("logs missing %q:\n%s", want, joined)
		}
	}
}

func TestEngine_Run_LogsDoNotChangeOutcome(t *testing.T) {
	t.Parallel()

	quiet := newTestEngine(t, WithModel(happyModel())).Run(context.Background(), "t")
	loud := newTestEngine(t, WithModel(happyModel())).Run(context.Background(), "t", WithSink(SinkFunc(func(string) {})))

	loud.Logs = nil
	a, _ := json.Marshal(quiet)
	b, _ := json.Marshal(loud)
	if string(a) != string(b) {
		t.Errorf("outcome differs with logging:\n%s\n%s", a, b)
	}
}

// Journal and Telemetry Tests

func TestEngine_Run_JournalsEverySnapshot(t *testing.T) {
	t.Parallel()

	journal := memory.NewSnapshotStore()
	e := newTestEngine(t, WithModel(happyModel()), WithJournal(journal))

	got := e.Run(context.Background(), "t", WithRunID("run-1"))

	snaps, err := journal.Snapshots(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(snaps) != got.Iterations+1 {
		t.Fatalf("snapshots = %d, want %d", len(snaps), got.Iterations+1)
	}
	for i, s := range snaps {
		if s.Seq != i || s.State.Iterations != i {
			t.Errorf("snapshot %d: seq=%d iterations=%d", i, s.Seq, s.State.Iterations)
		}
	}
	if snaps[0].State.Phase != agent.PhaseInit || snaps[len(snaps)-1].State.Phase != agent.PhaseDone {
		t.Errorf("journal spans %s..%s", snaps[0].State.Phase, snaps[len(snaps)-1].State.Phase)
	}
}

func TestEngine_Resume_ContinuesJournaledRun(t *testing.T) {
	t.Parallel()

	model := happyModel()
	journal := memory.NewSnapshotStore()
	e := newTestEngine(t, WithModel(model), WithJournal(journal))
	ctx := context.Background()

	s := agent.NewState("list files")
	s = e.Step(ctx, s, WithRunID("r"))
	s = e.Step(ctx, s, WithRunID("r"))

	latest, err := NewReplay(journal).Reconstruct(ctx, "r")
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if latest.Phase != agent.PhaseExecuting {
		t.Fatalf("latest = %s, want EXECUTING", latest.Phase)
	}

	got := e.Resume(ctx, latest, WithRunID("r"))
	if got.Phase != agent.PhaseDone || got.Iterations != 4 {
		t.Errorf("Resume() = %s at %d, want DONE at 4", got.Phase, got.Iterations)
	}
	if done := e.Resume(ctx, got); done.Iterations != got.Iterations {
		t.Error("Resume() of a terminal state should be a no-op")
	}
}

func TestEngine_Run_RecordsTelemetry(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := newTestEngine(t, WithModel(happyModel()), WithRecorder(rec))

	got := e.Run(context.Background(), "t")

	if rec.transitions != got.Iterations {
		t.Errorf("transitions = %d, want %d", rec.transitions, got.Iterations)
	}
	if rec.spans != got.Iterations || rec.spanErrs != 0 {
		t.Errorf("spans = %d (errors %d), want %d", rec.spans, rec.spanErrs, got.Iterations)
	}
	if len(rec.plans) != 1 || rec.plans[0] != agent.PlanCompleted {
		t.Errorf("plans = %v", rec.plans)
	}
	if len(rec.runs) != 1 || rec.runs[0] != agent.PhaseDone || rec.codes[0] != "" {
		t.Errorf("runs = %v codes = %v", rec.runs, rec.codes)
	}
}

func TestEngine_Run_FailedSpanCarriesError(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	model := llm.NewScriptedModel().Script(PurposeIntent, llm.ErrorReply(errors.New("down")))
	e := newTestEngine(t, WithModel(model), WithRecorder(rec))

	e.Run(context.Background(), "t")

	if rec.spanErrs != 1 {
		t.Errorf("span errors = %d, want 1", rec.spanErrs)
	}
	if rec.codes[0] != agent.CodeThinkUserIntentFailed {
		t.Errorf("run code = %s", rec.codes[0])
	}
}

func TestEngine_Run_RoundTripsFinalState(t *testing.T) {
	t.Parallel()

	got := newTestEngine(t, WithModel(happyModel())).
		Run(context.Background(), "t", WithSink(SinkFunc(func(string) {})))

	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back agent.State
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	again, _ := json.Marshal(back)
	if string(again) != string(data) {
		t.Errorf("round trip changed state:\n%s\n%s", data, again)
	}
}
