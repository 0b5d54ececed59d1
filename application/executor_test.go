package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/tool"
	"github.com/felixgeelhaar/planloop/infrastructure/llm"
	"github.com/felixgeelhaar/planloop/infrastructure/toolbox"
	"github.com/felixgeelhaar/planloop/pack/filesystem"
	"github.com/felixgeelhaar/planloop/pack/shell"
)

// stepRecorder keeps every step request while a ScriptedModel answers.
type stepRecorder struct {
	*llm.ScriptedModel
	mu       sync.Mutex
	requests []generation.StepRequest
}

func (m *stepRecorder) Step(ctx context.Context, req generation.StepRequest) (generation.StepResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.ScriptedModel.Step(ctx, req)
}

func call(id, name, args string) generation.ToolCall {
	return generation.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type staticFeed struct {
	batches    [][]string
	subscribed int
	cancelled  int
}

func (f *staticFeed) Subscribe() (func() []string, func()) {
	f.subscribed++
	drain := func() []string {
		if len(f.batches) == 0 {
			return nil
		}
		out := f.batches[0]
		f.batches = f.batches[1:]
		return out
	}
	return drain, func() { f.cancelled++ }
}

// stepFuncModel answers tool-loop steps from a function of the step number.
type stepFuncModel struct {
	*llm.ScriptedModel
	n    int
	step func(n int, req generation.StepRequest) generation.StepResponse
}

func (m *stepFuncModel) Step(_ context.Context, req generation.StepRequest) (generation.StepResponse, error) {
	m.n++
	return m.step(m.n, req), nil
}

func TestReasoningExecutor_Execute(t *testing.T) {
	t.Parallel()

	model := llm.NewScriptedModel().Script(PurposeExecute, llm.TextReply("\n 42 \n"))
	x := NewReasoningExecutor(model)

	got, err := x.Execute(context.Background(), Task{Objective: "answer", UserIntent: "know", Prompt: "q", ModelID: "m1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "42" {
		t.Errorf("Execute() = %q, want 42", got)
	}

	calls := model.CallsFor(PurposeExecute)
	if len(calls) != 1 || calls[0].Kind != "text" || calls[0].Model != "m1" {
		t.Fatalf("calls = %+v", calls)
	}
	if !strings.Contains(calls[0].Prompt, "OBJECTIVE:\nanswer") {
		t.Errorf("Prompt = %q, want objective", calls[0].Prompt)
	}
}

func TestReasoningExecutor_PassesErrorsThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	x := NewReasoningExecutor(llm.NewScriptedModel().Script(PurposeExecute, llm.ErrorReply(boom)))

	if _, err := x.Execute(context.Background(), Task{Objective: "o"}); !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want %v", err, boom)
	}
}

func TestToolLoopExecutor_Session(t *testing.T) {
	t.Parallel()

	scripted := llm.NewScriptedModel().Script(PurposeStep,
		llm.StepReply(generation.StepResponse{
			Text: "looking around",
			ToolCalls: []generation.ToolCall{
				call("c1", "bash", `{"command":"ls"}`),
				call("c2", "readFile", `{"path":"a.txt"}`),
			},
		}),
		llm.StepReply(generation.StepResponse{
			Text:      "NEXT: write the summary\n",
			ToolCalls: []generation.ToolCall{call("c3", "writeFile", `{"path":"out.md","content":"x"}`)},
		}),
		llm.StepReply(generation.StepResponse{Text: "Summary written. DONE"}),
	)
	model := &stepRecorder{ScriptedModel: scripted}
	tools := &fakeGateway{
		specs: []generation.ToolSpec{{Name: "bash"}, {Name: "readFile"}, {Name: "writeFile"}},
		outcomes: map[string]tool.Outcome{
			"bash": {Tool: "bash", OK: true, Output: json.RawMessage(`{"command":"ls","exitCode":0,"stdout":"a.txt\n","stderr":""}`)},
		},
	}
	feed := &staticFeed{batches: [][]string{{"new.log"}}}
	x := NewToolLoopExecutor(model, tools, feed)

	var emitted []string
	x.emit = func(line string) { emitted = append(emitted, line) }

	got, err := x.Execute(context.Background(), Task{Objective: "summarize files", Prompt: "summarize", MaxToolSteps: 5})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "Summary written. DONE" {
		t.Errorf("Execute() = %q", got)
	}
	if strings.Join(tools.calls, ",") != "bash,readFile,writeFile" {
		t.Errorf("tool calls = %v", tools.calls)
	}
	if len(model.requests) != 3 {
		t.Fatalf("steps = %d, want 3", len(model.requests))
	}

	first := model.requests[0]
	if len(first.Messages) != 1 || !strings.Contains(first.Messages[0].Content, "TASK: summarize files") {
		t.Errorf("first step messages = %+v", first.Messages)
	}
	if len(first.Tools) != 3 || first.Purpose != PurposeStep {
		t.Errorf("first step = %+v", first)
	}

	second := model.requests[1]
	prompt := second.Messages[0].Content
	if !strings.Contains(prompt, "LAST_STEP: bash exit=0 stdout=a.txt\n | readFile a.txt") {
		t.Errorf("second prompt missing step summary:\n%s", prompt)
	}
	if !strings.Contains(prompt, "new.log") {
		t.Errorf("second prompt missing watched change:\n%s", prompt)
	}
	if len(second.Messages) != 4 || second.Messages[1].Role != generation.RoleAssistant ||
		second.Messages[2].Role != generation.RoleTool || second.Messages[2].ToolCallID != "c1" {
		t.Errorf("second step should replay the previous exchange: %+v", second.Messages)
	}

	third := model.requests[2].Messages[0].Content
	if !strings.Contains(third, "TASK: write the summary") {
		t.Errorf("NEXT should redirect the task:\n%s", third)
	}
	var state session
	stateJSON := strings.TrimPrefix(strings.SplitN(third, "\n\nTASK:", 2)[0], "STATE:\n")
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		t.Fatalf("decode session: %v\n%s", err, stateJSON)
	}
	if strings.Join(state.FilesTouched, ",") != "a.txt,new.log,out.md" {
		t.Errorf("FilesTouched = %v", state.FilesTouched)
	}
	if len(state.CompletedSteps) != 2 || state.CompletedSteps[1] != "writeFile out.md" {
		t.Errorf("CompletedSteps = %v", state.CompletedSteps)
	}
	if len(emitted) != 2 {
		t.Errorf("emitted = %v, want one line per tool step", emitted)
	}
	if feed.subscribed != 1 || feed.cancelled != 1 {
		t.Errorf("subscriptions = %d opened, %d cancelled, want 1 and 1", feed.subscribed, feed.cancelled)
	}
}

// writeAndWait writes name under root and returns once the watcher has
// dispatched the change to its subscribers.
func writeAndWait(t *testing.T, w *filesystem.Watcher, root, name string) {
	t.Helper()

	drain, cancel := w.Subscribe()
	defer cancel()
	if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if slices.Contains(drain(), name) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher never reported %s", name)
}

func TestToolLoopExecutor_ConcurrentSessionsKeepTheirChanges(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	w, err := filesystem.NewWatcher(root)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	ctx := context.Background()
	bStarted := make(chan struct{})
	bDone := make(chan error, 1)

	modelB := &stepFuncModel{
		ScriptedModel: llm.NewScriptedModel(),
		step: func(int, generation.StepRequest) generation.StepResponse {
			close(bStarted)
			return generation.StepResponse{Text: "nothing to do. DONE"}
		},
	}

	var lastPrompt string
	modelA := &stepFuncModel{
		ScriptedModel: llm.NewScriptedModel(),
		step: func(n int, req generation.StepRequest) generation.StepResponse {
			if n == 1 {
				// a.txt is pending on A's subscription when B's session opens.
				writeAndWait(t, w, root, "a.txt")
				go func() {
					_, err := NewToolLoopExecutor(modelB, &fakeGateway{}, w).Execute(ctx, Task{Objective: "b"})
					bDone <- err
				}()
				<-bStarted
				return generation.StepResponse{ToolCalls: []generation.ToolCall{call("c1", "bash", `{"command":"true"}`)}}
			}
			lastPrompt = req.Messages[0].Content
			return generation.StepResponse{Text: "DONE"}
		},
	}

	if _, err := NewToolLoopExecutor(modelA, &fakeGateway{}, w).Execute(ctx, Task{Objective: "a", MaxToolSteps: 3}); err != nil {
		t.Fatalf("Execute(a) error = %v", err)
	}
	if err := <-bDone; err != nil {
		t.Fatalf("Execute(b) error = %v", err)
	}
	if !strings.Contains(lastPrompt, `"a.txt"`) {
		t.Errorf("session a lost its change to session b:\n%s", lastPrompt)
	}
}

func TestToolLoopExecutor_StopConditions(t *testing.T) {
	t.Parallel()

	bashCall := []generation.ToolCall{call("c", "bash", `{"command":"true"}`)}

	tests := []struct {
		name      string
		replies   []llm.Reply
		maxSteps  int
		wantSteps int
		wantOut   string
	}{
		{
			name:      "no tool calls",
			replies:   []llm.Reply{llm.StepReply(generation.StepResponse{Text: " plain answer "})},
			maxSteps:  5,
			wantSteps: 1,
			wantOut:   "plain answer",
		},
		{
			name: "done with tool calls",
			replies: []llm.Reply{
				llm.StepReply(generation.StepResponse{Text: "ran it, DONE", ToolCalls: bashCall}),
			},
			maxSteps:  5,
			wantSteps: 1,
			wantOut:   "ran it, DONE",
		},
		{
			name: "step cap",
			replies: []llm.Reply{
				llm.StepReply(generation.StepResponse{Text: "first", ToolCalls: bashCall}),
				llm.StepReply(generation.StepResponse{ToolCalls: bashCall}),
				llm.StepReply(generation.StepResponse{Text: "never"}),
			},
			maxSteps:  2,
			wantSteps: 2,
			wantOut:   "first",
		},
		{
			name:      "silent session",
			replies:   []llm.Reply{llm.StepReply(generation.StepResponse{})},
			maxSteps:  3,
			wantSteps: 1,
			wantOut:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			model := llm.NewScriptedModel().Script(PurposeStep, tt.replies...)
			x := NewToolLoopExecutor(model, &fakeGateway{}, nil)

			got, err := x.Execute(context.Background(), Task{Objective: "o", MaxToolSteps: tt.maxSteps})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got != tt.wantOut {
				t.Errorf("Execute() = %q, want %q", got, tt.wantOut)
			}
			if n := len(model.CallsFor(PurposeStep)); n != tt.wantSteps {
				t.Errorf("steps = %d, want %d", n, tt.wantSteps)
			}
		})
	}
}

func TestToolLoopExecutor_DefaultStepCap(t *testing.T) {
	t.Parallel()

	bashCall := []generation.ToolCall{call("c", "bash", `{}`)}
	model := llm.NewScriptedModel().Script(PurposeStep,
		repeat(llm.StepReply(generation.StepResponse{ToolCalls: bashCall}), DefaultMaxToolSteps+1)...)
	x := NewToolLoopExecutor(model, &fakeGateway{}, nil)

	if _, err := x.Execute(context.Background(), Task{Objective: "o"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if n := model.Remaining(PurposeStep); n != 1 {
		t.Errorf("unused replies = %d, want 1", n)
	}
}

func TestToolLoopExecutor_Errors(t *testing.T) {
	t.Parallel()

	t.Run("model error", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("bad gateway")
		model := llm.NewScriptedModel().Script(PurposeStep, llm.ErrorReply(boom))
		x := NewToolLoopExecutor(model, &fakeGateway{}, nil)

		if _, err := x.Execute(context.Background(), Task{Objective: "o"}); !errors.Is(err, boom) {
			t.Errorf("Execute() error = %v, want %v", err, boom)
		}
	})

	t.Run("gateway error", func(t *testing.T) {
		t.Parallel()

		model := llm.NewScriptedModel().Script(PurposeStep, llm.StepReply(generation.StepResponse{
			ToolCalls: []generation.ToolCall{call("c", "bash", `{}`)},
		}))
		x := NewToolLoopExecutor(model, &fakeGateway{err: context.Canceled}, nil)

		if _, err := x.Execute(context.Background(), Task{Objective: "o"}); !errors.Is(err, context.Canceled) {
			t.Errorf("Execute() error = %v, want context.Canceled", err)
		}
	})
}

func TestSummarizeOutcome(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 130)

	tests := []struct {
		name    string
		call    generation.ToolCall
		outcome tool.Outcome
		want    string
	}{
		{
			name:    "bash full",
			call:    call("1", "bash", `{}`),
			outcome: tool.Outcome{OK: true, Output: json.RawMessage(`{"exitCode":2,"stdout":"out","stderr":"err"}`)},
			want:    "bash exit=2 stdout=out stderr=err",
		},
		{
			name:    "bash empty streams",
			call:    call("1", "bash", `{}`),
			outcome: tool.Outcome{OK: true, Output: json.RawMessage(`{"exitCode":0,"stdout":"","stderr":""}`)},
			want:    "bash exit=0",
		},
		{
			name:    "bash truncated",
			call:    call("1", "bash", `{}`),
			outcome: tool.Outcome{OK: true, Output: json.RawMessage(fmt.Sprintf(`{"exitCode":0,"stdout":%q}`, long))},
			want:    "bash exit=0 stdout=" + strings.Repeat("x", 120) + "…",
		},
		{
			name:    "bash blocked",
			call:    call("1", "bash", `{"command":"rm -rf /"}`),
			outcome: tool.Outcome{OK: false, Error: "command blocked"},
			want:    "bash error=command blocked",
		},
		{
			name: "read file",
			call: call("1", "readFile", `{"path":"src/main.go"}`),
			want: "readFile src/main.go",
		},
		{
			name: "write file without path",
			call: call("1", "writeFile", `{}`),
			want: "writeFile",
		},
		{
			name:    "browser ok",
			call:    call("1", "browser", `{"command":"open"}`),
			outcome: tool.Outcome{OK: true, Output: json.RawMessage(`{"ok":true,"exitCode":0}`)},
			want:    "browser ok",
		},
		{
			name:    "browser error",
			call:    call("1", "browser", `{"command":"eval"}`),
			outcome: tool.Outcome{OK: false, Output: json.RawMessage(`{"ok":false,"exitCode":1,"error":"Unsupported command: eval"}`), Error: "unsupported"},
			want:    "browser error: Unsupported command: eval",
		},
		{
			name:    "bash output cut as text",
			call:    call("1", "bash", `{}`),
			outcome: tool.Outcome{OK: true, Output: json.RawMessage(`"{\"exitCode\":0... [truncated]"`)},
			want:    `bash output="{\"exitCode\":0... [truncated]"`,
		},
		{
			name:    "browser ok output cut as text",
			call:    call("1", "browser", `{"command":"snapshot"}`),
			outcome: tool.Outcome{OK: true, Output: json.RawMessage(`"{\"ok\":true... [truncated]"`)},
			want:    "browser ok",
		},
		{
			name:    "browser unknown error",
			call:    call("1", "browser", `{}`),
			outcome: tool.Outcome{OK: false},
			want:    "browser error: unknown",
		},
		{
			name: "other tool",
			call: call("1", "search", `{}`),
			want: "search",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := summarizeOutcome(tt.call, tt.outcome); got != tt.want {
				t.Errorf("summarizeOutcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizeOutcome_NoisyShellThroughGateway(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh unavailable")
	}
	p, err := shell.New()
	if err != nil {
		t.Fatalf("shell.New() error = %v", err)
	}
	reg, err := toolbox.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.RegisterPack(p); err != nil {
		t.Fatalf("RegisterPack() error = %v", err)
	}

	c := call("1", shell.ToolName, `{"command":"head -c 20000 /dev/zero | tr '\\0' x; printf oops >&2; exit 3"}`)
	out, err := toolbox.NewGateway(reg).Invoke(context.Background(), c.Name, c.Arguments)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(out.Output) > toolbox.DefaultMaxOutputBytes {
		t.Errorf("len(Output) = %d, want <= %d", len(out.Output), toolbox.DefaultMaxOutputBytes)
	}

	sum := summarizeOutcome(c, out)
	for _, want := range []string{"bash exit=3", "stdout=" + strings.Repeat("x", maxSummaryText) + "…", "stderr=oops"} {
		if !strings.Contains(sum, want) {
			t.Errorf("summary = %.200q, missing %q", sum, want)
		}
	}
}

func TestAppendLimited(t *testing.T) {
	t.Parallel()

	var list []string
	list = appendLimited(list, "")
	list = appendLimited(list, "a")
	list = appendLimited(list, "a")
	if len(list) != 1 {
		t.Fatalf("list = %v, want dedup and no empty entries", list)
	}

	for i := 0; i < maxSessionList+5; i++ {
		list = appendLimited(list, fmt.Sprintf("step-%d", i))
	}
	if len(list) != maxSessionList {
		t.Errorf("len = %d, want %d", len(list), maxSessionList)
	}
	if list[0] != "step-5" || list[len(list)-1] != fmt.Sprintf("step-%d", maxSessionList+4) {
		t.Errorf("list = [%s .. %s], want oldest dropped", list[0], list[len(list)-1])
	}
}

func TestNextTask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"no directive", ""},
		{"NEXT: run the tests", "run the tests"},
		{"checked.\n  NEXT:   open the page  \nmore", "open the page"},
		{"the NEXT: step is inline", ""},
		{"NEXT:", ""},
	}

	for _, tt := range tests {
		if got := nextTask(tt.text); got != tt.want {
			t.Errorf("nextTask(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestTruncateText(t *testing.T) {
	t.Parallel()

	if got := truncateText("short", 10); got != "short" {
		t.Errorf("truncateText() = %q", got)
	}
	if got := truncateText("héllo wörld", 5); got != "héllo…" {
		t.Errorf("truncateText() = %q, want rune-safe cut", got)
	}
}
