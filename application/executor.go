package application

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/tool"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
	"github.com/felixgeelhaar/planloop/pack/browser"
	"github.com/felixgeelhaar/planloop/pack/filesystem"
	"github.com/felixgeelhaar/planloop/pack/shell"
)

const (
	// DefaultMaxToolSteps caps model-decided steps in one tool-loop session.
	DefaultMaxToolSteps = 10

	// DoneToken ends a tool-loop session when it appears in step text.
	DoneToken = "DONE"

	maxSessionList = 50
	maxSummaryText = 120
)

var nextTaskPattern = regexp.MustCompile(`(?m)^\s*NEXT:\s*(.+?)\s*$`)

// Task is the read-only input for resolving one objective.
type Task struct {
	Objective    string
	UserIntent   string
	Prompt       string
	ModelID      string
	MaxToolSteps int
}

// Executor resolves one waiting objective into a result string.
// Errors pass through unchanged; the engine records them on the plan.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ReasoningExecutor answers an objective with a single tool-free call.
type ReasoningExecutor struct {
	model generation.Model
}

// NewReasoningExecutor creates a tool-free executor.
func NewReasoningExecutor(model generation.Model) *ReasoningExecutor {
	return &ReasoningExecutor{model: model}
}

// Execute implements Executor.
func (x *ReasoningExecutor) Execute(ctx context.Context, task Task) (string, error) {
	text, err := x.model.Text(ctx, generation.TextRequest{
		Purpose: PurposeExecute,
		Model:   task.ModelID,
		System:  executeSystem,
		Prompt:  executePrompt(task),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// ChangeFeed reports workspace paths changed while a subscription is open.
// Each tool-loop session holds its own subscription, so concurrent
// sessions never consume each other's changes.
type ChangeFeed interface {
	Subscribe() (drain func() []string, cancel func())
}

// ToolLoopExecutor drives a bounded tool-use session for one objective.
type ToolLoopExecutor struct {
	model   generation.Model
	tools   tool.Gateway
	changes ChangeFeed
	emit    func(string)
}

// NewToolLoopExecutor creates a tool-loop executor. changes may be nil.
func NewToolLoopExecutor(model generation.Model, tools tool.Gateway, changes ChangeFeed) *ToolLoopExecutor {
	return &ToolLoopExecutor{model: model, tools: tools, changes: changes}
}

// Execute implements Executor. The session stops when a step makes no
// tool calls, when its text carries DoneToken, or at the step cap.
func (x *ToolLoopExecutor) Execute(ctx context.Context, task Task) (string, error) {
	maxSteps := task.MaxToolSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxToolSteps
	}
	var drain func() []string
	if x.changes != nil {
		var cancel func()
		drain, cancel = x.changes.Subscribe()
		defer cancel()
	}

	s := newSession(task)
	specs := x.tools.Specs()
	var output string
	var exchange []generation.Message

	for step := 1; step <= maxSteps; step++ {
		prompt, err := s.prompt()
		if err != nil {
			return "", err
		}
		messages := append([]generation.Message{{Role: generation.RoleUser, Content: prompt}}, exchange...)

		resp, err := x.model.Step(ctx, generation.StepRequest{
			Purpose:  PurposeStep,
			Model:    task.ModelID,
			System:   stepSystem,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(resp.Text); text != "" {
			output = text
		}

		exchange = exchange[:0]
		var summaries []string
		if resp.HasToolCalls() {
			exchange = append(exchange, generation.Message{
				Role:      generation.RoleAssistant,
				Content:   resp.Text,
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				outcome, err := x.tools.Invoke(ctx, call.Name, call.Arguments)
				if err != nil {
					return "", err
				}
				exchange = append(exchange, generation.Message{
					Role:       generation.RoleTool,
					Content:    outcome.Content(),
					ToolCallID: call.ID,
					Name:       call.Name,
				})
				if sum := summarizeOutcome(call, outcome); sum != "" {
					summaries = append(summaries, sum)
				}
				if path := touchedPath(call); path != "" {
					s.FilesTouched = appendLimited(s.FilesTouched, path)
				}
			}
		}
		s.finishStep(resp.Text, summaries)
		if drain != nil {
			for _, path := range drain() {
				s.FilesTouched = appendLimited(s.FilesTouched, path)
			}
		}
		if x.emit != nil && s.LastStepSummary != "" && len(summaries) > 0 {
			x.emit("tool step " + strconv.Itoa(step) + ": " + s.LastStepSummary)
		}

		logging.Debug().
			Add(logging.Objective(task.Objective)).
			Add(logging.Int("step", step)).
			Add(logging.Int("tool_calls", len(resp.ToolCalls))).
			Msg("tool loop step")

		if !resp.HasToolCalls() || s.Status == sessionDone {
			break
		}
	}
	return output, nil
}

const (
	sessionRunning = "running"
	sessionDone    = "done"
)

// session is the working memory of one tool-loop run. It is rendered into
// every step prompt and discarded when the objective resolves.
type session struct {
	Goal            string   `json:"goal"`
	CurrentTask     string   `json:"currentTask"`
	CompletedSteps  []string `json:"completedSteps"`
	FilesTouched    []string `json:"filesTouched"`
	LastStepSummary string   `json:"lastStepSummary,omitempty"`
	Status          string   `json:"status"`
}

func newSession(task Task) *session {
	return &session{
		Goal:           task.Prompt,
		CurrentTask:    task.Objective,
		CompletedSteps: []string{},
		FilesTouched:   []string{},
		Status:         sessionRunning,
	}
}

func (s *session) prompt() (string, error) {
	state, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	parts := []string{"STATE:", string(state), "", "TASK: " + s.CurrentTask}
	if s.LastStepSummary != "" {
		parts = append(parts, "", "LAST_STEP: "+s.LastStepSummary)
	}
	return strings.Join(parts, "\n"), nil
}

func (s *session) finishStep(text string, summaries []string) {
	if len(summaries) > 0 {
		s.LastStepSummary = strings.Join(summaries, " | ")
		s.CompletedSteps = appendLimited(s.CompletedSteps, s.LastStepSummary)
	}
	if next := nextTask(text); next != "" {
		s.CurrentTask = next
	}
	if strings.Contains(text, DoneToken) {
		s.Status = sessionDone
	}
}

func nextTask(text string) string {
	m := nextTaskPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// appendLimited appends v unless empty or present, keeping the newest
// maxSessionList entries.
func appendLimited(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	list = append(list, v)
	if over := len(list) - maxSessionList; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	return list
}

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

type pathInput struct {
	Path string `json:"path"`
}

func touchedPath(call generation.ToolCall) string {
	if call.Name != filesystem.ReadToolName && call.Name != filesystem.WriteToolName {
		return ""
	}
	var in pathInput
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return ""
	}
	return in.Path
}

// summarizeOutcome renders a one-line, kind-specific summary of a tool call.
func summarizeOutcome(call generation.ToolCall, out tool.Outcome) string {
	switch call.Name {
	case shell.ToolName:
		var res struct {
			ExitCode *int   `json:"exitCode"`
			Stdout   string `json:"stdout"`
			Stderr   string `json:"stderr"`
		}
		parts := []string{call.Name}
		if err := decodeOutput(out, &res); err != nil {
			parts = append(parts, "output="+truncateText(string(out.Output), maxSummaryText))
		}
		if res.ExitCode != nil {
			parts = append(parts, "exit="+strconv.Itoa(*res.ExitCode))
		}
		if res.Stdout != "" {
			parts = append(parts, "stdout="+truncateText(res.Stdout, maxSummaryText))
		}
		if res.Stderr != "" {
			parts = append(parts, "stderr="+truncateText(res.Stderr, maxSummaryText))
		}
		if !out.OK && res.ExitCode == nil && out.Error != "" {
			parts = append(parts, "error="+truncateText(out.Error, maxSummaryText))
		}
		return strings.Join(parts, " ")

	case filesystem.ReadToolName, filesystem.WriteToolName:
		return strings.TrimSpace(call.Name + " " + touchedPath(call))

	case browser.ToolName:
		var res struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		if err := decodeOutput(out, &res); err != nil {
			res.OK = out.OK
		}
		if out.OK && res.OK {
			return "browser ok"
		}
		msg := res.Error
		if msg == "" {
			msg = out.Error
		}
		if msg == "" {
			msg = "unknown"
		}
		return "browser error: " + msg

	default:
		return call.Name
	}
}

// decodeOutput decodes a tool's object output into v. Empty output is not
// an error; a decode failure is logged for the caller to fall back on.
func decodeOutput(out tool.Outcome, v any) error {
	if len(out.Output) == 0 {
		return nil
	}
	if err := json.Unmarshal(out.Output, v); err != nil {
		logging.Debug().
			Add(logging.ToolName(out.Tool)).
			Add(logging.ErrorField(err)).
			Msg("tool output is not an object")
		return err
	}
	return nil
}
