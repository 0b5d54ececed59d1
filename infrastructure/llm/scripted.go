package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/planloop/domain/generation"
)

// ErrScriptExhausted indicates a call with no scripted reply left.
var ErrScriptExhausted = errors.New("script exhausted")

// Reply is one canned model answer.
type Reply struct {
	Text   string
	Output json.RawMessage
	Step   generation.StepResponse
	Err    error
}

// TextReply returns a reply carrying free text.
func TextReply(text string) Reply {
	return Reply{Text: text}
}

// ObjectReply returns a structured reply encoding v.
func ObjectReply(v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{Output: data}
}

// StepReply returns a tool-session reply.
func StepReply(resp generation.StepResponse) Reply {
	return Reply{Step: resp}
}

// ErrorReply returns a reply that fails the call.
func ErrorReply(err error) Reply {
	return Reply{Err: err}
}

// Call records one request received by a ScriptedModel.
type Call struct {
	Kind    string // text, structured or step
	Purpose string
	Model   string
	Prompt  string
	Tools   int
}

// ScriptedModel is a deterministic generation.Model for tests. Replies
// are queued per request purpose and consumed in order.
type ScriptedModel struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []Call
}

// NewScriptedModel creates an empty scripted model.
func NewScriptedModel() *ScriptedModel {
	return &ScriptedModel{replies: make(map[string][]Reply)}
}

// Script queues replies for the given purpose.
func (m *ScriptedModel) Script(purpose string, replies ...Reply) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[purpose] = append(m.replies[purpose], replies...)
	return m
}

// Calls returns every request received so far.
func (m *ScriptedModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the requests received for one purpose.
func (m *ScriptedModel) CallsFor(purpose string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}

// Remaining returns the number of unconsumed replies for a purpose.
func (m *ScriptedModel) Remaining(purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies[purpose])
}

// Text implements generation.Model.
func (m *ScriptedModel) Text(ctx context.Context, req generation.TextRequest) (string, error) {
	r, err := m.next(ctx, Call{Kind: "text", Purpose: req.Purpose, Model: req.Model, Prompt: req.Prompt})
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

// Structured implements generation.Model.
func (m *ScriptedModel) Structured(ctx context.Context, req generation.StructuredRequest) (json.RawMessage, error) {
	r, err := m.next(ctx, Call{Kind: "structured", Purpose: req.Purpose, Model: req.Model, Prompt: req.Prompt})
	if err != nil {
		return nil, err
	}
	return r.Output, nil
}

// Step implements generation.Model.
func (m *ScriptedModel) Step(ctx context.Context, req generation.StepRequest) (generation.StepResponse, error) {
	var prompt string
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Content
	}
	r, err := m.next(ctx, Call{Kind: "step", Purpose: req.Purpose, Model: req.Model, Prompt: prompt, Tools: len(req.Tools)})
	if err != nil {
		return generation.StepResponse{}, err
	}
	return r.Step, nil
}

func (m *ScriptedModel) next(ctx context.Context, call Call) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call)
	queue := m.replies[call.Purpose]
	if len(queue) == 0 {
		return Reply{}, fmt.Errorf("%w: %s call for %q", ErrScriptExhausted, call.Kind, call.Purpose)
	}
	m.replies[call.Purpose] = queue[1:]
	if queue[0].Err != nil {
		return Reply{}, queue[0].Err
	}
	return queue[0], nil
}

var _ generation.Model = (*ScriptedModel)(nil)
