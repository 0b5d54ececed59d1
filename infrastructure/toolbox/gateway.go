package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/tool"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
	"github.com/felixgeelhaar/planloop/infrastructure/resilience"
)

// DefaultMaxOutputBytes caps the tool output folded back to the model.
const DefaultMaxOutputBytes = 16 * 1024

const truncationMarker = "... [truncated]"

// Gateway exposes an allow-listed subset of a registry to the model.
// Tool failures become failed outcomes; only context errors are returned.
type Gateway struct {
	registry  *Registry
	executor  *resilience.Executor
	allowed   map[string]bool
	maxOutput int
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithExecutor sets the resilient executor used to run tools.
func WithExecutor(e *resilience.Executor) GatewayOption {
	return func(g *Gateway) {
		g.executor = e
	}
}

// WithAllowList restricts the gateway to the named tools.
func WithAllowList(names ...string) GatewayOption {
	return func(g *Gateway) {
		g.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			g.allowed[n] = true
		}
	}
}

// WithMaxOutputBytes sets the output cap.
func WithMaxOutputBytes(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxOutput = n
		}
	}
}

// NewGateway creates a gateway over the registry.
func NewGateway(registry *Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:  registry,
		maxOutput: DefaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.executor == nil {
		g.executor = resilience.NewDefaultExecutor()
	}
	return g
}

// Specs advertises the allowed tools in registration order.
func (g *Gateway) Specs() []generation.ToolSpec {
	var specs []generation.ToolSpec
	for _, t := range g.registry.List() {
		if g.isAllowed(t.Name()) {
			specs = append(specs, tool.Spec(t))
		}
	}
	return specs
}

// Invoke runs a tool by name.
func (g *Gateway) Invoke(ctx context.Context, name string, input json.RawMessage) (tool.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return tool.Outcome{}, err
	}

	t, ok := g.registry.Get(name)
	if !ok {
		return tool.Failure(name, fmt.Errorf("%w: %s", tool.ErrToolNotFound, name)), nil
	}
	if !g.isAllowed(name) {
		return tool.Failure(name, fmt.Errorf("%w: %s", tool.ErrToolNotAllowed, name)), nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	start := time.Now()
	result, err := g.executor.Execute(ctx, t, input)
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tool.Outcome{}, ctxErr
		}
		logging.Warn().
			Add(logging.ToolName(name)).
			Add(logging.Duration(elapsed)).
			Add(logging.ErrorField(err)).
			Msg("tool execution failed")
		out := tool.Failure(name, err)
		out.Duration = elapsed
		return out, nil
	}

	outcome := tool.Outcome{
		Tool:     name,
		OK:       !result.IsError(),
		Output:   g.truncate(result.Output),
		Duration: elapsed,
	}
	if result.IsError() {
		outcome.Error = result.Error.Error()
	}

	logging.Debug().
		Add(logging.ToolName(name)).
		Add(logging.Duration(elapsed)).
		Add(logging.Bool("ok", outcome.OK)).
		Msg("tool executed")

	return outcome, nil
}

func (g *Gateway) isAllowed(name string) bool {
	return g.allowed == nil || g.allowed[name]
}

// truncate caps output size. A JSON object keeps its shape with its long
// fields cut in place; any other output is re-encoded as a JSON string.
func (g *Gateway) truncate(out json.RawMessage) json.RawMessage {
	if len(out) <= g.maxOutput {
		return out
	}
	if cut, ok := truncateFields(out, g.maxOutput); ok {
		return cut
	}
	cut, _ := json.Marshal(string(out[:g.maxOutput]) + truncationMarker)
	return cut
}

// truncateFields shortens the long fields of a JSON object, halving the
// per-field limit until the encoding fits max.
func truncateFields(out json.RawMessage, max int) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil || len(fields) == 0 {
		return nil, false
	}
	for limit := max / len(fields); limit > 0; limit /= 2 {
		cut := make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			cut[k] = truncateField(v, limit)
		}
		enc, err := json.Marshal(cut)
		if err != nil {
			return nil, false
		}
		if len(enc) <= max {
			return enc, true
		}
	}
	return nil, false
}

// truncateField cuts a string value to limit bytes. Other values longer
// than limit are cut as text.
func truncateField(v json.RawMessage, limit int) json.RawMessage {
	if len(v) <= limit {
		return v
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		s = string(v)
	}
	if len(s) <= limit {
		return v
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	enc, _ := json.Marshal(s[:n] + truncationMarker)
	return enc
}

var _ tool.Gateway = (*Gateway)(nil)
