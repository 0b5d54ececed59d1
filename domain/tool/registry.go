package tool

import (
	"context"
	"encoding/json"

	"github.com/felixgeelhaar/planloop/domain/generation"
)

// Registry defines tool registration and lookup.
// Implementations live in infrastructure.
type Registry interface {
	Register(tool Tool) error
	Get(name string) (Tool, bool)
	List() []Tool
	Names() []string
}

// Gateway is the bounded tool capability consumed by the step executor.
type Gateway interface {
	// Specs advertises the allow-listed tools to the model.
	Specs() []generation.ToolSpec

	// Invoke runs a tool by name. Tool failures come back as a failed
	// Outcome; only context cancellation is returned as an error.
	Invoke(ctx context.Context, name string, input json.RawMessage) (Outcome, error)
}

// Spec converts a tool into the form advertised to the model.
func Spec(t Tool) generation.ToolSpec {
	params := t.InputSchema().Raw()
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return generation.ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  params,
	}
}
