// Package generation defines the text and structured generation capability
// consumed by the controller.
package generation

import (
	"context"
	"encoding/json"
	"errors"
)

// Model generates text, schema-shaped objects, and tool-aware turns.
// Implementations may fail on network or provider errors.
type Model interface {
	// Text returns free text for a prompt.
	Text(ctx context.Context, req TextRequest) (string, error)

	// Structured returns a JSON object matching req.Schema.
	Structured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)

	// Step runs one model turn in a tool-use session.
	Step(ctx context.Context, req StepRequest) (StepResponse, error)
}

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// TextRequest asks for free text.
// Purpose labels the call for logs and test doubles; it is not sent to the model.
type TextRequest struct {
	Purpose string
	Model   string
	System  string
	Prompt  string
}

// StructuredRequest asks for an object matching a JSON schema.
type StructuredRequest struct {
	Purpose    string
	Model      string
	System     string
	Prompt     string
	SchemaName string
	Schema     json.RawMessage
}

// StepRequest is one turn of a tool-use session.
type StepRequest struct {
	Purpose  string
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// StepResponse is the model's output for one turn.
type StepResponse struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// HasToolCalls returns true if the model requested tool invocations.
func (r StepResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a model-issued tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Generation errors.
var (
	// ErrEmptyResponse indicates the provider returned no content.
	ErrEmptyResponse = errors.New("empty model response")

	// ErrInvalidStructured indicates the structured output did not decode.
	ErrInvalidStructured = errors.New("invalid structured output")

	// ErrToolsUnsupported indicates the backend cannot run tool-use turns.
	ErrToolsUnsupported = errors.New("model backend does not support tools")
)
