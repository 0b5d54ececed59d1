package tool

import (
	"encoding/json"
	"time"
)

// Result contains the output of a tool execution.
type Result struct {
	// Output is the JSON payload returned to the model.
	Output json.RawMessage `json:"output"`

	// Duration is how long the execution took.
	Duration time.Duration `json:"duration"`

	// Truncated reports that the output was cut to the size cap.
	Truncated bool `json:"truncated,omitempty"`

	// Error is a tool-level failure (the tool ran but reported failure).
	Error error `json:"-"`
}

// NewResult creates a successful result with the given output.
func NewResult(output json.RawMessage) Result {
	return Result{Output: output}
}

// JSONResult marshals v into a result.
func JSONResult(v any) (Result, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

// NewErrorResult creates a result representing a tool-level failure.
func NewErrorResult(err error) Result {
	return Result{Error: err}
}

// IsError returns true if the result represents a failure.
func (r Result) IsError() bool {
	return r.Error != nil
}

// Outcome is the structured success or failure handed back to the model.
// Gateways never surface tool failures as Go errors; they become Outcomes.
type Outcome struct {
	Tool     string          `json:"tool"`
	OK       bool            `json:"ok"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"-"`
}

// Failure builds a failed outcome for the named tool.
func Failure(name string, err error) Outcome {
	return Outcome{Tool: name, OK: false, Error: err.Error()}
}

// Content renders the outcome as the message body sent back to the model.
func (o Outcome) Content() string {
	data, err := json.Marshal(o)
	if err != nil {
		return `{"ok":false,"error":"unencodable tool output"}`
	}
	return string(data)
}
