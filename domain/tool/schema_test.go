package tool_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/felixgeelhaar/planloop/domain/tool"
)

func TestSchema_Validate(t *testing.T) {
	t.Parallel()

	schema := tool.NewSchema(json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`))

	tests := []struct {
		name    string
		schema  tool.Schema
		input   string
		wantErr error
	}{
		{"empty schema accepts anything", tool.NewSchema(nil), `not json`, nil},
		{"required present", schema, `{"command":"ls"}`, nil},
		{"required missing", schema, `{"cmd":"ls"}`, tool.ErrInvalidInput},
		{"invalid json", schema, `{"command":`, tool.ErrInvalidInput},
		{"not an object", schema, `["ls"]`, tool.ErrInvalidInput},
		{"no required list", tool.NewSchema(json.RawMessage(`{"type":"object"}`)), `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.schema.Validate(json.RawMessage(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(%s) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSchema_MarshalJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(tool.Schema{})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("Marshal(empty) = %s, want {}", data)
	}

	if !tool.NewSchema(json.RawMessage("null")).IsEmpty() {
		t.Error("IsEmpty(null) = false, want true")
	}
}
