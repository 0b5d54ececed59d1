package logging

import (
	"strings"
	"time"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/felixgeelhaar/planloop/domain/agent"
)

// Field is a function that applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

// RunID adds a run ID field.
func RunID(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("run_id", id)
	}
}

// Phase adds the active controller phase.
func Phase(p agent.Phase) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("phase", string(p))
	}
}

// FromPhase adds a from_phase field for transitions.
func FromPhase(p agent.Phase) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("from_phase", string(p))
	}
}

// ToPhase adds a to_phase field for transitions.
func ToPhase(p agent.Phase) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("to_phase", string(p))
	}
}

// PhasePath adds the phases a run passed through, in order.
func PhasePath(phases []agent.Phase) Field {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("path", strings.Join(parts, ">"))
	}
}

// Objective adds a plan objective.
func Objective(o string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("objective", o)
	}
}

// PlanIndex adds the index of a plan in the current list.
func PlanIndex(i int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int("plan_index", i)
	}
}

// Iteration adds the controller iteration counter.
func Iteration(n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int("iteration", n)
	}
}

// ReplanCount adds the replan counter.
func ReplanCount(n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int("replan_count", n)
	}
}

// Code adds a controller failure code.
func Code(c agent.ErrorCode) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("code", string(c))
	}
}

// ToolName adds a tool name field.
func ToolName(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("tool", name)
	}
}

// Model adds the generation model ID.
func Model(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("model", id)
	}
}

// Duration adds a duration field in milliseconds.
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("duration_ms", d.Milliseconds())
	}
}

// ErrorField adds an error field.
func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

// Component adds a component field for categorization.
func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("component", name)
	}
}

// Str adds an arbitrary string field.
func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str(key, value)
	}
}

// Int adds an arbitrary integer field.
func Int(key string, value int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int(key, value)
	}
}

// Bool adds an arbitrary boolean field.
func Bool(key string, value bool) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Bool(key, value)
	}
}
