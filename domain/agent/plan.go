package agent

import (
	"encoding/json"
	"fmt"
)

// PlanStatus is the lifecycle tag of a Plan.
type PlanStatus string

// Plan statuses.
const (
	PlanWaiting   PlanStatus = "waiting"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// IsValid returns true if the status is a known plan status.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanWaiting, PlanExecuting, PlanCompleted, PlanFailed:
		return true
	default:
		return false
	}
}

// IsSettled returns true once a plan has completed or failed.
func (s PlanStatus) IsSettled() bool {
	return s == PlanCompleted || s == PlanFailed
}

// Plan wraps one objective and its lifecycle.
// Result is only meaningful when completed, Error only when failed.
type Plan struct {
	Objective string
	Status    PlanStatus
	Result    string
	Error     string
}

// NewPlan creates a waiting plan for the objective.
func NewPlan(objective string) Plan {
	return Plan{Objective: objective, Status: PlanWaiting}
}

// Complete returns the completed form of the plan.
func (p Plan) Complete(result string) Plan {
	return Plan{Objective: p.Objective, Status: PlanCompleted, Result: result}
}

// Fail returns the failed form of the plan.
func (p Plan) Fail(reason string) Plan {
	return Plan{Objective: p.Objective, Status: PlanFailed, Error: reason}
}

// Validate checks the plan fields against its status.
func (p Plan) Validate() error {
	if !p.Status.IsValid() {
		return fmt.Errorf("%w: unknown plan status %q", ErrInvalidState, p.Status)
	}
	if p.Objective == "" {
		return fmt.Errorf("%w: plan objective is empty", ErrInvalidState)
	}
	if p.Status != PlanCompleted && p.Result != "" {
		return fmt.Errorf("%w: %s plan carries a result", ErrInvalidState, p.Status)
	}
	if p.Status != PlanFailed && p.Error != "" {
		return fmt.Errorf("%w: %s plan carries an error", ErrInvalidState, p.Status)
	}
	return nil
}

type planJSON struct {
	State     PlanStatus `json:"state"`
	Objective string     `json:"objective"`
	Result    *string    `json:"result,omitempty"`
	Error     *string    `json:"error,omitempty"`
}

// MarshalJSON encodes the plan as a tagged object keyed by "state".
func (p Plan) MarshalJSON() ([]byte, error) {
	out := planJSON{State: p.Status, Objective: p.Objective}
	switch p.Status {
	case PlanCompleted:
		out.Result = &p.Result
	case PlanFailed:
		out.Error = &p.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged plan object.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var in planJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	plan := Plan{Objective: in.Objective, Status: in.State}
	switch in.State {
	case PlanWaiting, PlanExecuting:
	case PlanCompleted:
		if in.Result == nil {
			return fmt.Errorf("%w: completed plan without result", ErrInvalidState)
		}
		plan.Result = *in.Result
	case PlanFailed:
		if in.Error == nil {
			return fmt.Errorf("%w: failed plan without error", ErrInvalidState)
		}
		plan.Error = *in.Error
	default:
		return fmt.Errorf("%w: unknown plan status %q", ErrInvalidState, in.State)
	}
	*p = plan
	return nil
}
