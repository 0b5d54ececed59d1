package agent

import (
	"encoding/json"
	"fmt"
	"slices"
)

// State is an immutable snapshot of the controller.
//
// Phase selects the active variant; fields that do not belong to the
// active variant are left zero. Every transition method returns a new
// value and leaves the receiver untouched, so snapshots can be journaled
// and compared freely.
type State struct {
	Phase       Phase
	Prompt      string
	UserIntent  string
	Handoff     string
	Plans       []Plan
	FinalOutput string
	Error       *ErrorObject
	Iterations  int
	ReplanCount int
	Logs        []string
}

// NewState creates the INIT snapshot for a task prompt.
func NewState(prompt string) State {
	return State{Phase: PhaseInit, Prompt: prompt}
}

// IsTerminal returns true if the snapshot is DONE or FAILED.
func (s State) IsTerminal() bool {
	return s.Phase.IsTerminal()
}

// FirstWaiting returns the index of the first waiting plan in list order.
func (s State) FirstWaiting() (int, bool) {
	for i, p := range s.Plans {
		if p.Status == PlanWaiting {
			return i, true
		}
	}
	return -1, false
}

// ToPlanning moves INIT to PLANNING with the extracted user intent.
func (s State) ToPlanning(intent string) (State, error) {
	if err := s.check(PhasePlanning); err != nil {
		return s, err
	}
	if s.Phase != PhaseInit {
		return s, fmt.Errorf("%w: use Replan to leave %s", ErrInvalidTransition, s.Phase)
	}
	return State{
		Phase:       PhasePlanning,
		Prompt:      s.Prompt,
		UserIntent:  intent,
		Iterations:  s.Iterations + 1,
		ReplanCount: s.ReplanCount,
		Logs:        s.Logs,
	}, nil
}

// ToExecuting moves PLANNING to EXECUTING with a fresh plan list.
// Every plan must be waiting and the list must not be empty.
func (s State) ToExecuting(plans []Plan) (State, error) {
	if err := s.check(PhaseExecuting); err != nil {
		return s, err
	}
	if len(plans) == 0 {
		return s, ErrEmptyPlan
	}
	for i, p := range plans {
		if p.Status != PlanWaiting {
			return s, fmt.Errorf("%w: plan %d is %s", ErrInvalidState, i, p.Status)
		}
		if err := p.Validate(); err != nil {
			return s, err
		}
	}
	return State{
		Phase:       PhaseExecuting,
		Prompt:      s.Prompt,
		UserIntent:  s.UserIntent,
		Handoff:     s.Handoff,
		Plans:       slices.Clone(plans),
		Iterations:  s.Iterations + 1,
		ReplanCount: s.ReplanCount,
		Logs:        s.Logs,
	}, nil
}

// Resolve replaces the waiting plan at idx with its settled form.
// The result stays in EXECUTING while any plan is still waiting and
// moves to REVIEWING otherwise.
func (s State) Resolve(idx int, resolved Plan) (State, error) {
	if s.Phase != PhaseExecuting {
		if s.IsTerminal() {
			return s, ErrTerminal
		}
		return s, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, s.Phase)
	}
	if idx < 0 || idx >= len(s.Plans) {
		return s, fmt.Errorf("%w: %d", ErrPlanIndex, idx)
	}
	current := s.Plans[idx]
	if current.Status != PlanWaiting {
		return s, fmt.Errorf("%w: plan %d is %s", ErrPlanNotWaiting, idx, current.Status)
	}
	if !resolved.Status.IsSettled() {
		return s, fmt.Errorf("%w: %s", ErrPlanUnresolved, resolved.Status)
	}
	if resolved.Objective != current.Objective {
		return s, ErrObjectiveChanged
	}

	plans := slices.Clone(s.Plans)
	plans[idx] = resolved

	next := State{
		Phase:       PhaseExecuting,
		Prompt:      s.Prompt,
		UserIntent:  s.UserIntent,
		Handoff:     s.Handoff,
		Plans:       plans,
		Iterations:  s.Iterations + 1,
		ReplanCount: s.ReplanCount,
		Logs:        s.Logs,
	}
	if _, ok := next.FirstWaiting(); !ok {
		next.Phase = PhaseReviewing
	}
	return next, nil
}

// Finish moves REVIEWING to DONE with the user-facing output.
func (s State) Finish(output string) (State, error) {
	if err := s.check(PhaseDone); err != nil {
		return s, err
	}
	return State{
		Phase:       PhaseDone,
		Prompt:      s.Prompt,
		UserIntent:  s.UserIntent,
		Handoff:     s.Handoff,
		Plans:       slices.Clone(s.Plans),
		FinalOutput: output,
		Iterations:  s.Iterations + 1,
		ReplanCount: s.ReplanCount,
		Logs:        s.Logs,
	}, nil
}

// Replan moves REVIEWING back to PLANNING with a handoff note.
// The previous plan list is discarded and the replan count increments.
func (s State) Replan(handoff string) (State, error) {
	if s.Phase != PhaseReviewing {
		if s.IsTerminal() {
			return s, ErrTerminal
		}
		return s, fmt.Errorf("%w: replan from %s", ErrInvalidTransition, s.Phase)
	}
	return State{
		Phase:       PhasePlanning,
		Prompt:      s.Prompt,
		UserIntent:  s.UserIntent,
		Handoff:     handoff,
		Iterations:  s.Iterations + 1,
		ReplanCount: s.ReplanCount + 1,
		Logs:        s.Logs,
	}, nil
}

// Fail moves any non-terminal state to FAILED, recording the current
// phase as the failure stage. A terminal state is returned unchanged.
func (s State) Fail(code ErrorCode, message string) State {
	if s.IsTerminal() {
		return s
	}
	return State{
		Phase:       PhaseFailed,
		Prompt:      s.Prompt,
		UserIntent:  s.UserIntent,
		Handoff:     s.Handoff,
		Plans:       slices.Clone(s.Plans),
		Error:       &ErrorObject{Code: code, Message: message, Stage: s.Phase},
		Iterations:  s.Iterations + 1,
		ReplanCount: s.ReplanCount,
		Logs:        s.Logs,
	}
}

// WithLogs returns a copy carrying the given progress lines.
func (s State) WithLogs(lines []string) State {
	s.Logs = nil
	if len(lines) > 0 {
		s.Logs = slices.Clone(lines)
	}
	return s
}

// Validate checks that the populated fields match the active phase.
func (s State) Validate() error {
	if !s.Phase.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, s.Phase)
	}
	if s.Iterations < 0 || s.ReplanCount < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalidState)
	}
	if (s.Phase == PhaseFailed) != (s.Error != nil) {
		return fmt.Errorf("%w: error must be set exactly when FAILED", ErrInvalidState)
	}
	if s.Phase != PhaseDone && s.FinalOutput != "" {
		return fmt.Errorf("%w: finalOutput outside DONE", ErrInvalidState)
	}

	switch s.Phase {
	case PhaseInit:
		if s.UserIntent != "" || s.Handoff != "" || len(s.Plans) > 0 {
			return fmt.Errorf("%w: INIT carries planning fields", ErrInvalidState)
		}
	case PhasePlanning:
		if len(s.Plans) > 0 {
			return fmt.Errorf("%w: PLANNING carries plans", ErrInvalidState)
		}
	case PhaseExecuting, PhaseDone:
		if len(s.Plans) == 0 {
			return fmt.Errorf("%w: %s without plans", ErrInvalidState, s.Phase)
		}
	case PhaseReviewing:
		if len(s.Plans) == 0 {
			return fmt.Errorf("%w: REVIEWING without plans", ErrInvalidState)
		}
		if _, ok := s.FirstWaiting(); ok {
			return fmt.Errorf("%w: REVIEWING with waiting plans", ErrInvalidState)
		}
	case PhaseFailed:
		if !s.Error.Code.IsValid() {
			return fmt.Errorf("%w: unknown error code %q", ErrInvalidState, s.Error.Code)
		}
	}

	for i, p := range s.Plans {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("plan %d: %w", i, err)
		}
	}
	return nil
}

// check guards the phase-level edge for a transition method.
func (s State) check(to Phase) error {
	if s.IsTerminal() {
		return ErrTerminal
	}
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}
	return nil
}

type stateJSON struct {
	State       Phase        `json:"state"`
	Prompt      string       `json:"prompt"`
	UserIntent  string       `json:"userIntent,omitempty"`
	Handoff     string       `json:"handoff,omitempty"`
	Plans       []Plan       `json:"plans,omitempty"`
	FinalOutput *string      `json:"finalOutput,omitempty"`
	Error       *ErrorObject `json:"error,omitempty"`
	Iterations  int          `json:"iterations"`
	ReplanCount int          `json:"replanCount"`
	Logs        []string     `json:"logs,omitempty"`
}

// MarshalJSON encodes the snapshot tagged by "state".
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		State:       s.Phase,
		Prompt:      s.Prompt,
		UserIntent:  s.UserIntent,
		Handoff:     s.Handoff,
		Plans:       s.Plans,
		Error:       s.Error,
		Iterations:  s.Iterations,
		ReplanCount: s.ReplanCount,
		Logs:        s.Logs,
	}
	if s.Phase == PhaseDone {
		out.FinalOutput = &s.FinalOutput
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged snapshot and validates it.
func (s *State) UnmarshalJSON(data []byte) error {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	st := State{
		Phase:       in.State,
		Prompt:      in.Prompt,
		UserIntent:  in.UserIntent,
		Handoff:     in.Handoff,
		Plans:       in.Plans,
		Error:       in.Error,
		Iterations:  in.Iterations,
		ReplanCount: in.ReplanCount,
		Logs:        in.Logs,
	}
	if in.FinalOutput != nil {
		st.FinalOutput = *in.FinalOutput
	}
	if err := st.Validate(); err != nil {
		return err
	}
	*s = st
	return nil
}
