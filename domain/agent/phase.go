// Package agent provides the core domain model for the planning controller.
package agent

// Phase identifies which variant of State is active.
// Phases are serialized as the "state" tag of a snapshot.
type Phase string

// Controller phases.
const (
	PhaseInit      Phase = "INIT"      // Fresh task, no intent yet
	PhasePlanning  Phase = "PLANNING"  // Intent known, plan pending
	PhaseExecuting Phase = "EXECUTING" // Driving objectives to completion
	PhaseReviewing Phase = "REVIEWING" // All objectives settled
	PhaseDone      Phase = "DONE"      // Terminal success
	PhaseFailed    Phase = "FAILED"    // Terminal failure
)

// IsTerminal returns true for DONE and FAILED.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// IsValid returns true if the phase is one of the controller phases.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseInit, PhasePlanning, PhaseExecuting, PhaseReviewing, PhaseDone, PhaseFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// AllPhases returns every controller phase in lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhaseInit,
		PhasePlanning,
		PhaseExecuting,
		PhaseReviewing,
		PhaseDone,
		PhaseFailed,
	}
}

// transitions lists the legal edges out of each phase.
// Every non-terminal phase may additionally move to FAILED.
var transitions = map[Phase][]Phase{
	PhaseInit:      {PhasePlanning},
	PhasePlanning:  {PhaseExecuting},
	PhaseExecuting: {PhaseExecuting, PhaseReviewing},
	PhaseReviewing: {PhaseDone, PhasePlanning},
}

// CanTransition reports whether moving from one phase to another is legal.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() || !from.IsValid() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextPhases returns the phases reachable from p in one transition.
func NextPhases(p Phase) []Phase {
	if p.IsTerminal() || !p.IsValid() {
		return nil
	}
	next := make([]Phase, 0, len(transitions[p])+1)
	next = append(next, transitions[p]...)
	return append(next, PhaseFailed)
}
