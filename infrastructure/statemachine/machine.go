// Package statemachine provides the statekit chart that guards controller
// phase transitions.
package statemachine

import (
	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/planloop/domain/agent"
)

// Context carries transition bookkeeping through the chart.
type Context struct {
	Phase       agent.Phase
	Transitions int
	History     []agent.Phase
}

// Event types of the controller chart.
const (
	EventPlan    statekit.EventType = "PLAN"
	EventExecute statekit.EventType = "EXECUTE"
	EventStep    statekit.EventType = "STEP"
	EventReview  statekit.EventType = "REVIEW"
	EventFinish  statekit.EventType = "FINISH"
	EventReplan  statekit.EventType = "REPLAN"
	EventFail    statekit.EventType = "FAIL"
)

const (
	stateInit      = statekit.StateID(agent.PhaseInit)
	statePlanning  = statekit.StateID(agent.PhasePlanning)
	stateExecuting = statekit.StateID(agent.PhaseExecuting)
	stateReviewing = statekit.StateID(agent.PhaseReviewing)
	stateDone      = statekit.StateID(agent.PhaseDone)
	stateFailed    = statekit.StateID(agent.PhaseFailed)
)

// machineID names the chart in snapshots.
const machineID = "planloop"

// NewControllerMachine creates the controller statechart.
func NewControllerMachine() (*statekit.MachineConfig[*Context], error) {
	return statekit.NewMachine[*Context](machineID).
		WithInitial(stateInit).
		WithContext(&Context{Phase: agent.PhaseInit}).
		WithAction("record", recordTransition).
		WithAction("logEntry", logEntry).
		WithGuard("legal", guardLegal).
		State(stateInit).
			On(EventPlan).Target(statePlanning).Guard("legal").Do("record").
			On(EventFail).Target(stateFailed).Do("record").
			Done().
		State(statePlanning).
			OnEntry("logEntry").
			On(EventExecute).Target(stateExecuting).Guard("legal").Do("record").
			On(EventFail).Target(stateFailed).Do("record").
			Done().
		State(stateExecuting).
			OnEntry("logEntry").
			On(EventStep).Target(stateExecuting).Guard("legal").Do("record").
			On(EventReview).Target(stateReviewing).Guard("legal").Do("record").
			On(EventFail).Target(stateFailed).Do("record").
			Done().
		State(stateReviewing).
			OnEntry("logEntry").
			On(EventFinish).Target(stateDone).Guard("legal").Do("record").
			On(EventReplan).Target(statePlanning).Guard("legal").Do("record").
			On(EventFail).Target(stateFailed).Do("record").
			Done().
		State(stateDone).
			Final().
			OnEntry("logEntry").
			Done().
		State(stateFailed).
			Final().
			OnEntry("logEntry").
			Done().
		Build()
}

// EventFor returns the chart event for an edge, or "" if no event
// connects the two phases.
func EventFor(from, to agent.Phase) statekit.EventType {
	switch {
	case to == agent.PhaseFailed:
		return EventFail
	case from == agent.PhaseInit && to == agent.PhasePlanning:
		return EventPlan
	case from == agent.PhasePlanning && to == agent.PhaseExecuting:
		return EventExecute
	case from == agent.PhaseExecuting && to == agent.PhaseExecuting:
		return EventStep
	case from == agent.PhaseExecuting && to == agent.PhaseReviewing:
		return EventReview
	case from == agent.PhaseReviewing && to == agent.PhaseDone:
		return EventFinish
	case from == agent.PhaseReviewing && to == agent.PhasePlanning:
		return EventReplan
	default:
		return ""
	}
}

// TransitionPayload carries the target phase with an event.
type TransitionPayload struct {
	From agent.Phase
	To   agent.Phase
}

func guardLegal(ctx *Context, event statekit.Event) bool {
	if ctx == nil {
		return false
	}
	payload, ok := event.Payload.(TransitionPayload)
	if !ok {
		return false
	}
	return payload.From == ctx.Phase && agent.CanTransition(ctx.Phase, payload.To)
}
