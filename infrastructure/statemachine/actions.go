package statemachine

import (
	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/planloop/infrastructure/logging"
)

// recordTransition moves the context to the target phase.
// Actions receive **Context because the machine context is itself a pointer.
func recordTransition(ctx **Context, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	payload, ok := event.Payload.(TransitionPayload)
	if !ok {
		return
	}

	c := *ctx
	c.Phase = payload.To
	c.Transitions++
	c.History = append(c.History, payload.To)
}

func logEntry(ctx **Context, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	logging.Trace().
		Add(logging.Component("statechart")).
		Add(logging.Phase((*ctx).Phase)).
		Add(logging.Str("event", string(event.Type))).
		Msg("entered phase")
}
