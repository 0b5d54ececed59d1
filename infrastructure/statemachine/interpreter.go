package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/planloop/domain/agent"
)

// ErrIllegalTransition indicates an edge the controller chart does not allow.
var ErrIllegalTransition = errors.New("illegal phase transition")

// Chart tracks the controller's phase through the statekit interpreter.
// A Chart belongs to one run and is not safe for concurrent use.
type Chart struct {
	interp *statekit.Interpreter[*Context]
	ctx    *Context
}

// NewChart builds the controller machine and starts it in INIT.
func NewChart() (*Chart, error) {
	machine, err := NewControllerMachine()
	if err != nil {
		return nil, fmt.Errorf("build controller chart: %w", err)
	}

	ctx := &Context{Phase: agent.PhaseInit}
	interp := statekit.NewInterpreter(machine)
	interp.UpdateContext(func(c **Context) {
		*c = ctx
	})
	interp.Start()

	return &Chart{interp: interp, ctx: ctx}, nil
}

// Phase returns the chart's current phase.
func (c *Chart) Phase() agent.Phase {
	return agent.Phase(c.interp.State().Value)
}

// Advance moves the chart to the target phase.
// Edges outside the controller graph return ErrIllegalTransition and
// leave the chart where it was.
func (c *Chart) Advance(to agent.Phase) error {
	from := c.Phase()
	event := EventFor(from, to)
	// Send panics on events the current state does not handle.
	if event == "" || !agent.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	c.interp.Send(statekit.Event{
		Type:    event,
		Payload: TransitionPayload{From: from, To: to},
	})

	if got := c.Phase(); got != to {
		return fmt.Errorf("%w: %s -> %s (chart at %s)", ErrIllegalTransition, from, to, got)
	}
	return nil
}

// Done returns true once the chart has reached DONE or FAILED.
func (c *Chart) Done() bool {
	return c.interp.Done()
}

// Transitions returns how many edges the chart has taken.
func (c *Chart) Transitions() int {
	return c.ctx.Transitions
}

// History returns the phases entered, in order.
func (c *Chart) History() []agent.Phase {
	return append([]agent.Phase(nil), c.ctx.History...)
}

// ResumeFrom restores the chart to a journaled phase.
func (c *Chart) ResumeFrom(p agent.Phase) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: %q", agent.ErrInvalidPhase, p)
	}
	c.ctx.Phase = p
	snapshot := statekit.Snapshot[*Context]{
		MachineID:    machineID,
		CurrentState: statekit.StateID(p),
		Context:      c.ctx,
		CreatedAt:    time.Now(),
	}
	if err := c.interp.Restore(snapshot); err != nil {
		return fmt.Errorf("failed to restore phase: %w", err)
	}
	return nil
}

// Stop stops the interpreter.
func (c *Chart) Stop() {
	c.interp.Stop()
}
