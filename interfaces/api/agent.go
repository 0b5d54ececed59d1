// Package api provides the public API for the planloop runtime.
//
// planloop drives a single natural-language task through a fixed
// controller: the model distills the user's intent, proposes up to five
// objectives, resolves them one at a time, and reviews the outcome. A
// rejected review replans with a handoff note; an accepted one produces
// the final answer. Every run ends in a DONE or FAILED state value.
//
// # Quick Start
//
// Run a task against the gateway described by the AI_GATEWAY_* environment:
//
//	final, err := api.RunAgent(ctx, api.Params{
//	    Task: "summarize the open TODOs in this repository",
//	    Tools: true,
//	    Log:   true,
//	})
//	if err != nil {
//	    log.Fatal(err) // configuration or wiring problem, not a run failure
//	}
//	if final.Phase == api.PhaseDone {
//	    fmt.Println(final.FinalOutput)
//	}
//
// # Configuration
//
// Long-lived callers build a Runtime once and reuse it:
//
//	cfg, err := api.LoadConfig("planloop.yaml")
//	rt, err := api.NewRuntime(ctx, cfg)
//	defer rt.Close(ctx)
//	final := rt.Run(ctx, api.Params{Task: "fix the failing test"})
//
// Runs never return Go errors. Controller failures surface as a FAILED
// state carrying an ErrorObject with one of the documented codes.
package api

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/planloop/application"
	"github.com/felixgeelhaar/planloop/domain/agent"
)

// Params mirrors the controller call contract.
type Params struct {
	// Task is the user's natural-language goal.
	Task string
	// ModelID selects the backend model; empty uses the configured default.
	ModelID string
	// Tools enables tool-loop execution for every objective.
	Tools bool
	// MaxToolSteps caps model turns per objective (default 10).
	MaxToolSteps int
	// Log routes progress lines to stdout through the structured logger.
	Log bool
	// LogFunc receives progress lines; it takes precedence over Log.
	LogFunc func(line string)
	// Sink receives progress lines; it takes precedence over LogFunc.
	Sink Sink
	// RunID names the run in the journal; empty generates one.
	RunID string
}

func (p Params) runOptions() []application.RunOption {
	opts := []application.RunOption{
		application.WithModelID(p.ModelID),
		application.WithTools(p.Tools),
		application.WithMaxToolSteps(p.MaxToolSteps),
		application.WithRunID(p.RunID),
	}
	switch {
	case p.Sink != nil:
		opts = append(opts, application.WithSink(p.Sink))
	case p.LogFunc != nil:
		opts = append(opts, application.WithLogFunc(p.LogFunc))
	case p.Log:
		opts = append(opts, application.WithLog(true))
	}
	return opts
}

// RunAgent runs one task with the default configuration and the
// AI_GATEWAY_* environment. The returned error reports setup problems
// only; the outcome of the run is the returned state.
func RunAgent(ctx context.Context, p Params) (State, error) {
	cfg, err := LoadConfig("")
	if err != nil {
		return agent.State{}, err
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return agent.State{}, fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	return rt.Run(ctx, p), nil
}
