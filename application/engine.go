// Package application drives the planning controller: intent, planning,
// sequential execution, review, and bounded re-planning.
package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/planloop/domain/agent"
	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/domain/run"
	"github.com/felixgeelhaar/planloop/domain/tool"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
	"github.com/felixgeelhaar/planloop/infrastructure/statemachine"
	"github.com/felixgeelhaar/planloop/infrastructure/telemetry"
	"github.com/felixgeelhaar/planloop/infrastructure/toolbox"
)

// Controller ceilings.
const (
	DefaultMaxIterations = 50
	DefaultMaxReplans    = 3
)

var (
	// ErrModelRequired indicates an engine configured without a model.
	ErrModelRequired = errors.New("model is required")

	// ErrExecutorPanic wraps a panic raised while resolving an objective.
	ErrExecutorPanic = errors.New("executor panicked")
)

// Engine is the planning controller. It holds no per-run state and may
// serve concurrent runs.
type Engine struct {
	model         generation.Model
	tools         tool.Gateway
	executor      Executor
	journal       run.Store
	recorder      telemetry.Recorder
	changes       ChangeFeed
	maxIterations int
	maxReplans    int
}

// EngineConfig contains configuration for the engine.
type EngineConfig struct {
	// Model answers every generation call. Required.
	Model generation.Model
	// Tools backs tool-loop execution (default: an empty gateway).
	Tools tool.Gateway
	// Executor, when set, resolves every objective instead of the
	// built-in tool-free and tool-loop executors.
	Executor Executor
	// Journal records every snapshot (optional).
	Journal run.Store
	// Recorder receives telemetry (default: no-op).
	Recorder telemetry.Recorder
	// Changes feeds workspace changes into tool-loop sessions (optional).
	Changes ChangeFeed
	// MaxIterations bounds total transitions; zero selects 50.
	MaxIterations int
	// MaxReplans bounds REVIEWING -> PLANNING edges; zero selects 3.
	MaxReplans int
}

// NewEngine creates a new engine with the given configuration.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Model == nil {
		return nil, ErrModelRequired
	}
	if config.MaxIterations < 0 || config.MaxReplans < 0 {
		return nil, fmt.Errorf("ceilings must not be negative: iterations=%d replans=%d",
			config.MaxIterations, config.MaxReplans)
	}

	e := &Engine{
		model:         config.Model,
		tools:         config.Tools,
		executor:      config.Executor,
		journal:       config.Journal,
		recorder:      config.Recorder,
		changes:       config.Changes,
		maxIterations: config.MaxIterations,
		maxReplans:    config.MaxReplans,
	}

	if e.tools == nil {
		registry, err := toolbox.NewRegistry()
		if err != nil {
			return nil, fmt.Errorf("failed to create tool registry: %w", err)
		}
		e.tools = toolbox.NewGateway(registry)
	}
	if e.recorder == nil {
		e.recorder = telemetry.NoopRecorder{}
	}
	if e.maxIterations == 0 {
		e.maxIterations = DefaultMaxIterations
	}
	if e.maxReplans == 0 {
		e.maxReplans = DefaultMaxReplans
	}

	return e, nil
}

// Run drives a fresh task to DONE or FAILED. Collaborator failures are
// converted into the returned state; Run never returns an error.
func (e *Engine) Run(ctx context.Context, task string, opts ...RunOption) agent.State {
	return e.drive(ctx, agent.NewState(task), opts)
}

// Resume continues a snapshot, typically the latest one of a journaled
// run, until it is terminal. Pass WithRunID to keep journaling under the
// original run ID.
func (e *Engine) Resume(ctx context.Context, s agent.State, opts ...RunOption) agent.State {
	if s.IsTerminal() {
		return s
	}
	if err := s.Validate(); err != nil {
		return s.Fail(agent.CodeIllegalTransition, err.Error())
	}
	return e.drive(ctx, s, opts)
}

func (e *Engine) drive(ctx context.Context, state agent.State, opts []RunOption) agent.State {
	cfg := newRunConfig(opts)
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	start := time.Now()

	r, err := e.newRunner(cfg, state)
	if err != nil {
		logging.Error().
			Add(logging.RunID(cfg.RunID)).
			Add(logging.ErrorField(err)).
			Msg("run could not start")
		return state.Fail(agent.CodeIllegalTransition, err.Error())
	}
	defer r.chart.Stop()

	logging.Info().
		Add(logging.RunID(cfg.RunID)).
		Add(logging.Phase(state.Phase)).
		Add(logging.Model(cfg.ModelID)).
		Add(logging.Bool("tools", cfg.Tools)).
		Msg("run started")

	if state.Phase == agent.PhaseInit && state.Iterations == 0 {
		r.log("run " + cfg.RunID + " started")
		if r.logging {
			state = state.WithLogs(r.lines)
		}
		r.record(ctx, state)
	}

	entry := state.Phase
	for !state.IsTerminal() {
		state = r.step(ctx, state)
	}

	elapsed := time.Since(start)
	var code agent.ErrorCode
	if state.Error != nil {
		code = state.Error.Code
	}
	e.recorder.RecordRun(ctx, state.Phase, code, elapsed)

	logging.Info().
		Add(logging.RunID(cfg.RunID)).
		Add(logging.Phase(state.Phase)).
		Add(logging.Iteration(state.Iterations)).
		Add(logging.ReplanCount(state.ReplanCount)).
		Add(logging.PhasePath(append([]agent.Phase{entry}, r.chart.History()...))).
		Add(logging.Duration(elapsed)).
		Msg("run completed")

	return state
}

// Step performs one controller iteration on s: the ceiling check followed
// by one transition. A terminal state is returned unchanged.
func (e *Engine) Step(ctx context.Context, s agent.State, opts ...RunOption) agent.State {
	if s.IsTerminal() {
		return s
	}
	cfg := newRunConfig(opts)
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	r, err := e.newRunner(cfg, s)
	if err != nil {
		return s.Fail(agent.CodeIllegalTransition, err.Error())
	}
	defer r.chart.Stop()

	return r.step(ctx, s)
}

// runner carries the collaborators of one run.
type runner struct {
	e        *Engine
	cfg      RunConfig
	chart    *statemachine.Chart
	executor Executor
	logging  bool
	lines    []string
}

func (e *Engine) newRunner(cfg RunConfig, from agent.State) (*runner, error) {
	chart, err := statemachine.NewChart()
	if err != nil {
		return nil, err
	}
	if from.Phase != agent.PhaseInit {
		if err := chart.ResumeFrom(from.Phase); err != nil {
			chart.Stop()
			return nil, err
		}
	}

	r := &runner{
		e:        e,
		cfg:      cfg,
		chart:    chart,
		executor: e.executor,
		logging:  !isNop(cfg.Sink),
	}
	if r.logging {
		r.lines = slices.Clone(from.Logs)
	}
	if r.executor == nil {
		if cfg.Tools {
			x := NewToolLoopExecutor(e.model, e.tools, e.changes)
			x.emit = r.log
			r.executor = x
		} else {
			r.executor = NewReasoningExecutor(e.model)
		}
	}
	return r, nil
}

func (r *runner) step(ctx context.Context, s agent.State) agent.State {
	if s.IsTerminal() {
		return s
	}

	ctx, end := r.e.recorder.StartPhase(ctx, s.Phase)

	var next agent.State
	if s.Iterations >= r.e.maxIterations {
		next = r.fail(s, agent.CodeMaxIterations,
			fmt.Sprintf("iteration ceiling of %d reached", r.e.maxIterations))
	} else {
		switch s.Phase {
		case agent.PhaseInit:
			next = r.think(ctx, s)
		case agent.PhasePlanning:
			next = r.plan(ctx, s)
		case agent.PhaseExecuting:
			next = r.execute(ctx, s)
		case agent.PhaseReviewing:
			next = r.review(ctx, s)
		default:
			next = r.fail(s, agent.CodeIllegalTransition, fmt.Sprintf("unknown phase %q", s.Phase))
		}
	}

	next = r.commit(ctx, s, next)
	if next.Error != nil {
		end(next.Error)
	} else {
		end(nil)
	}
	return next
}

func (r *runner) think(ctx context.Context, s agent.State) agent.State {
	intent, err := r.e.model.Text(ctx, generation.TextRequest{
		Purpose: PurposeIntent,
		Model:   r.cfg.ModelID,
		System:  intentSystem,
		Prompt:  intentPrompt(s.Prompt),
	})
	if err != nil {
		return r.fail(s, agent.CodeThinkUserIntentFailed, err.Error())
	}
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return r.fail(s, agent.CodeThinkUserIntentFailed, "model returned an empty intent")
	}

	next, err := s.ToPlanning(intent)
	if err != nil {
		return r.fail(s, agent.CodeIllegalTransition, err.Error())
	}
	r.log("[INIT] intent: " + intent)
	return next
}

func (r *runner) plan(ctx context.Context, s agent.State) agent.State {
	raw, err := r.e.model.Structured(ctx, generation.StructuredRequest{
		Purpose:    PurposePlan,
		Model:      r.cfg.ModelID,
		System:     planSystem,
		Prompt:     planPrompt(s),
		SchemaName: "plan",
		Schema:     planSchema,
	})
	if err != nil {
		return r.fail(s, agent.CodeThinkPlansFailed, err.Error())
	}
	plans, err := parseObjectives(raw)
	if err != nil {
		return r.fail(s, agent.CodeThinkPlansFailed, err.Error())
	}
	if len(plans) == 0 {
		return r.fail(s, agent.CodeEmptyPlan, "planning produced no objectives")
	}

	next, err := s.ToExecuting(plans)
	if err != nil {
		return r.fail(s, agent.CodeIllegalTransition, err.Error())
	}
	if r.logging {
		objectives := make([]string, len(plans))
		for i, p := range plans {
			objectives[i] = p.Objective
		}
		r.log(fmt.Sprintf("[PLANNING] %d objectives: %s", len(plans), strings.Join(objectives, "; ")))
	}
	return next
}

func (r *runner) execute(ctx context.Context, s agent.State) agent.State {
	idx, ok := s.FirstWaiting()
	if !ok {
		return r.fail(s, agent.CodeNoWaitingPlan, "no waiting plan left to execute")
	}
	plan := s.Plans[idx]
	r.log(fmt.Sprintf("[EXECUTING] plan %d/%d: %s", idx+1, len(s.Plans), plan.Objective))

	result, err := r.resolve(ctx, Task{
		Objective:    plan.Objective,
		UserIntent:   s.UserIntent,
		Prompt:       s.Prompt,
		ModelID:      r.cfg.ModelID,
		MaxToolSteps: r.cfg.MaxToolSteps,
	})

	var resolved agent.Plan
	if err != nil {
		resolved = plan.Fail(err.Error())
		r.log(fmt.Sprintf("[EXECUTING] plan %d failed: %s", idx+1, err))
		logging.Warn().
			Add(logging.RunID(r.cfg.RunID)).
			Add(logging.PlanIndex(idx)).
			Add(logging.Objective(plan.Objective)).
			Add(logging.ErrorField(err)).
			Msg("objective failed")
	} else {
		resolved = plan.Complete(result)
		r.log(fmt.Sprintf("[EXECUTING] plan %d completed", idx+1))
	}
	r.e.recorder.RecordPlanOutcome(ctx, resolved.Status)

	next, err := s.Resolve(idx, resolved)
	if err != nil {
		return r.fail(s, agent.CodeIllegalTransition, err.Error())
	}
	return next
}

// resolve runs the executor, turning a panic into an error.
func (r *runner) resolve(ctx context.Context, task Task) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, p)
		}
	}()
	return r.executor.Execute(ctx, task)
}

func (r *runner) review(ctx context.Context, s agent.State) agent.State {
	raw, err := r.e.model.Structured(ctx, generation.StructuredRequest{
		Purpose:    PurposeReview,
		Model:      r.cfg.ModelID,
		System:     reviewSystem,
		Prompt:     reviewPrompt(s),
		SchemaName: "review",
		Schema:     reviewSchema,
	})
	if err != nil {
		return r.fail(s, agent.CodeReviewFailed, err.Error())
	}
	verdict, err := parseReview(raw)
	if err != nil {
		return r.fail(s, agent.CodeReviewFailed, err.Error())
	}

	if verdict.Satisfied {
		r.log("[REVIEWING] accepted")
		output, err := r.e.model.Text(ctx, generation.TextRequest{
			Purpose: PurposeFinal,
			Model:   r.cfg.ModelID,
			System:  finalSystem,
			Prompt:  finalPrompt(s),
		})
		if err != nil {
			return r.fail(s, agent.CodeFinalOutputFailed, err.Error())
		}
		next, err := s.Finish(strings.TrimSpace(output))
		if err != nil {
			return r.fail(s, agent.CodeIllegalTransition, err.Error())
		}
		return next
	}

	reason := verdict.Reason
	if reason == "" {
		reason = "no reason given"
	}
	r.log("[REVIEWING] rejected: " + reason)
	if s.ReplanCount >= r.e.maxReplans {
		return r.fail(s, agent.CodeMaxReplans,
			fmt.Sprintf("review rejected after %d replans: %s", s.ReplanCount, reason))
	}

	handoff, err := r.e.model.Text(ctx, generation.TextRequest{
		Purpose: PurposeHandoff,
		Model:   r.cfg.ModelID,
		System:  handoffSystem,
		Prompt:  handoffPrompt(s, reason),
	})
	if err != nil {
		return r.fail(s, agent.CodeHandoffFailed, err.Error())
	}
	next, err := s.Replan(strings.TrimSpace(handoff))
	if err != nil {
		return r.fail(s, agent.CodeIllegalTransition, err.Error())
	}
	r.log(fmt.Sprintf("[REVIEWING] replanning (%d/%d)", next.ReplanCount, r.e.maxReplans))
	return next
}

func (r *runner) fail(s agent.State, code agent.ErrorCode, message string) agent.State {
	r.log(fmt.Sprintf("[%s] failed: %s: %s", s.Phase, code, message))
	return s.Fail(code, message)
}

// commit passes a computed transition through the chart, then mirrors
// logs, telemetry, and the journal onto it.
func (r *runner) commit(ctx context.Context, prev, next agent.State) agent.State {
	if err := r.chart.Advance(next.Phase); err != nil {
		logging.Error().
			Add(logging.RunID(r.cfg.RunID)).
			Add(logging.FromPhase(prev.Phase)).
			Add(logging.ToPhase(next.Phase)).
			Add(logging.ErrorField(err)).
			Msg("illegal transition")
		next = r.fail(prev, agent.CodeIllegalTransition, err.Error())
		_ = r.chart.Advance(agent.PhaseFailed)
	}
	if r.logging {
		next = next.WithLogs(r.lines)
	}

	r.e.recorder.RecordTransition(ctx, prev.Phase, next.Phase)
	logging.Debug().
		Add(logging.RunID(r.cfg.RunID)).
		Add(logging.FromPhase(prev.Phase)).
		Add(logging.ToPhase(next.Phase)).
		Add(logging.Iteration(next.Iterations)).
		Msg("transition")
	if next.Error != nil {
		logging.Error().
			Add(logging.RunID(r.cfg.RunID)).
			Add(logging.Phase(next.Error.Stage)).
			Add(logging.Code(next.Error.Code)).
			Add(logging.Str("message", next.Error.Message)).
			Msg("run failed")
	}

	r.record(ctx, next)
	return next
}

// record appends a snapshot to the journal. Journal errors are logged
// and never affect the run.
func (r *runner) record(ctx context.Context, s agent.State) {
	if r.e.journal == nil {
		return
	}
	if err := r.e.journal.Append(context.WithoutCancel(ctx), r.cfg.RunID, s.Iterations, s); err != nil {
		logging.Warn().
			Add(logging.RunID(r.cfg.RunID)).
			Add(logging.Iteration(s.Iterations)).
			Add(logging.ErrorField(err)).
			Msg("journal append failed")
	}
}

func (r *runner) log(line string) {
	if !r.logging {
		return
	}
	r.cfg.Sink.Log(line)
	r.lines = append(r.lines, line)
}
