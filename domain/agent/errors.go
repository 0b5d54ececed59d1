package agent

import (
	"errors"
	"fmt"
)

// Domain errors for state transitions.
var (
	// ErrInvalidPhase indicates the phase is not a recognized controller phase.
	ErrInvalidPhase = errors.New("invalid phase")

	// ErrInvalidTransition indicates the requested edge is not allowed from the current phase.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrTerminal indicates a transition was attempted on a DONE or FAILED state.
	ErrTerminal = errors.New("state is terminal")

	// ErrEmptyPlan indicates a plan list with no objectives.
	ErrEmptyPlan = errors.New("plan list is empty")

	// ErrPlanIndex indicates a plan index outside the plan list.
	ErrPlanIndex = errors.New("plan index out of range")

	// ErrPlanNotWaiting indicates the plan at the index has already been resolved.
	ErrPlanNotWaiting = errors.New("plan is not waiting")

	// ErrPlanUnresolved indicates a replacement plan that is neither completed nor failed.
	ErrPlanUnresolved = errors.New("plan is not resolved")

	// ErrObjectiveChanged indicates a replacement plan carries a different objective.
	ErrObjectiveChanged = errors.New("plan objective is immutable")

	// ErrInvalidState indicates a snapshot whose fields do not match its tag.
	ErrInvalidState = errors.New("invalid state")
)

// ErrorCode enumerates controller-level failure causes.
type ErrorCode string

// Controller failure codes.
const (
	CodeThinkUserIntentFailed ErrorCode = "THINK_USER_INTENT_FAILED"
	CodeThinkPlansFailed      ErrorCode = "THINK_PLANS_FAILED"
	CodeEmptyPlan             ErrorCode = "EMPTY_PLAN"
	CodeNoWaitingPlan         ErrorCode = "NO_WAITING_PLAN"
	CodeReviewFailed          ErrorCode = "REVIEW_FAILED"
	CodeFinalOutputFailed     ErrorCode = "FINAL_OUTPUT_FAILED"
	CodeHandoffFailed         ErrorCode = "HANDOFF_FAILED"
	CodeMaxReplans            ErrorCode = "MAX_REPLANS"
	CodeMaxIterations         ErrorCode = "MAX_ITERATIONS"
	CodeIllegalTransition     ErrorCode = "ILLEGAL_TRANSITION"
)

// IsValid returns true if the code is a known failure code.
func (c ErrorCode) IsValid() bool {
	switch c {
	case CodeThinkUserIntentFailed, CodeThinkPlansFailed, CodeEmptyPlan,
		CodeNoWaitingPlan, CodeReviewFailed, CodeFinalOutputFailed,
		CodeHandoffFailed, CodeMaxReplans, CodeMaxIterations, CodeIllegalTransition:
		return true
	default:
		return false
	}
}

// ErrorObject describes a fatal controller failure.
type ErrorObject struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Stage   Phase     `json:"stage"`
}

// Error implements the error interface.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("%s during %s: %s", e.Code, e.Stage, e.Message)
}
