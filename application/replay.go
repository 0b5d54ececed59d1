package application

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/planloop/domain/agent"
	"github.com/felixgeelhaar/planloop/domain/run"
)

// Replay reads journaled runs back.
type Replay struct {
	store run.Store
}

// NewReplay creates a new replay over a journal.
func NewReplay(store run.Store) *Replay {
	return &Replay{store: store}
}

// Reconstruct returns the latest snapshot of a run.
func (r *Replay) Reconstruct(ctx context.Context, runID string) (agent.State, error) {
	snap, err := r.store.Latest(ctx, runID)
	if err != nil {
		return agent.State{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	return snap.State, nil
}

// ReconstructAt returns the snapshot recorded at seq.
func (r *Replay) ReconstructAt(ctx context.Context, runID string, seq int) (agent.State, error) {
	snaps, err := r.store.Snapshots(ctx, runID)
	if err != nil {
		return agent.State{}, fmt.Errorf("load snapshots: %w", err)
	}
	for _, s := range snaps {
		if s.Seq == seq {
			return s.State, nil
		}
	}
	return agent.State{}, fmt.Errorf("%w: %s has no snapshot %d", run.ErrRunNotFound, runID, seq)
}

// Timeline provides an ordered view of one run's snapshots.
type Timeline struct {
	RunID     string
	Snapshots []run.Snapshot
}

// NewTimeline loads every snapshot of a run.
func (r *Replay) NewTimeline(ctx context.Context, runID string) (*Timeline, error) {
	snaps, err := r.store.Snapshots(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %s", run.ErrRunNotFound, runID)
	}
	return &Timeline{RunID: runID, Snapshots: snaps}, nil
}

// Duration returns the time between the first and last snapshot.
func (tl *Timeline) Duration() time.Duration {
	if len(tl.Snapshots) < 2 {
		return 0
	}
	return tl.Snapshots[len(tl.Snapshots)-1].CreatedAt.Sub(tl.Snapshots[0].CreatedAt)
}

// Final returns the last recorded state.
func (tl *Timeline) Final() agent.State {
	return tl.Snapshots[len(tl.Snapshots)-1].State
}

// PhaseTransition is one recorded phase change.
type PhaseTransition struct {
	Seq       int
	From      agent.Phase
	To        agent.Phase
	Timestamp time.Time
}

// Transitions returns the phase change between every pair of consecutive
// snapshots, including EXECUTING self-loops.
func (tl *Timeline) Transitions() []PhaseTransition {
	var out []PhaseTransition
	for i := 1; i < len(tl.Snapshots); i++ {
		prev, cur := tl.Snapshots[i-1], tl.Snapshots[i]
		out = append(out, PhaseTransition{
			Seq:       cur.Seq,
			From:      prev.State.Phase,
			To:        cur.State.Phase,
			Timestamp: cur.CreatedAt,
		})
	}
	return out
}

// PlanResolution records one objective leaving the waiting status.
type PlanResolution struct {
	Seq       int
	Index     int
	Objective string
	Status    agent.PlanStatus
	Detail    string
}

// Resolutions returns every plan resolution in order. A plan counts as
// resolved at the first snapshot where it is no longer waiting.
func (tl *Timeline) Resolutions() []PlanResolution {
	var out []PlanResolution
	for i := 1; i < len(tl.Snapshots); i++ {
		prev, cur := tl.Snapshots[i-1].State, tl.Snapshots[i]
		if cur.State.Phase != agent.PhaseExecuting && cur.State.Phase != agent.PhaseReviewing {
			continue
		}
		if prev.Phase != agent.PhaseExecuting || len(prev.Plans) != len(cur.State.Plans) {
			continue
		}
		for j, p := range cur.State.Plans {
			if prev.Plans[j].Status != agent.PlanWaiting || p.Status == agent.PlanWaiting {
				continue
			}
			detail := p.Result
			if p.Status == agent.PlanFailed {
				detail = p.Error
			}
			out = append(out, PlanResolution{
				Seq:       cur.Seq,
				Index:     j,
				Objective: p.Objective,
				Status:    p.Status,
				Detail:    detail,
			})
		}
	}
	return out
}
