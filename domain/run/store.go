// Package run provides the domain interface for snapshot journals.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/planloop/domain/agent"
)

// Store journals every controller snapshot of a run.
// Implementations may be in-memory, SQLite, or any other backend.
type Store interface {
	// Append records the snapshot taken after transition seq.
	Append(ctx context.Context, runID string, seq int, state agent.State) error

	// Snapshots returns every snapshot of a run ordered by seq.
	Snapshots(ctx context.Context, runID string) ([]Snapshot, error)

	// Latest returns the most recent snapshot of a run.
	Latest(ctx context.Context, runID string) (Snapshot, error)

	// Runs returns run IDs, most recently updated first.
	Runs(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Snapshot is one journaled state.
type Snapshot struct {
	RunID     string      `json:"run_id"`
	Seq       int         `json:"seq"`
	State     agent.State `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store errors.
var (
	// ErrRunNotFound indicates no snapshots exist for the run.
	ErrRunNotFound = errors.New("run not found")

	// ErrDuplicateSeq indicates a snapshot with the same seq was already appended.
	ErrDuplicateSeq = errors.New("snapshot sequence already recorded")

	// ErrInvalidRunID indicates an empty run ID.
	ErrInvalidRunID = errors.New("invalid run ID")
)
