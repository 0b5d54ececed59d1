package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/planloop/domain/agent"
	"github.com/felixgeelhaar/planloop/domain/run"
)

// snapshotEntry holds an encoded copy of a snapshot so later mutation of
// the caller's slices cannot leak into the journal.
type snapshotEntry struct {
	seq       int
	data      []byte
	createdAt time.Time
}

// SnapshotStore is an in-memory implementation of run.Store.
type SnapshotStore struct {
	runs    map[string][]snapshotEntry
	updated map[string]time.Time
	mu      sync.RWMutex
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		runs:    make(map[string][]snapshotEntry),
		updated: make(map[string]time.Time),
	}
}

// Append records a snapshot.
func (s *SnapshotStore) Append(ctx context.Context, runID string, seq int, state agent.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if runID == "" {
		return run.ErrInvalidRunID
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.runs[runID] {
		if e.seq == seq {
			return run.ErrDuplicateSeq
		}
	}

	now := time.Now()
	s.runs[runID] = append(s.runs[runID], snapshotEntry{seq: seq, data: data, createdAt: now})
	s.updated[runID] = now
	return nil
}

// Snapshots returns every snapshot of a run ordered by seq.
func (s *SnapshotStore) Snapshots(ctx context.Context, runID string) ([]run.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries, ok := s.runs[runID]
	entries = append([]snapshotEntry(nil), entries...)
	s.mu.RUnlock()

	if !ok {
		return nil, run.ErrRunNotFound
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	result := make([]run.Snapshot, 0, len(entries))
	for _, e := range entries {
		snap, err := decode(runID, e)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, nil
}

// Latest returns the snapshot with the highest seq.
func (s *SnapshotStore) Latest(ctx context.Context, runID string) (run.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return run.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.runs[runID]
	if !ok || len(entries) == 0 {
		return run.Snapshot{}, run.ErrRunNotFound
	}

	latest := entries[0]
	for _, e := range entries[1:] {
		if e.seq > latest.seq {
			latest = e
		}
	}
	return decode(runID, latest)
}

// Runs returns run IDs, most recently updated first.
func (s *SnapshotStore) Runs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.updated))
	for id := range s.updated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := s.updated[ids[i]], s.updated[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.After(tj)
	})
	return ids, nil
}

// Close is a no-op for the in-memory store.
func (s *SnapshotStore) Close() error {
	return nil
}

// Len returns the number of journaled runs.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func decode(runID string, e snapshotEntry) (run.Snapshot, error) {
	var st agent.State
	if err := json.Unmarshal(e.data, &st); err != nil {
		return run.Snapshot{}, err
	}
	return run.Snapshot{RunID: runID, Seq: e.seq, State: st, CreatedAt: e.createdAt}, nil
}

var _ run.Store = (*SnapshotStore)(nil)
