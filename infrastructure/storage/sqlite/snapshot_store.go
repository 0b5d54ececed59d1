package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/felixgeelhaar/planloop/domain/agent"
	"github.com/felixgeelhaar/planloop/domain/run"
)

// SnapshotStore is a SQLite-backed implementation of run.Store.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore opens a snapshot store with the given configuration.
func NewSnapshotStore(cfg Config, opts ...Option) (*SnapshotStore, error) {
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &SnapshotStore{db: db}
	if cfg.AutoMigrate {
		if err := s.migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSnapshotStoreFromDB creates a store from an existing connection.
func NewSnapshotStoreFromDB(db *sql.DB) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			phase TEXT NOT NULL,
			iterations INTEGER NOT NULL,
			replan_count INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	return nil
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, seq, phase, iterations, replan_count, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, string(state.Phase), state.Iterations, state.ReplanCount, data, time.Now().UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return run.ErrDuplicateSeq
		}
		return err
	}
	return nil
}

// Snapshots returns every snapshot of a run ordered by seq.
func (s *SnapshotStore) Snapshots(ctx context.Context, runID string) ([]run.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, data, created_at FROM snapshots WHERE run_id = ? ORDER BY seq ASC",
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []run.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(runID, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, run.ErrRunNotFound
	}
	return result, nil
}

// Latest returns the snapshot with the highest seq.
func (s *SnapshotStore) Latest(ctx context.Context, runID string) (run.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return run.Snapshot{}, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT seq, data, created_at FROM snapshots WHERE run_id = ? ORDER BY seq DESC LIMIT 1",
		runID,
	)
	snap, err := scanSnapshot(runID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return run.Snapshot{}, run.ErrRunNotFound
	}
	return snap, err
}

// Runs returns run IDs, most recently updated first.
func (s *SnapshotStore) Runs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id FROM snapshots GROUP BY run_id ORDER BY MAX(created_at) DESC, run_id ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(runID string, row scanner) (run.Snapshot, error) {
	var (
		seq       int
		data      []byte
		createdAt int64
	)
	if err := row.Scan(&seq, &data, &createdAt); err != nil {
		return run.Snapshot{}, err
	}

	var st agent.State
	if err := json.Unmarshal(data, &st); err != nil {
		return run.Snapshot{}, err
	}
	return run.Snapshot{
		RunID:     runID,
		Seq:       seq,
		State:     st,
		CreatedAt: time.Unix(0, createdAt),
	}, nil
}

// isUniqueViolation checks if the error is a primary key violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ run.Store = (*SnapshotStore)(nil)
