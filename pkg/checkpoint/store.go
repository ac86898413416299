// Package checkpoint persists per-work-item message history so an
// interrupted turn (crash, restart, approval round-trip) resumes from its
// last processed state instead of its stale input.
package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// CurrentVersion tags rows written by this build. Rows with an older version
// read as absent, so a format change never resurrects incompatible history.
const CurrentVersion = 1

// Checkpoint is the saved mid-turn state of one work item.
type Checkpoint struct {
	WorkItemID  string
	HistoryJSON string
	RoundCount  int
	UpdatedAt   time.Time
}

// Store reads and writes checkpoints in the agent's history database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens the checkpoint store over db, applying pending migrations.
func NewStore(db *sql.DB) (*Store, error) {
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "checkpoint"),
	}, nil
}

// Save upserts the checkpoint row for workItemID. At most one row exists per
// work item; every history mutation overwrites it. Saving identical content
// twice is harmless.
func (s *Store) Save(ctx context.Context, workItemID, historyJSON string, roundCount int) error {
	if workItemID == "" {
		return errors.New("work item id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (work_item_id, checkpoint_version, history_json, round_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(work_item_id) DO UPDATE SET
			checkpoint_version = excluded.checkpoint_version,
			history_json = excluded.history_json,
			round_count = excluded.round_count,
			updated_at = excluded.updated_at`,
		workItemID, CurrentVersion, historyJSON, roundCount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for workItemID, or nil when none exists or the
// stored version predates CurrentVersion.
func (s *Store) Load(ctx context.Context, workItemID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT work_item_id, history_json, round_count, updated_at
		FROM checkpoints
		WHERE work_item_id = ? AND checkpoint_version = ?`,
		workItemID, CurrentVersion,
	).Scan(&cp.WorkItemID, &cp.HistoryJSON, &cp.RoundCount, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

// Clear removes the checkpoint for workItemID. Clearing an absent row is a
// no-op.
func (s *Store) Clear(ctx context.Context, workItemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}

// CleanupStale deletes checkpoints not touched within maxAge. Abandoned work
// items (submitter gone, continuation never arrived) age out here.
func (s *Store) CleanupStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up stale checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Deleted stale checkpoints", "count", n, "max_age", maxAge)
	}
	return n, nil
}
