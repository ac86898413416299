// Package subscriptions persists the per-agent watch list that the history
// pipeline materialises before each turn. A subscription names a piece of
// external state (a workspace file, a line range, or a set of knowledge
// entries) whose current content is re-read and injected into the
// conversation on every pass.
package subscriptions

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind selects how a subscription's target is read at materialisation time.
type Kind string

const (
	// KindFile reads a whole file relative to the agent workspace root.
	KindFile Kind = "file"
	// KindLines reads an inclusive 1-based line range of a workspace file.
	KindLines Kind = "lines"
	// KindKnowledge reads knowledge entries whose topic matches a regular
	// expression.
	KindKnowledge Kind = "knowledge"
)

var validKinds = map[Kind]bool{
	KindFile:      true,
	KindLines:     true,
	KindKnowledge: true,
}

// Subscription is one active watch entry.
type Subscription struct {
	ID        string
	Kind      Kind
	Target    string
	StartLine int
	EndLine   int
	Active    bool
	CreatedAt time.Time
}

// Store persists subscriptions in the per-agent subscriptions database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore runs migrations and returns a ready store.
func NewStore(db *sql.DB) (*Store, error) {
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate subscriptions store: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "subscriptions"),
	}, nil
}

// Add registers a new active subscription and returns its id.
func (s *Store) Add(ctx context.Context, kind Kind, target string, startLine, endLine int) (string, error) {
	if !validKinds[kind] {
		return "", fmt.Errorf("unknown subscription kind %q", kind)
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("subscription target must not be empty")
	}
	if kind == KindLines && (startLine < 1 || endLine < startLine) {
		return "", fmt.Errorf("line subscription requires 1 <= start <= end, got %d..%d", startLine, endLine)
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, kind, target, start_line, end_line, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		id, string(kind), target, startLine, endLine, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to add subscription: %w", err)
	}

	s.logger.Info("Subscription added", "id", id, "kind", kind, "target", target)
	return id, nil
}

// ListActive returns active subscriptions in creation order.
func (s *Store) ListActive(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, target, start_line, end_line, active, created_at
		FROM subscriptions
		WHERE active = 1
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var kind string
		var active int
		if err := rows.Scan(&sub.ID, &kind, &sub.Target, &sub.StartLine, &sub.EndLine, &active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Kind = Kind(kind)
		sub.Active = active != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Deactivate keeps the row but excludes it from materialisation.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription %s: %w", id, err)
	}
	return nil
}

// Remove deletes a subscription outright.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove subscription %s: %w", id, err)
	}
	return nil
}
