// Package knowledge stores durable notes an agent accumulates across work
// items, keyed by topic. Full-text search lives outside this module; the
// store exposes only the narrow lookup surface the history pipeline needs.
package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one topic of accumulated knowledge.
type Entry struct {
	ID        string
	Topic     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists entries in the per-agent knowledge database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore runs migrations and returns a ready store.
func NewStore(db *sql.DB) (*Store, error) {
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate knowledge store: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "knowledge"),
	}, nil
}

// Put upserts an entry by topic and returns its id.
func (s *Store) Put(ctx context.Context, topic, content string) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("knowledge topic must not be empty")
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, topic, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at`,
		id, topic, content, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to store knowledge entry %q: %w", topic, err)
	}

	// On conflict the original id survives; read it back.
	var storedID string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM knowledge_entries WHERE topic = ?`, topic).Scan(&storedID); err != nil {
		return "", fmt.Errorf("failed to read back knowledge entry %q: %w", topic, err)
	}
	return storedID, nil
}

// Get returns the entry for a topic, or nil when absent.
func (s *Store) Get(ctx context.Context, topic string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, content, created_at, updated_at
		FROM knowledge_entries WHERE topic = ?`, topic)

	var e Entry
	err := row.Scan(&e.ID, &e.Topic, &e.Content, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge entry %q: %w", topic, err)
	}
	return &e, nil
}

// Match returns entries whose topic matches the given regular expression,
// ordered by topic. An invalid pattern is returned as an error for the
// caller to surface in-band.
func (s *Store) Match(ctx context.Context, pattern string) ([]Entry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Entry
	for _, e := range all {
		if re.MatchString(e.Topic) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// List returns all entries ordered by topic.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, content, created_at, updated_at
		FROM knowledge_entries ORDER BY topic`)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Content, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the entry for a topic.
func (s *Store) Delete(ctx context.Context, topic string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_entries WHERE topic = ?`, topic)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge entry %q: %w", topic, err)
	}
	return nil
}
