// Package archive persists finished chat turns to PostgreSQL.
//
// Archival is strictly write-behind: the conversation never waits on the
// database, and a missing archive only loses history, not messages. The
// widget feeds the archive from its transcript observer.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Turn is one finalized transcript entry.
type Turn struct {
	// SessionID is the service-assigned conversation identifier, or "" for
	// turns recorded while disconnected.
	SessionID string

	// UserID is the stable anonymous caller identity.
	UserID string

	// Role is "user" or "assistant".
	Role string

	// Text is the finalized message content.
	Text string

	// CreatedAt is when the turn entered the transcript.
	CreatedAt time.Time
}

// Store is the PostgreSQL-backed turn archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the chat_turns table and its indexes exist. It is
// idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS chat_turns (
		    id         BIGSERIAL PRIMARY KEY,
		    session_id TEXT        NOT NULL DEFAULT '',
		    user_id    TEXT        NOT NULL,
		    role       TEXT        NOT NULL,
		    text       TEXT        NOT NULL,
		    created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS chat_turns_session_idx
		    ON chat_turns (session_id, created_at);
		CREATE INDEX IF NOT EXISTS chat_turns_user_idx
		    ON chat_turns (user_id, created_at);`

	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// WriteTurn appends one turn.
func (s *Store) WriteTurn(ctx context.Context, t Turn) error {
	const q = `
		INSERT INTO chat_turns (session_id, user_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q, t.SessionID, t.UserID, t.Role, t.Text, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive: write turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns for sessionID, oldest first.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	const q = `
		SELECT session_id, user_id, role, text, created_at
		FROM   (SELECT session_id, user_id, role, text, created_at
		        FROM   chat_turns
		        WHERE  session_id = $1
		        ORDER  BY created_at DESC, id DESC
		        LIMIT  $2) latest
		ORDER  BY created_at, session_id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.SessionID, &t.UserID, &t.Role, &t.Text, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
