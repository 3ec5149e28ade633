package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface checks.
var (
	_ TurnSink      = (*Store)(nil)
	_ SessionCloser = (*Store)(nil)
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id         UUID         PRIMARY KEY,
    session_id UUID         NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    mood       TEXT         NOT NULL DEFAULT '',
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session
    ON conversation_turns (session_id, timestamp);

CREATE TABLE IF NOT EXISTS session_closures (
    session_id UUID         PRIMARY KEY,
    ended_at   TIMESTAMPTZ  NOT NULL
);
`

// Store is the PostgreSQL-backed turn store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and ensures
// the schema exists. The migration is idempotent.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("turn store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("turn store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turn store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turn store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// WriteTurn implements [TurnSink].
func (s *Store) WriteTurn(ctx context.Context, turn Turn) error {
	const q = `
		INSERT INTO conversation_turns (id, session_id, role, text, mood, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.SessionID,
		string(turn.Role),
		turn.Text,
		turn.Mood,
		turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("turn store: write turn: %w", err)
	}
	return nil
}

// SessionTurns returns all turns of one session ordered chronologically.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	const q = `
		SELECT id, session_id, role, text, mood, timestamp
		FROM   conversation_turns
		WHERE  session_id = $1
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("turn store: session turns: %w", err)
	}
	return collectTurns(rows)
}

// RecentTurns returns all turns written within the last duration, newest
// sessions included, ordered chronologically.
func (s *Store) RecentTurns(ctx context.Context, duration time.Duration) ([]Turn, error) {
	const q = `
		SELECT id, session_id, role, text, mood, timestamp
		FROM   conversation_turns
		WHERE  timestamp >= now() - ($1::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, duration.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("turn store: recent turns: %w", err)
	}
	return collectTurns(rows)
}

// SetMood updates the classified mood of an already stored turn.
func (s *Store) SetMood(ctx context.Context, turnID string, mood string) error {
	const q = `UPDATE conversation_turns SET mood = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, turnID, mood); err != nil {
		return fmt.Errorf("turn store: set mood: %w", err)
	}
	return nil
}

// CloseSession implements [SessionCloser]. Recording the same session twice
// keeps the latest end time.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `
		INSERT INTO session_closures (session_id, ended_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET ended_at = EXCLUDED.ended_at`

	if _, err := s.pool.Exec(ctx, q, sessionID, endedAt); err != nil {
		return fmt.Errorf("turn store: close session: %w", err)
	}
	return nil
}

// Ping reports database reachability, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectTurns scans pgx rows into a slice of Turn values.
func collectTurns(rows pgx.Rows) ([]Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var (
			t    Turn
			role string
		)
		if err := row.Scan(&t.ID, &t.SessionID, &role, &t.Text, &t.Mood, &t.Timestamp); err != nil {
			return Turn{}, err
		}
		t.Role = Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}
