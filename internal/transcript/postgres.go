package transcript

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS voice_transcripts (
    id           BIGSERIAL         PRIMARY KEY,
    session_id   TEXT              NOT NULL,
    text         TEXT              NOT NULL,
    agent        TEXT              NOT NULL DEFAULT '',
    command      TEXT              NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    offset_ns    BIGINT            NOT NULL DEFAULT 0,
    duration_ns  BIGINT            NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_transcripts_session_id
    ON voice_transcripts (session_id, id);
`

// Migrate creates the transcript table and its index. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscripts); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// PostgresStore is a [Store] backed by the voice_transcripts table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// NewPostgresStore connects to dsn, verifies the connection, and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO voice_transcripts
		    (session_id, text, agent, command, confidence, offset_ns, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q,
		e.SessionID,
		e.Text,
		e.Agent,
		e.Command,
		e.Confidence,
		e.Offset.Nanoseconds(),
		e.Duration.Nanoseconds(),
		e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("transcript: append: %w", err)
	}
	return e, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	q := `
		SELECT id, session_id, text, agent, command, confidence, offset_ns, duration_ns, created_at
		FROM   voice_transcripts
		WHERE  session_id = $1
		ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\tLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e                  Entry
			offsetNS, duration int64
		)
		err := row.Scan(&e.ID, &e.SessionID, &e.Text, &e.Agent, &e.Command,
			&e.Confidence, &offsetNS, &duration, &e.CreatedAt)
		e.Offset = time.Duration(offsetNS)
		e.Duration = time.Duration(duration)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: list: %w", err)
	}
	// Newest first from the query; callers get chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.pool.Ping(ctx)
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}
