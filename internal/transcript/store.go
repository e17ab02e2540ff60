// Package transcript persists the final transcripts of voice sessions.
//
// Two [Store] implementations exist: [MemoryStore] keeps entries in process
// and is used when no database is configured, [PostgresStore] writes them to
// a PostgreSQL table through a pgx connection pool.
package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("transcript: store closed")

// Entry is one final transcript.
type Entry struct {
	// ID is assigned by the store on Append.
	ID int64 `json:"id"`

	SessionID string `json:"session_id"`
	Text      string `json:"text"`

	// Agent is the agent the utterance was routed to, if any.
	Agent string `json:"agent,omitempty"`

	// Command is the voice command kind the utterance triggered, if any.
	Command string `json:"command,omitempty"`

	Confidence float64 `json:"confidence"`

	// Offset is the utterance start relative to the session start.
	Offset time.Duration `json:"offset"`

	// Duration is the audio duration of the utterance.
	Duration time.Duration `json:"duration"`

	// CreatedAt defaults to the time of Append.
	CreatedAt time.Time `json:"created_at"`
}

// Store persists transcript entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append stores e and returns it with ID and CreatedAt filled in.
	Append(ctx context.Context, e Entry) (Entry, error)

	// List returns the most recent entries of sessionID, oldest first. A
	// limit of zero or less returns all entries.
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	// Close releases resources. Further calls fail with [ErrClosed].
	Close() error
}
