// Package persist stores finished conversation turns.
//
// The controller hands every [Turn] to a [TurnSink]. The PostgreSQL-backed
// [Store] is the production sink; [MemorySink] backs tests and runs without a
// database. A fuzzy-matching deduplicator sits in front of either sink
// because the transcription side-channel occasionally re-emits a turn with
// minor punctuation differences.
package persist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one finished utterance of a conversation.
type Turn struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      Role
	Text      string
	// Mood is the classified emotional tone, empty until analysis ran.
	Mood      string
	Timestamp time.Time
}

// TurnSink consumes finished turns.
type TurnSink interface {
	WriteTurn(ctx context.Context, turn Turn) error
}

// SessionCloser is implemented by sinks that also record session closures.
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

// SessionClosure records when a session ended.
type SessionClosure struct {
	SessionID string
	EndedAt   time.Time
}

// MemorySink is an in-memory TurnSink for tests and database-less runs.
type MemorySink struct {
	mu       sync.Mutex
	turns    []Turn
	closures []SessionClosure
}

// WriteTurn implements [TurnSink].
func (m *MemorySink) WriteTurn(_ context.Context, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

// CloseSession implements [SessionCloser].
func (m *MemorySink) CloseSession(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closures = append(m.closures, SessionClosure{SessionID: sessionID, EndedAt: endedAt})
	return nil
}

// Turns returns a copy of everything written so far.
func (m *MemorySink) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Closures returns a copy of the recorded session closures.
func (m *MemorySink) Closures() []SessionClosure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionClosure, len(m.closures))
	copy(out, m.closures)
	return out
}

// dedupeSimilarity is the Jaro-Winkler score at or above which two
// consecutive same-role turns are considered the same utterance.
const dedupeSimilarity = 0.95

// Deduper wraps a TurnSink and drops a turn when it is a near-duplicate of
// the previous turn with the same role. Comparison is case-insensitive
// Jaro-Winkler over the trimmed text.
type Deduper struct {
	next TurnSink

	mu   sync.Mutex
	last map[Role]string
}

// NewDeduper wraps next with duplicate suppression.
func NewDeduper(next TurnSink) *Deduper {
	return &Deduper{next: next, last: make(map[Role]string)}
}

// WriteTurn implements [TurnSink].
func (d *Deduper) WriteTurn(ctx context.Context, turn Turn) error {
	text := strings.ToLower(strings.TrimSpace(turn.Text))
	if text == "" {
		return nil
	}

	d.mu.Lock()
	prev, seen := d.last[turn.Role]
	if seen && matchr.JaroWinkler(prev, text, true) >= dedupeSimilarity {
		d.mu.Unlock()
		return nil
	}
	d.last[turn.Role] = text
	d.mu.Unlock()

	return d.next.WriteTurn(ctx, turn)
}
