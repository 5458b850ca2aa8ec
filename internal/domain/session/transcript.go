package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transcript is the append-only conversational timeline.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// Append stamps the turn with an ID and creation time when missing and adds
// it to the end of the timeline. The stored turn is returned.
func (t *Transcript) Append(turn Turn) Turn {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = t.now().UTC()
	}
	if turn.Kind == "" {
		turn.Kind = KindText
	}

	t.mu.Lock()
	t.turns = append(t.turns, turn)
	t.mu.Unlock()
	return turn
}

// All returns a copy of the timeline in append order.
func (t *Transcript) All() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Transcript) Find(id uuid.UUID) (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, turn := range t.turns {
		if turn.ID == id {
			return turn, true
		}
	}
	return Turn{}, false
}

// Last returns the most recent turn.
func (t *Transcript) Last() (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Clear drops every turn. Only a session reset may call it.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.turns = nil
	t.mu.Unlock()
}

// Restore replaces the timeline with previously persisted turns.
func (t *Transcript) Restore(turns []Turn) {
	cp := make([]Turn, len(turns))
	copy(cp, turns)
	t.mu.Lock()
	t.turns = cp
	t.mu.Unlock()
}
