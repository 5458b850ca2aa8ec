package session

import (
	"context"
	"sync"
	"time"
)

const (
	EventTurnAppended     = "turn.appended"
	EventStateChanged     = "state.changed"
	EventThinking         = "thinking.changed"
	EventCartChanged      = "cart.changed"
	EventInventoryRefresh = "inventory.refresh"
	EventEmergency        = "emergency.raised"
	EventEmergencyCleared = "emergency.cleared"
	EventAgentsStatus     = "agents.status"
	EventSpeechTranscript = "speech.transcript"
	EventSpeechAudio      = "speech.audio"
	EventOverridePending  = "override.pending"
	EventUploadRequested  = "prescription.requested"
)

// Event is an observer notification emitted after a committed change.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier receives events. Implementations must not block the caller for
// long; delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// NopNotifier discards every event.
func NopNotifier() Notifier { return nopNotifier{} }

// Bus fans events out to any number of subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs []Notifier
}

func NewBus(subs ...Notifier) *Bus {
	return &Bus{subs: subs}
}

func (b *Bus) Subscribe(n Notifier) {
	b.mu.Lock()
	b.subs = append(b.subs, n)
	b.mu.Unlock()
}

func (b *Bus) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := make([]Notifier, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.Notify(ctx, event)
	}
}

// Scoped stamps every event with a session ID before forwarding it.
func Scoped(sessionID string, next Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, event Event) {
		if event.SessionID == "" {
			event.SessionID = sessionID
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		next.Notify(ctx, event)
	})
}
