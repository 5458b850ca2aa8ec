package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/speech"
)

var ErrPatientRequired = errors.New("patient id or name is required")

// SpeechFactory builds the speech capabilities of one session. notifier is
// already scoped to the session.
type SpeechFactory func(sessionID string, notifier session.Notifier) (speech.SpeechRecognizer, speech.SpeechSynthesizer)

// Registry owns the live controllers of this process and rehydrates
// persisted sessions on first access.
type Registry struct {
	deps   Deps
	speech SpeechFactory

	mu   sync.Mutex
	live map[string]*Controller
}

func NewRegistry(deps Deps, factory SpeechFactory) *Registry {
	if deps.Notifier == nil {
		deps.Notifier = session.NopNotifier()
	}
	return &Registry{deps: deps, speech: factory, live: make(map[string]*Controller)}
}

func (r *Registry) depsFor(sessionID string) Deps {
	d := r.deps
	if r.speech != nil {
		d.Recognizer, d.Synthesizer = r.speech(sessionID, session.Scoped(sessionID, d.Notifier))
	}
	return d
}

// Create starts a new conversation for patient.
func (r *Registry) Create(ctx context.Context, patient session.Patient) (*Controller, error) {
	patient.ID = strings.TrimSpace(patient.ID)
	patient.Name = strings.TrimSpace(patient.Name)
	if patient.ID == "" && patient.Name == "" {
		return nil, ErrPatientRequired
	}
	sess := session.New(patient)
	c := NewController(sess, r.depsFor(sess.ID))

	r.mu.Lock()
	r.live[sess.ID] = c
	r.mu.Unlock()

	c.persist(ctx)
	c.logger.Info().Str("patient_id", patient.ID).Msg("session created")
	return c, nil
}

// Get returns the live controller for id, loading it from the store when
// this process has not seen it yet.
func (r *Registry) Get(ctx context.Context, id string) (*Controller, error) {
	r.mu.Lock()
	c, ok := r.live[id]
	r.mu.Unlock()
	if ok {
		return c, nil
	}
	if r.deps.Store == nil {
		return nil, session.ErrSessionNotFound
	}

	snap, err := r.deps.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err = Restore(snap, r.depsFor(id))
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another request may have restored it first.
	if existing, ok := r.live[id]; ok {
		return existing, nil
	}
	r.live[id] = c
	return c, nil
}

// Close stops speech on every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.live {
		c.StopListening()
		c.synthesizer.Cancel()
	}
}
