package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/cart"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/emergency"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

type persistedState struct {
	State     State                `json:"state"`
	Pending   *PendingRequest      `json:"pending,omitempty"`
	Interrupt *emergency.Interrupt `json:"interrupt,omitempty"`
	Voice     bool                 `json:"voice"`
}

// Snapshot captures everything needed to rebuild the controller.
func (c *Controller) Snapshot() (*session.Snapshot, error) {
	c.mu.Lock()
	ps := persistedState{State: c.state, Pending: c.pending, Interrupt: c.interrupt, Voice: c.voice}
	state, err := json.Marshal(ps)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	lines, err := json.Marshal(c.ledger.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return &session.Snapshot{
		SessionID:     c.sess.ID,
		Patient:       c.sess.Patient,
		Turns:         c.sess.Transcript.All(),
		Prescriptions: c.sess.Prescriptions.All(),
		State:         state,
		Cart:          lines,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

// persist saves a snapshot when a store is configured. Failures are logged;
// the live conversation keeps going.
func (c *Controller) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	snap, err := c.Snapshot()
	if err == nil {
		err = c.store.Save(ctx, snap)
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to persist session")
	}
}

// Restore rebuilds a controller from a stored snapshot.
func Restore(snap *session.Snapshot, deps Deps) (*Controller, error) {
	sess := &session.Session{
		ID:            snap.SessionID,
		Patient:       snap.Patient,
		Transcript:    session.NewTranscript(),
		Prescriptions: session.NewPrescriptions(),
		CreatedAt:     snap.UpdatedAt,
	}
	sess.Transcript.Restore(snap.Turns)
	sess.Prescriptions.Restore(snap.Prescriptions)

	c := NewController(sess, deps)
	if len(snap.State) > 0 {
		var ps persistedState
		if err := json.Unmarshal(snap.State, &ps); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		// A commit interrupted by a restart is never resumed implicitly.
		if ps.State.Kind == "" || ps.State.Kind == StateCheckingOut {
			ps.State = Idle()
		}
		c.state = ps.State
		c.pending = ps.Pending
		c.interrupt = ps.Interrupt
		c.voice = ps.Voice
	}
	if len(snap.Cart) > 0 {
		var lines []cart.Line
		if err := json.Unmarshal(snap.Cart, &lines); err != nil {
			return nil, fmt.Errorf("decode cart: %w", err)
		}
		c.ledger.Restore(lines)
	}
	return c, nil
}
