// Package conversation drives one ordering conversation: it routes user
// turns through emergency screening, the safety gate and the responder, and
// keeps the state machine, pending request, cart and transcript consistent.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/cart"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/checkout"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/emergency"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/safety"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/speech"
)

var (
	ErrBusy                  = errors.New("a turn is already being processed")
	ErrEmergencyActive       = errors.New("an emergency alert must be acknowledged first")
	ErrEmptyTurn             = errors.New("turn text is empty")
	ErrNoPendingOverride     = errors.New("no dosage override is pending")
	ErrNoPendingPrescription = errors.New("no prescription upload is pending")
	ErrNoEmergency           = errors.New("no emergency alert is active")
	ErrNoHeldTurn            = errors.New("no held turn to resume")
	ErrTurnNotFound          = errors.New("turn not found")
	ErrNotCheckoutCard       = errors.New("turn is not a checkout card")
	ErrCheckoutUnavailable   = errors.New("checkout is not available in the current state")
	ErrAudioUnsupported      = errors.New("speech recognizer does not accept audio")
)

// Responder is the backend the controller talks to.
type Responder interface {
	Chat(ctx context.Context, userID, message string) (responder.Reply, error)
	Quantity(ctx context.Context, userID, medicine string, quantity int) (responder.Reply, error)
	UploadPrescription(ctx context.Context, userID, medicine, filename string, content []byte) (*responder.UploadResult, error)
	checkout.Committer
}

// PrescriptionArchive validates and keeps a local copy of an uploaded
// prescription, returning its blob ID.
type PrescriptionArchive interface {
	Store(ctx context.Context, sessionID, medicine, filename string, content []byte) (string, error)
}

// Deps are the collaborators shared by every controller. Nil optional
// fields fall back to in-memory or no-op implementations.
type Deps struct {
	Responder    Responder
	Catalog      medication.Catalog
	Detector     *emergency.Detector
	Restricted   *safety.RestrictedList
	Archive      PrescriptionArchive
	Store        session.Store
	Recognizer   speech.SpeechRecognizer
	Synthesizer  speech.SpeechSynthesizer
	Notifier     session.Notifier
	DefaultLimit int
	Logger       zerolog.Logger
}

type Controller struct {
	sess        *session.Session
	responder   Responder
	catalog     medication.Catalog
	gate        *safety.Gate
	ledger      *cart.Ledger
	coordinator *checkout.Coordinator
	detector    *emergency.Detector
	restricted  *safety.RestrictedList
	archive     PrescriptionArchive
	store       session.Store
	recognizer  speech.SpeechRecognizer
	synthesizer speech.SpeechSynthesizer
	notifier    session.Notifier
	logger      zerolog.Logger

	busy atomic.Bool

	mu        sync.Mutex
	state     State
	pending   *PendingRequest
	interrupt *emergency.Interrupt
	held      *emergency.Interrupt
	voice     bool
	listening bool
}

// NewController wires a controller for sess.
func NewController(sess *session.Session, deps Deps) *Controller {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = session.NopNotifier()
	}
	notifier = session.Scoped(sess.ID, notifier)
	if deps.Catalog == nil {
		deps.Catalog = medication.NewMemoryCatalog()
	}
	if deps.Detector == nil {
		deps.Detector = emergency.NewDetector()
	}
	if deps.Restricted == nil {
		deps.Restricted = safety.NewRestrictedList()
	}
	if deps.Recognizer == nil {
		deps.Recognizer = speech.NoopRecognizer{}
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = speech.NoopSynthesizer{}
	}
	logger := deps.Logger.With().
		Str("component", "conversation").
		Str("session_id", sess.ID).
		Logger()

	ledger := cart.NewLedger(notifier, deps.DefaultLimit)
	return &Controller{
		sess:        sess,
		responder:   deps.Responder,
		catalog:     deps.Catalog,
		gate:        safety.NewGate(sess.Prescriptions, deps.DefaultLimit, deps.Logger),
		ledger:      ledger,
		coordinator: checkout.NewCoordinator(deps.Responder, ledger, sess.Transcript, notifier, deps.Logger),
		detector:    deps.Detector,
		restricted:  deps.Restricted,
		archive:     deps.Archive,
		store:       deps.Store,
		recognizer:  deps.Recognizer,
		synthesizer: deps.Synthesizer,
		notifier:    notifier,
		logger:      logger,
		state:       Idle(),
	}
}

func (c *Controller) Session() *session.Session { return c.sess }
func (c *Controller) Ledger() *cart.Ledger      { return c.ledger }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns a copy of the outstanding follow-up, or nil.
func (c *Controller) Pending() *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	p := *c.pending
	return &p
}

// Thinking reports whether a responder round-trip is in flight. Input is
// not accepted while it is true.
func (c *Controller) Thinking() bool {
	return c.busy.Load()
}

// Interrupt returns the active emergency interrupt, or nil.
func (c *Controller) Interrupt() *emergency.Interrupt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupt == nil {
		return nil
	}
	i := *c.interrupt
	return &i
}

// begin claims the controller for one action. The returned func releases
// it and persists the session.
func (c *Controller) begin(ctx context.Context) (func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	if c.Interrupt() != nil {
		c.busy.Store(false)
		return nil, ErrEmergencyActive
	}
	c.notify(ctx, session.EventThinking, true)
	return func() {
		bg := context.WithoutCancel(ctx)
		c.busy.Store(false)
		c.notify(bg, session.EventThinking, false)
		c.persist(bg)
	}, nil
}

type snapshotState struct {
	State   State
	Pending *PendingRequest
}

func (c *Controller) capture() snapshotState {
	return snapshotState{State: c.State(), Pending: c.Pending()}
}

// restore puts the machine back where it was before a failed call.
func (c *Controller) restore(ctx context.Context, s snapshotState) {
	c.transition(ctx, s.State, s.Pending)
}

// transition commits a new state and pending request and emits one
// state.changed event.
func (c *Controller) transition(ctx context.Context, to State, pending *PendingRequest) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.pending = pending
	c.mu.Unlock()

	if from != to {
		c.logger.Info().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("state transition")
	}
	c.notify(ctx, session.EventStateChanged, c.View())
}

// setPending replaces the pending request without moving the state.
func (c *Controller) setPending(ctx context.Context, pending *PendingRequest) {
	c.transition(ctx, c.State(), pending)
}

func (c *Controller) notify(ctx context.Context, eventType string, data interface{}) {
	c.notifier.Notify(ctx, session.Event{Type: eventType, Data: data})
}

// appendTurn records turn, announces it and speaks assistant text when
// voice output is on.
func (c *Controller) appendTurn(ctx context.Context, turn session.Turn) session.Turn {
	turn = c.sess.Transcript.Append(turn)
	c.notify(ctx, session.EventTurnAppended, turn)
	if turn.Role == session.RoleAssistant {
		c.speak(turn.Text)
	}
	return turn
}

func (c *Controller) say(ctx context.Context, kind session.TurnKind, text string) session.Turn {
	return c.appendTurn(ctx, session.AssistantTurn(kind, text))
}

func (c *Controller) userID() string {
	if c.sess.Patient.ID != "" {
		return c.sess.Patient.ID
	}
	return c.sess.Patient.Name
}

// lookup resolves a medicine in the catalog. Unknown names still get a
// default entry so the dosage gate applies.
func (c *Controller) lookup(ctx context.Context, name string) medication.Medicine {
	med, err := c.catalog.Lookup(ctx, name)
	if err != nil {
		c.logger.Debug().Err(err).Str("medicine", name).Msg("medicine not in catalog; using defaults")
		return medication.Medicine{Name: name}
	}
	return med
}

// View is the read model published with state.changed and returned by the
// HTTP shell.
type View struct {
	SessionID string               `json:"session_id"`
	Patient   session.Patient      `json:"patient"`
	State     State                `json:"state"`
	Pending   *PendingRequest      `json:"pending,omitempty"`
	Interrupt *emergency.Interrupt `json:"interrupt,omitempty"`
	Thinking  bool                 `json:"thinking"`
	Voice     bool                 `json:"voice"`
	Cart      []cart.Line          `json:"cart"`
	Total     string               `json:"total"`
}

func (c *Controller) View() View {
	c.mu.Lock()
	v := View{
		SessionID: c.sess.ID,
		Patient:   c.sess.Patient,
		State:     c.state,
		Voice:     c.voice,
	}
	if c.pending != nil {
		p := *c.pending
		v.Pending = &p
	}
	if c.interrupt != nil {
		i := *c.interrupt
		v.Interrupt = &i
	}
	c.mu.Unlock()

	v.Thinking = c.busy.Load()
	v.Cart = c.ledger.Snapshot()
	v.Total = cart.FormatMoney(c.ledger.Total())
	return v
}

func quantityPrompt(medicine string) string {
	return fmt.Sprintf("How many units of %s would you like?", medicine)
}
