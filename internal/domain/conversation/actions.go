package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/checkout"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/safety"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

var ErrNoMedicine = errors.New("medicine is required")

const (
	msgCheckoutTransport = "The order could not be placed because the pharmacy could not be reached. Your cart is unchanged, please try again."
	msgEmptyCart         = "Your cart is empty. Add a medicine before checking out."
)

func addedMessage(medicine string, qty int) string {
	return fmt.Sprintf("Successfully added %dx %s to your cart.", qty, medicine)
}

// AddToCart adds a recommended product directly. It is an Idle-scoped
// action: an open quantity or prescription request is superseded first, so
// a follow-up the gate opens never sits beside a stale awaiting state.
func (c *Controller) AddToCart(ctx context.Context, medicine string, qty int) error {
	if strings.TrimSpace(medicine) == "" {
		return ErrNoMedicine
	}
	if err := safety.ValidateQuantity(qty); err != nil {
		return err
	}
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	c.supersede(ctx, "add to cart")
	med := c.lookup(ctx, medicine)
	return c.addGated(ctx, med, qty, false, PendingRequest{Origin: OriginCart})
}

// AddCardToCart adds the server-approved line of a checkout card turn.
func (c *Controller) AddCardToCart(ctx context.Context, turnID uuid.UUID) error {
	turn, ok := c.sess.Transcript.Find(turnID)
	if !ok {
		return ErrTurnNotFound
	}
	if turn.Kind != session.KindCheckoutCard {
		return ErrNotCheckoutCard
	}
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	c.supersede(ctx, "add card to cart")
	med, qty, confirmed := c.cardLine(ctx, turn)
	return c.addGated(ctx, med, qty, confirmed, PendingRequest{Origin: OriginCart, CardTurnID: turn.ID})
}

// cardLine prices a card at the server's total when it carries one.
func (c *Controller) cardLine(ctx context.Context, turn session.Turn) (medication.Medicine, int, bool) {
	med := c.lookup(ctx, turn.Medicine)
	qty := turn.Quantity
	if qty <= 0 {
		qty = 1
	}
	if turn.Total != nil && turn.Total.IsPositive() {
		med.UnitPrice = turn.Total.DivRound(decimal.NewFromInt(int64(qty)), 2)
	}
	return med, qty, turn.OverdoseConfirmed
}

// cartRequest resolves the line a cart-originated pending request refers to.
func (c *Controller) cartRequest(ctx context.Context, p PendingRequest) (medication.Medicine, bool) {
	if p.CardTurnID != uuid.Nil {
		if turn, ok := c.sess.Transcript.Find(p.CardTurnID); ok {
			med, _, confirmed := c.cardLine(ctx, turn)
			return med, confirmed
		}
	}
	return c.lookup(ctx, p.Medicine), false
}

func (c *Controller) RemoveFromCart(ctx context.Context, medicine string) {
	c.ledger.Remove(medicine)
	c.persist(ctx)
}

// ConfirmOverride resolves a pending dosage warning in favour of the
// requested quantity. The resulting line carries overdose_confirmed.
func (c *Controller) ConfirmOverride(ctx context.Context) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	before := c.capture()
	p := before.Pending
	if p == nil || p.Kind != PendingOverride {
		return ErrNoPendingOverride
	}
	c.logger.Info().
		Str("medicine", p.Medicine).
		Int("quantity", p.Quantity).
		Int("limit", p.Limit).
		Msg("dosage override confirmed")

	c.setPending(ctx, nil)
	if p.Origin == OriginQuantity {
		c.sendQuantity(ctx, before, p.Medicine, p.Quantity, true)
		return nil
	}
	med, _ := c.cartRequest(ctx, *p)
	return c.addGated(ctx, med, p.Quantity, true, PendingRequest{Origin: OriginCart, CardTurnID: p.CardTurnID})
}

// DeclineOverride drops a pending dosage warning. A quantity request stays
// open so a smaller amount can be entered.
func (c *Controller) DeclineOverride(ctx context.Context) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	p := c.Pending()
	if p == nil || p.Kind != PendingOverride {
		return ErrNoPendingOverride
	}
	msg := fmt.Sprintf("Okay, %d units of %s were not added.", p.Quantity, p.Medicine)
	if p.Origin == OriginQuantity {
		c.setPending(ctx, &PendingRequest{Kind: PendingQuantity, Origin: OriginChat, Medicine: p.Medicine})
		msg += fmt.Sprintf(" Please enter a quantity of up to %d.", p.Limit)
	} else {
		c.setPending(ctx, nil)
	}
	c.say(ctx, session.KindText, msg)
	return nil
}

// CompletePrescriptionUpload uploads a prescription, records it as verified
// and replays the request that was blocked on it. An empty medicine means
// the one currently awaited.
func (c *Controller) CompletePrescriptionUpload(ctx context.Context, medicine, filename string, content []byte) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	before := c.capture()
	p := before.Pending
	if strings.TrimSpace(medicine) == "" {
		if p == nil || p.Kind != PendingPrescription {
			return ErrNoPendingPrescription
		}
		medicine = p.Medicine
	}

	var blobID string
	if c.archive != nil {
		if blobID, err = c.archive.Store(ctx, c.sess.ID, medicine, filename, content); err != nil {
			return err
		}
	}

	res, err := c.responder.UploadPrescription(ctx, c.userID(), medicine, filename, content)
	if err != nil {
		c.fail(ctx, before, err)
		return nil
	}
	stored := filename
	if res.FilePath != "" {
		stored = res.FilePath
	}
	c.sess.Prescriptions.Record(session.PrescriptionRecord{
		Medicine:   medicine,
		FileName:   stored,
		BlobID:     blobID,
		UploadedAt: time.Now().UTC(),
	})
	c.logger.Info().Str("medicine", medicine).Str("file", stored).Msg("prescription verified")

	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("Prescription for %s uploaded successfully.", medicine)
	}
	c.say(ctx, session.KindText, msg)

	if p == nil || p.Kind != PendingPrescription || medication.Key(p.Medicine) != medication.Key(medicine) {
		return nil
	}
	return c.replay(ctx, *p)
}

// replay re-issues the request that was blocked on a prescription.
func (c *Controller) replay(ctx context.Context, p PendingRequest) error {
	before := c.capture()
	switch p.Origin {
	case OriginQuantity:
		c.transition(ctx, AwaitingQuantity(p.Medicine), &PendingRequest{
			Kind:     PendingQuantity,
			Origin:   OriginQuantity,
			Medicine: p.Medicine,
		})
		c.submitQuantity(ctx, before, p.Medicine, p.Quantity)
		return nil
	case OriginCart:
		c.transition(ctx, Idle(), nil)
		med, confirmed := c.cartRequest(ctx, p)
		qty := p.Quantity
		if qty <= 0 {
			qty = 1
		}
		return c.addGated(ctx, med, qty, confirmed, PendingRequest{Origin: OriginCart, CardTurnID: p.CardTurnID})
	default:
		msg := p.Message
		if msg == "" {
			msg = "I have uploaded my prescription for " + p.Medicine
		}
		c.transition(ctx, Idle(), nil)
		c.chat(ctx, before, msg)
		return nil
	}
}

// AcknowledgeEmergency dismisses the active interrupt. State and pending
// request are left exactly as they were when the interrupt was raised.
func (c *Controller) AcknowledgeEmergency(ctx context.Context) error {
	c.mu.Lock()
	in := c.interrupt
	if in == nil {
		c.mu.Unlock()
		return ErrNoEmergency
	}
	c.interrupt = nil
	c.held = in
	c.mu.Unlock()

	c.logger.Info().Str("keyword", in.Keyword).Msg("emergency acknowledged")
	c.notify(ctx, session.EventEmergencyCleared, in)
	c.persist(ctx)
	return nil
}

// ResumeHeldTurn forwards the turn that raised the last acknowledged
// interrupt, without screening it again.
func (c *Controller) ResumeHeldTurn(ctx context.Context) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	if held == nil {
		return ErrNoHeldTurn
	}
	c.route(ctx, held.Text)
	return nil
}

// Checkout commits the cart directly, from Idle or a checkout prompt.
func (c *Controller) Checkout(ctx context.Context) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	before := c.capture()
	if before.State.Kind != StateIdle && before.State.Kind != StateAwaitingConfirmation {
		return ErrCheckoutUnavailable
	}
	if c.ledger.Len() == 0 {
		return checkout.ErrEmptyCart
	}
	return c.checkout(ctx, before)
}

func (c *Controller) checkout(ctx context.Context, before snapshotState) error {
	lines := c.ledger.Snapshot()
	if len(lines) == 0 {
		c.transition(ctx, Idle(), nil)
		c.say(ctx, session.KindText, msgEmptyCart)
		return checkout.ErrEmptyCart
	}

	c.transition(ctx, State{Kind: StateCheckingOut}, nil)
	res, err := c.coordinator.Commit(ctx, lines, c.sess.Patient)
	if err != nil {
		c.restore(ctx, before)
		if errors.Is(err, checkout.ErrCheckoutInFlight) {
			return err
		}
		c.logger.Warn().Err(err).Msg("checkout failed")
		c.say(ctx, session.KindError, msgCheckoutTransport)
		return nil
	}

	switch res.(type) {
	case checkout.Success:
		c.transition(ctx, Idle(), nil)
	case checkout.Rejected:
		c.restore(ctx, before)
	}
	return nil
}

// Reset clears the transcript, pending request, interrupt and state. The
// cart is left as it is.
func (c *Controller) Reset(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	c.synthesizer.Cancel()
	c.mu.Lock()
	c.state = Idle()
	c.pending = nil
	c.interrupt = nil
	c.held = nil
	c.mu.Unlock()
	c.sess.Transcript.Clear()

	c.logger.Info().Msg("session reset")
	c.notify(ctx, session.EventStateChanged, c.View())
	c.persist(ctx)
	return nil
}
