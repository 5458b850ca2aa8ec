package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/emergency"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/safety"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
)

const (
	msgTransport       = "Unable to reach the pharmacy assistant. Please check your connection and try again."
	msgInvalidReply    = "The pharmacy assistant sent a response that could not be understood. Please try again."
	msgInvalidQuantity = "Please enter the quantity as a whole number greater than zero."
	msgModify          = "Okay, please let me know what medicine or alternative you would like to order instead."
	msgCancel          = "Checkout cancelled. Your cart has been kept."
)

// HandleTurn is the single entry point for user text. Failures talking to
// the responder become visible assistant turns and leave the state as it
// was before the turn; only precondition violations are returned.
func (c *Controller) HandleTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTurn
	}
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	c.mu.Lock()
	c.held = nil
	c.mu.Unlock()

	turn := c.appendTurn(ctx, session.UserTurn(text))

	if keyword, hit := c.detector.Scan(text); hit {
		c.raiseEmergency(ctx, keyword, turn)
		return nil
	}

	c.route(ctx, text)
	return nil
}

// route opens the prescription flow locally when text names a restricted
// drug that has no prescription on file, and processes it otherwise. The
// text is kept on the pending request and sent to chat after the upload.
func (c *Controller) route(ctx context.Context, text string) {
	if drug, hit := c.restricted.Match(text); hit && !c.sess.Prescriptions.Has(drug) {
		c.logger.Info().
			Str("drug", drug).
			Str("state", c.State().String()).
			Msg("restricted drug requested; prescription required before chat")
		c.requestPrescription(ctx, &PendingRequest{
			Kind:     PendingPrescription,
			Origin:   OriginChat,
			Medicine: drug,
			Message:  text,
		})
		return
	}
	c.process(ctx, text)
}

// supersede drops an open follow-up and returns the machine to Idle.
func (c *Controller) supersede(ctx context.Context, by string) {
	if c.State().Kind == StateIdle && c.Pending() == nil {
		return
	}
	c.logger.Debug().
		Str("state", c.State().String()).
		Str("by", by).
		Msg("pending request superseded")
	c.transition(ctx, Idle(), nil)
}

func (c *Controller) raiseEmergency(ctx context.Context, keyword string, turn session.Turn) {
	in := emergency.NewInterrupt(keyword, turn.ID, turn.Text)
	c.mu.Lock()
	c.interrupt = &in
	c.mu.Unlock()

	c.logger.Warn().
		Str("keyword", keyword).
		Str("state", c.State().String()).
		Msg("emergency keyword detected; turn held")
	c.say(ctx, session.KindEmergency, emergency.Advice)
	c.notify(ctx, session.EventEmergency, in)
}

// process routes one already-screened user turn according to the current
// state.
func (c *Controller) process(ctx context.Context, text string) {
	before := c.capture()

	switch before.State.Kind {
	case StateAwaitingQuantity:
		qty, numeric, err := parseQuantity(text)
		if numeric {
			if err != nil {
				c.say(ctx, session.KindError, msgInvalidQuantity)
				return
			}
			c.submitQuantity(ctx, before, before.State.Medicine, qty)
			return
		}

	case StateAwaitingConfirmation:
		switch ParseOption(text) {
		case OptionProceed:
			c.checkout(ctx, before)
			return
		case OptionModify:
			c.transition(ctx, Idle(), nil)
			c.say(ctx, session.KindText, msgModify)
			return
		case OptionCancel:
			c.transition(ctx, Idle(), nil)
			c.say(ctx, session.KindText, msgCancel)
			return
		}
	}

	// Anything else supersedes whatever was pending.
	c.supersede(ctx, "new topic")
	c.chat(ctx, before, text)
}

func (c *Controller) chat(ctx context.Context, before snapshotState, text string) {
	reply, err := c.responder.Chat(ctx, c.userID(), text)
	if err != nil {
		c.fail(ctx, before, err)
		return
	}
	c.interpret(ctx, reply, origin{kind: OriginChat, message: text})
}

// submitQuantity gates qty units of medicine and, when permitted, continues
// the pending quantity request on the responder.
func (c *Controller) submitQuantity(ctx context.Context, before snapshotState, medicine string, qty int) {
	med := c.lookup(ctx, medicine)
	switch v := c.gate.Evaluate(med, qty, c.sess.Patient).(type) {
	case safety.Blocked:
		c.requestPrescription(ctx, &PendingRequest{
			Kind:     PendingPrescription,
			Origin:   OriginQuantity,
			Medicine: med.Name,
			Quantity: qty,
		})
	case safety.RequiresOverrideConfirmation:
		c.requestOverride(ctx, &PendingRequest{
			Kind:     PendingOverride,
			Origin:   OriginQuantity,
			Medicine: med.Name,
			Quantity: qty,
			Limit:    v.Limit,
		})
	case safety.Approved:
		c.sendQuantity(ctx, before, med.Name, qty, false)
	}
}

func (c *Controller) sendQuantity(ctx context.Context, before snapshotState, medicine string, qty int, confirmed bool) {
	reply, err := c.responder.Quantity(ctx, c.userID(), medicine, qty)
	if err != nil {
		c.fail(ctx, before, err)
		return
	}
	c.interpret(ctx, reply, origin{kind: OriginQuantity, medicine: medicine, quantity: qty, confirmed: confirmed})
}

func (c *Controller) requestPrescription(ctx context.Context, p *PendingRequest) {
	c.transition(ctx, AwaitingPrescription(p.Medicine), p)
	c.say(ctx, session.KindSafety, prescriptionPrompt(p.Medicine))
	c.notify(ctx, session.EventUploadRequested, p)
}

func (c *Controller) requestOverride(ctx context.Context, p *PendingRequest) {
	c.setPending(ctx, p)
	turn := session.AssistantTurn(session.KindSafety, safety.OverrideWarning(p.Medicine, p.Quantity, p.Limit))
	turn.Medicine = p.Medicine
	turn.Quantity = p.Quantity
	turn.Options = []string{"Confirm", "Cancel"}
	c.appendTurn(ctx, turn)
	c.notify(ctx, session.EventOverridePending, p)
}

// fail surfaces a responder failure and rolls the state back.
func (c *Controller) fail(ctx context.Context, before snapshotState, err error) {
	c.restore(ctx, before)
	msg := msgTransport
	if errors.Is(err, responder.ErrInvalidReply) {
		msg = msgInvalidReply
	}
	c.logger.Warn().Err(err).Str("state", before.State.String()).Msg("responder call failed")
	c.say(ctx, session.KindError, msg)
}

func prescriptionPrompt(medicine string) string {
	return medicine + " requires a valid prescription. Please upload your prescription to continue."
}

// addGated gates the merged cart quantity and either adds the line or opens
// the prescription or override follow-up. p carries the origin to replay.
func (c *Controller) addGated(ctx context.Context, med medication.Medicine, qty int, confirmed bool, p PendingRequest) error {
	merged := c.ledger.Quantity(med.Name) + qty
	switch v := c.gate.Evaluate(med, merged, c.sess.Patient).(type) {
	case safety.Blocked:
		p.Kind = PendingPrescription
		p.Medicine = med.Name
		p.Quantity = qty
		c.requestPrescription(ctx, &p)
		return nil
	case safety.RequiresOverrideConfirmation:
		if !confirmed {
			p.Kind = PendingOverride
			p.Medicine = med.Name
			p.Quantity = qty
			p.Limit = v.Limit
			c.requestOverride(ctx, &p)
			return nil
		}
	}

	if err := c.ledger.Add(med, qty, confirmed); err != nil {
		return err
	}
	c.logger.Info().
		Str("medicine", med.Name).
		Int("quantity", qty).
		Bool("overdose_confirmed", confirmed).
		Msg("added to cart")
	c.say(ctx, session.KindText, addedMessage(med.Name, qty))
	return nil
}
