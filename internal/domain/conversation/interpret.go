package conversation

import (
	"context"
	"fmt"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
)

const (
	msgUnexpected = "Something went wrong while processing your request. Please try again."
	msgNoProduct  = "This medicine requires a valid prescription, but the product could not be identified. Please tell me which medicine you need."
)

var checkoutOptions = []string{
	"Option A: Proceed to checkout",
	"Option B: Modify order",
	"Option C: Cancel",
}

// origin describes the request a reply answers.
type origin struct {
	kind      Origin
	message   string
	medicine  string
	quantity  int
	confirmed bool
}

// interpret is the one place where responder replies turn into state
// transitions and transcript entries.
func (c *Controller) interpret(ctx context.Context, reply responder.Reply, o origin) {
	meta := reply.Meta()
	if len(meta.Agents) > 0 {
		c.notify(ctx, session.EventAgentsStatus, meta.Agents)
	}

	turn := session.AssistantTurn(session.KindText, meta.Message)
	turn.Agents = meta.Agents
	turn.Trace = meta.Trace

	switch r := reply.(type) {
	case responder.Text:
		c.transition(ctx, Idle(), nil)

	case responder.AskQuantity:
		c.transition(ctx, AwaitingQuantity(r.Medicine), &PendingRequest{
			Kind:     PendingQuantity,
			Origin:   o.kind,
			Medicine: r.Medicine,
			Message:  o.message,
		})
		turn.Medicine = r.Medicine
		if turn.Text == "" {
			turn.Text = quantityPrompt(r.Medicine)
		}

	case responder.PrescriptionRequired:
		if r.Medicine == "" {
			c.transition(ctx, Idle(), nil)
			turn.Kind = session.KindSafety
			if turn.Text == "" {
				turn.Text = msgNoProduct
			}
			break
		}
		p := &PendingRequest{
			Kind:     PendingPrescription,
			Origin:   o.kind,
			Medicine: r.Medicine,
			Quantity: o.quantity,
			Message:  o.message,
		}
		c.transition(ctx, AwaitingPrescription(r.Medicine), p)
		turn.Kind = session.KindSafety
		turn.Medicine = r.Medicine
		if turn.Text == "" {
			turn.Text = prescriptionPrompt(r.Medicine)
		}
		c.appendTurn(ctx, turn)
		c.notify(ctx, session.EventUploadRequested, p)
		return

	case responder.Recommendation:
		c.transition(ctx, Idle(), nil)
		turn.Kind = session.KindRecommendation
		for _, item := range r.Items {
			turn.Recommendations = append(turn.Recommendations, session.Recommendation{
				ID:     string(item.ID),
				Name:   item.Name,
				Reason: item.Reason,
				Price:  item.Price,
				Stock:  item.Stock,
			})
		}

	case responder.CheckoutPrompt:
		c.transition(ctx, AwaitingConfirmation(), nil)
		turn.Kind = session.KindCheckoutPrompt
		turn.Options = checkoutOptions

	case responder.OrderSuccess:
		// The server is authoritative for this path: the card carries its
		// approved quantity and total and the ledger is not touched here.
		c.transition(ctx, Idle(), nil)
		turn.Kind = session.KindCheckoutCard
		turn.Medicine = r.Product
		turn.Quantity = r.Quantity
		total := r.TotalPrice
		turn.Total = &total
		turn.OverdoseConfirmed = o.confirmed && medication.Key(o.medicine) == medication.Key(r.Product)
		if turn.Text == "" {
			turn.Text = fmt.Sprintf("%s x%d approved.", r.Product, r.Quantity)
		}

	case responder.StockError:
		c.transition(ctx, Idle(), nil)
		turn.Kind = session.KindStockError
		turn.Medicine = r.Medicine

	case responder.SafetyBlock:
		c.transition(ctx, Idle(), nil)
		turn.Kind = session.KindSafety

	case responder.Error:
		c.transition(ctx, Idle(), nil)
		turn.Kind = session.KindError

	default:
		c.logger.Error().Str("reply", fmt.Sprintf("%T", reply)).Msg("unhandled reply variant")
		c.transition(ctx, Idle(), nil)
		turn.Kind = session.KindError
		turn.Text = msgUnexpected
	}

	if turn.Text == "" && turn.Kind == session.KindError {
		turn.Text = msgUnexpected
	}
	c.appendTurn(ctx, turn)
}
