// Package checkout commits a cart snapshot to the order endpoint and
// reconciles the outcome with the cart and the transcript.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/cart"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
)

var (
	ErrCheckoutInFlight = errors.New("a checkout is already in progress")
	ErrEmptyCart        = errors.New("cart is empty")
)

// SuccessMessage is appended to the transcript after a committed order.
const SuccessMessage = "Your order has been placed successfully! The pharmacy team will prepare it shortly."

// Result is either Success or Rejected.
type Result interface {
	isResult()
}

type Success struct {
	OrderID      string
	TotalCharged decimal.Decimal
}

// Rejected carries the server's reason verbatim.
type Rejected struct {
	Reason string
}

func (Success) isResult()  {}
func (Rejected) isResult() {}

// Committer is the order endpoint.
type Committer interface {
	FinalizeCheckout(ctx context.Context, patientID string, items []responder.CheckoutItem) (*responder.CheckoutReply, error)
}

type Coordinator struct {
	committer  Committer
	ledger     *cart.Ledger
	transcript *session.Transcript
	notifier   session.Notifier
	logger     zerolog.Logger

	inFlight atomic.Bool
}

func NewCoordinator(committer Committer, ledger *cart.Ledger, transcript *session.Transcript, notifier session.Notifier, logger zerolog.Logger) *Coordinator {
	if notifier == nil {
		notifier = session.NopNotifier()
	}
	return &Coordinator{
		committer:  committer,
		ledger:     ledger,
		transcript: transcript,
		notifier:   notifier,
		logger:     logger.With().Str("component", "checkout").Logger(),
	}
}

// InFlight reports whether a commit is pending.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// Commit sends lines to the order endpoint once. On Success the ledger is
// cleared, a success turn appended and one inventory refresh emitted. On
// Rejected the ledger is left untouched and the reason appended as an error
// turn. A transport error changes nothing and is returned to the caller.
// Commit never retries.
func (c *Coordinator) Commit(ctx context.Context, lines []cart.Line, patient session.Patient) (Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCheckoutInFlight
	}
	defer c.inFlight.Store(false)

	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	items := make([]responder.CheckoutItem, 0, len(lines))
	localTotal := decimal.Zero
	for _, l := range lines {
		items = append(items, responder.CheckoutItem{
			Name:              l.Medicine,
			Quantity:          l.Quantity,
			ConfirmedOverdose: l.OverdoseConfirmed,
		})
		localTotal = localTotal.Add(l.Subtotal())
	}

	reply, err := c.committer.FinalizeCheckout(ctx, patientID(patient), items)
	if err != nil {
		c.logger.Warn().Err(err).Str("patient_id", patient.ID).Msg("checkout commit failed")
		return nil, fmt.Errorf("finalize checkout: %w", err)
	}

	if !reply.Accepted {
		c.logger.Info().
			Str("patient_id", patient.ID).
			Int("http_status", reply.HTTPStatus).
			Str("reason", reply.Detail).
			Msg("checkout rejected")
		turn := c.transcript.Append(session.AssistantTurn(session.KindError, reply.Detail))
		c.notifier.Notify(ctx, session.Event{Type: session.EventTurnAppended, Data: turn})
		return Rejected{Reason: reply.Detail}, nil
	}

	total := localTotal
	if reply.Total != nil {
		total = *reply.Total
	}
	c.ledger.Clear()

	turn := session.AssistantTurn(session.KindSuccess, SuccessMessage)
	turn.Total = &total
	turn = c.transcript.Append(turn)
	c.notifier.Notify(ctx, session.Event{Type: session.EventTurnAppended, Data: turn})
	c.notifier.Notify(ctx, session.Event{
		Type: session.EventInventoryRefresh,
		Data: map[string]string{"order_id": reply.OrderID},
	})

	c.logger.Info().
		Str("patient_id", patient.ID).
		Str("order_id", reply.OrderID).
		Str("total", total.StringFixed(2)).
		Int("lines", len(lines)).
		Msg("checkout committed")
	return Success{OrderID: reply.OrderID, TotalCharged: total}, nil
}

// patientID is the identity the backend keys orders on.
func patientID(p session.Patient) string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}
