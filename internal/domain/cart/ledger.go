// Package cart holds the local, optimistic mirror of one pending order.
// Only a checkout commit is financially authoritative.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

var (
	ErrInvalidQuantity  = errors.New("cart quantity must be positive")
	ErrOverrideRequired = errors.New("quantity exceeds the safe dosage limit without a confirmed override")
)

// Line is one merged entry of the pending order.
type Line struct {
	Medicine             string          `json:"medicine"`
	Quantity             int             `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	PrescriptionRequired bool            `json:"prescription_required"`
	OverdoseConfirmed    bool            `json:"overdose_confirmed"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Ledger owns the cart lines of one session. Adding a medicine that is
// already present merges into the existing line.
type Ledger struct {
	mu           sync.RWMutex
	lines        []Line
	notifier     session.Notifier
	defaultLimit int
}

// NewLedger creates an empty ledger. defaultLimit is the dosage limit for
// medicines without their own; the ledger refuses to cross it silently.
func NewLedger(notifier session.Notifier, defaultLimit int) *Ledger {
	if notifier == nil {
		notifier = session.NopNotifier()
	}
	return &Ledger{notifier: notifier, defaultLimit: defaultLimit}
}

func (l *Ledger) index(name string) int {
	k := medication.Key(name)
	for i, line := range l.lines {
		if medication.Key(line.Medicine) == k {
			return i
		}
	}
	return -1
}

// Add merges quantity units of med into the cart: an existing line gets
// quantity added and its override flag OR-ed with overdoseConfirmed. A
// merge that would leave an unconfirmed line above the dosage limit is
// refused with ErrOverrideRequired and the cart is left unchanged; the
// sum rule holds for every merge that stays within the limit or carries a
// confirmation.
func (l *Ledger) Add(med medication.Medicine, quantity int, overdoseConfirmed bool) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}

	l.mu.Lock()
	i := l.index(med.Name)
	merged := Line{
		Medicine:             med.Name,
		Quantity:             quantity,
		UnitPrice:            med.UnitPrice,
		PrescriptionRequired: med.PrescriptionRequired,
		OverdoseConfirmed:    overdoseConfirmed,
	}
	if i >= 0 {
		existing := l.lines[i]
		merged = existing
		merged.Quantity += quantity
		merged.OverdoseConfirmed = existing.OverdoseConfirmed || overdoseConfirmed
		merged.PrescriptionRequired = existing.PrescriptionRequired || med.PrescriptionRequired
	}
	if merged.Quantity > med.Limit(l.defaultLimit) && !merged.OverdoseConfirmed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s x%d (limit %d)", ErrOverrideRequired, med.Name, merged.Quantity, med.Limit(l.defaultLimit))
	}
	if i >= 0 {
		l.lines[i] = merged
	} else {
		l.lines = append(l.lines, merged)
	}
	l.mu.Unlock()

	l.changed("add", merged.Medicine)
	return nil
}

// Remove deletes the whole line for medicine. Removing an absent medicine
// is a no-op.
func (l *Ledger) Remove(medicine string) {
	l.mu.Lock()
	i := l.index(medicine)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	name := l.lines[i].Medicine
	l.lines = append(l.lines[:i], l.lines[i+1:]...)
	l.mu.Unlock()

	l.changed("remove", name)
}

// Total is the exact sum of unit price times quantity. Rounding happens only
// at display time.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, line := range l.lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// Snapshot returns a copy of the lines in insertion order.
func (l *Ledger) Snapshot() []Line {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Line, len(l.lines))
	copy(out, l.lines)
	return out
}

func (l *Ledger) Quantity(medicine string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.index(medicine); i >= 0 {
		return l.lines[i].Quantity
	}
	return 0
}

// Line returns the line for medicine, if present.
func (l *Ledger) Line(medicine string) (Line, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.index(medicine); i >= 0 {
		return l.lines[i], true
	}
	return Line{}, false
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lines)
}

// Clear empties the cart. It is reserved for a successful checkout.
func (l *Ledger) Clear() {
	l.mu.Lock()
	if len(l.lines) == 0 {
		l.mu.Unlock()
		return
	}
	l.lines = nil
	l.mu.Unlock()

	l.changed("clear", "")
}

// Restore replaces the lines with a persisted snapshot without emitting a
// change event.
func (l *Ledger) Restore(lines []Line) {
	cp := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.Quantity > 0 && line.Medicine != "" {
			cp = append(cp, line)
		}
	}
	l.mu.Lock()
	l.lines = cp
	l.mu.Unlock()
}

// CartChange is the payload of a cart.changed event.
type CartChange struct {
	Action   string `json:"action"`
	Medicine string `json:"medicine,omitempty"`
	Lines    []Line `json:"lines"`
	Total    string `json:"total"`
}

func (l *Ledger) changed(action, medicine string) {
	l.notifier.Notify(context.Background(), session.Event{
		Type: session.EventCartChanged,
		Data: CartChange{
			Action:   action,
			Medicine: medicine,
			Lines:    l.Snapshot(),
			Total:    FormatMoney(l.Total()),
		},
	})
}

// FormatMoney renders an amount for display, rounded to cents.
func FormatMoney(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
