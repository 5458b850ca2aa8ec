// Package safety enforces dosage limits and prescription requirements on
// every (medicine, quantity) pair before it can be committed.
package safety

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

// ReasonPrescriptionRequired is the Blocked reason for an Rx-only medicine
// without a verified prescription on file.
const ReasonPrescriptionRequired = "prescription_required"

// ErrInvalidQuantity is returned by callers for quantities that must never
// reach the gate.
var ErrInvalidQuantity = errors.New("quantity must be a positive whole number")

// Verdict is one of Approved, RequiresOverrideConfirmation or Blocked.
type Verdict interface {
	verdict()
	String() string
}

type Approved struct{}

// RequiresOverrideConfirmation is a soft gate: the quantity may be committed
// only once the user explicitly confirms going above Limit.
type RequiresOverrideConfirmation struct {
	Limit int
}

// Blocked is a hard stop.
type Blocked struct {
	Reason string
}

func (Approved) verdict()                     {}
func (RequiresOverrideConfirmation) verdict() {}
func (Blocked) verdict()                      {}

func (Approved) String() string { return "approved" }
func (v RequiresOverrideConfirmation) String() string {
	return fmt.Sprintf("requires_override_confirmation(limit=%d)", v.Limit)
}
func (v Blocked) String() string { return "blocked(" + v.Reason + ")" }

// PrescriptionLookup reports whether a verified prescription is on file.
type PrescriptionLookup interface {
	Has(medicine string) bool
}

type Gate struct {
	prescriptions PrescriptionLookup
	defaultLimit  int
	logger        zerolog.Logger
}

// NewGate builds a gate for one session. defaultLimit applies to medicines
// without their own max safe dosage.
func NewGate(prescriptions PrescriptionLookup, defaultLimit int, logger zerolog.Logger) *Gate {
	if defaultLimit <= 0 {
		defaultLimit = medication.DefaultMaxSafeDosage
	}
	return &Gate{
		prescriptions: prescriptions,
		defaultLimit:  defaultLimit,
		logger:        logger.With().Str("component", "safety_gate").Logger(),
	}
}

// Evaluate checks quantity units of med for patient. The prescription rule
// wins over the dosage rule; quantity equal to the limit is approved.
func (g *Gate) Evaluate(med medication.Medicine, quantity int, patient session.Patient) Verdict {
	var v Verdict
	switch {
	case med.PrescriptionRequired && (g.prescriptions == nil || !g.prescriptions.Has(med.Name)):
		v = Blocked{Reason: ReasonPrescriptionRequired}
	case quantity > med.Limit(g.defaultLimit):
		v = RequiresOverrideConfirmation{Limit: med.Limit(g.defaultLimit)}
	default:
		v = Approved{}
	}

	g.logger.Debug().
		Str("patient_id", patient.ID).
		Str("medicine", med.Name).
		Int("quantity", quantity).
		Str("verdict", v.String()).
		Msg("safety evaluation")
	return v
}

// Permits reports whether v allows a commit given whether the user has
// confirmed an override.
func Permits(v Verdict, overrideConfirmed bool) bool {
	switch v.(type) {
	case Approved:
		return true
	case RequiresOverrideConfirmation:
		return overrideConfirmed
	default:
		return false
	}
}

// ValidateQuantity rejects quantities that must not reach the gate.
func ValidateQuantity(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	return nil
}

// OverrideWarning is the text shown when a quantity needs confirmation.
func OverrideWarning(medicine string, quantity, limit int) string {
	return fmt.Sprintf("%d units of %s exceeds the maximum safe dosage of %d. Please confirm you want to continue with this quantity.", quantity, medicine, limit)
}
