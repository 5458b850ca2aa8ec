package conversation

import (
	"strings"

	"github.com/google/uuid"
)

type StateKind string

const (
	StateIdle                 StateKind = "idle"
	StateAwaitingQuantity     StateKind = "awaiting_quantity"
	StateAwaitingPrescription StateKind = "awaiting_prescription"
	StateAwaitingConfirmation StateKind = "awaiting_confirmation"
	StateCheckingOut          StateKind = "checking_out"
)

// State is the controller's position in the ordering flow. Medicine is set
// for the two awaiting states that are scoped to one product.
type State struct {
	Kind     StateKind `json:"kind"`
	Medicine string    `json:"medicine,omitempty"`
}

func Idle() State { return State{Kind: StateIdle} }

func AwaitingQuantity(medicine string) State {
	return State{Kind: StateAwaitingQuantity, Medicine: medicine}
}

func AwaitingPrescription(medicine string) State {
	return State{Kind: StateAwaitingPrescription, Medicine: medicine}
}

func AwaitingConfirmation() State { return State{Kind: StateAwaitingConfirmation} }

func (s State) String() string {
	if s.Medicine == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + "(" + s.Medicine + ")"
}

type PendingKind string

const (
	PendingQuantity     PendingKind = "quantity"
	PendingPrescription PendingKind = "prescription"
	PendingOverride     PendingKind = "override"
)

// Origin records which action produced a pending request so it can be
// replayed the same way once resolved.
type Origin string

const (
	OriginChat     Origin = "chat"
	OriginQuantity Origin = "quantity"
	OriginCart     Origin = "cart"
)

// PendingRequest is the single outstanding follow-up that blocks normal
// topic flow.
type PendingRequest struct {
	Kind     PendingKind `json:"kind"`
	Origin   Origin      `json:"origin,omitempty"`
	Medicine string      `json:"medicine"`
	Quantity int         `json:"quantity,omitempty"`
	Limit    int         `json:"limit,omitempty"`

	// Message is the user text to resend when a chat request is replayed.
	Message string `json:"message,omitempty"`

	// CardTurnID is set when the request came from a checkout card.
	CardTurnID uuid.UUID `json:"card_turn_id"`
}

// Option is the user's answer to a checkout prompt.
type Option int

const (
	OptionNone Option = iota
	OptionProceed
	OptionModify
	OptionCancel
)

var optionWords = map[string]Option{
	"option a": OptionProceed,
	"a":        OptionProceed,
	"proceed":  OptionProceed,
	"yes":      OptionProceed,
	"option b": OptionModify,
	"b":        OptionModify,
	"modify":   OptionModify,
	"change":   OptionModify,
	"option c": OptionCancel,
	"c":        OptionCancel,
	"cancel":   OptionCancel,
	"no":       OptionCancel,
}

// ParseOption maps a free-form answer to an Option. Anything unrecognised is
// OptionNone and supersedes the prompt.
func ParseOption(text string) Option {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))
	t = strings.TrimRight(t, ".!")
	return optionWords[t]
}
