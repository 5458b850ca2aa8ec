package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnKind tells renderers which card to draw for a turn.
type TurnKind string

const (
	KindText           TurnKind = "text"
	KindError          TurnKind = "error"
	KindStockError     TurnKind = "stock_error"
	KindSafety         TurnKind = "safety"
	KindRecommendation TurnKind = "recommendation"
	KindCheckoutCard   TurnKind = "checkout_card"
	KindCheckoutPrompt TurnKind = "checkout_prompt"
	KindEmergency      TurnKind = "emergency"
	KindSuccess        TurnKind = "success"
)

// Patient is the session-scoped identity. Ordering components only read it.
type Patient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// Recommendation is one selectable product suggested by the responder.
type Recommendation struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name"`
	Reason string          `json:"reason,omitempty"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
}

// Turn is one message of the conversation. Turns are never mutated once
// appended to a Transcript.
type Turn struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Kind      TurnKind  `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`

	Medicine          string            `json:"medicine,omitempty"`
	Quantity          int               `json:"quantity,omitempty"`
	Total             *decimal.Decimal  `json:"total,omitempty"`
	OverdoseConfirmed bool              `json:"overdose_confirmed,omitempty"`
	Recommendations   []Recommendation  `json:"recommendations,omitempty"`
	Options           []string          `json:"options,omitempty"`
	Agents            map[string]string `json:"agents,omitempty"`
	Trace             []string          `json:"trace,omitempty"`
}

func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Kind: KindText, Text: text}
}

func AssistantTurn(kind TurnKind, text string) Turn {
	return Turn{Role: RoleAssistant, Kind: kind, Text: text}
}
