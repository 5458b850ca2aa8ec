package responder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Meta carries the fields every reply variant shares.
type Meta struct {
	Message string
	Agents  map[string]string
	Trace   []string
}

// Reply is the closed set of responder answers. Exactly one concrete type
// below is returned for every decoded payload.
type Reply interface {
	Meta() Meta
	isReply()
}

type Text struct{ meta Meta }

type AskQuantity struct {
	meta     Meta
	Medicine string
}

type PrescriptionRequired struct {
	meta     Meta
	// Medicine may be empty when the backend could not resolve the product.
	Medicine string
}

type Recommendation struct {
	meta  Meta
	Items []RecommendedItem
}

type CheckoutPrompt struct{ meta Meta }

// OrderSuccess is a server-approved order card. Quantity may be lower than
// requested when the backend approved only part of it.
type OrderSuccess struct {
	meta       Meta
	Product    string
	Quantity   int
	TotalPrice decimal.Decimal
}

type StockError struct {
	meta     Meta
	Medicine string
}

// SafetyBlock is a backend safety rejection unrelated to prescriptions.
type SafetyBlock struct{ meta Meta }

type Error struct{ meta Meta }

func (r Text) Meta() Meta                 { return r.meta }
func (r AskQuantity) Meta() Meta          { return r.meta }
func (r PrescriptionRequired) Meta() Meta { return r.meta }
func (r Recommendation) Meta() Meta       { return r.meta }
func (r CheckoutPrompt) Meta() Meta       { return r.meta }
func (r OrderSuccess) Meta() Meta         { return r.meta }
func (r StockError) Meta() Meta           { return r.meta }
func (r SafetyBlock) Meta() Meta          { return r.meta }
func (r Error) Meta() Meta                { return r.meta }

func (Text) isReply()                 {}
func (AskQuantity) isReply()          {}
func (PrescriptionRequired) isReply() {}
func (Recommendation) isReply()       {}
func (CheckoutPrompt) isReply()       {}
func (OrderSuccess) isReply()         {}
func (StockError) isReply()           {}
func (SafetyBlock) isReply()          {}
func (Error) isReply()                {}

// RecommendedItem is one product suggested for a symptom.
type RecommendedItem struct {
	ID     FlexString      `json:"id"`
	Name   string          `json:"name"`
	Reason string          `json:"reason"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
}

// FlexString accepts either a JSON string or a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// wireReply mirrors the JSON body returned by /chat and /chat/quantity.
type wireReply struct {
	Type            string            `json:"type"`
	Message         *string           `json:"message"`
	Reply           *string           `json:"reply"`
	Agents          map[string]string `json:"agents"`
	Recommendations []RecommendedItem `json:"recommendations"`
	Medicine        *string           `json:"medicine"`
	Trace           []string          `json:"trace"`
	Data            *struct {
		Product    string          `json:"product"`
		Quantity   json.Number     `json:"quantity"`
		TotalPrice decimal.Decimal `json:"total_price"`
	} `json:"data"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Decode turns a validated body into its Reply variant. A missing type is a
// plain text reply, or a recommendation when items are present.
func Decode(body []byte) (Reply, error) {
	var w wireReply
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}

	m := Meta{Message: str(w.Message), Agents: w.Agents, Trace: w.Trace}
	if m.Message == "" {
		m.Message = str(w.Reply)
	}

	switch w.Type {
	case "", "text":
		if len(w.Recommendations) > 0 {
			return Recommendation{meta: m, Items: w.Recommendations}, nil
		}
		return Text{meta: m}, nil
	case "recommendation", "recommendations":
		return Recommendation{meta: m, Items: w.Recommendations}, nil
	case "ask_quantity":
		if str(w.Medicine) == "" {
			return nil, fmt.Errorf("%w: ask_quantity without medicine", ErrInvalidReply)
		}
		return AskQuantity{meta: m, Medicine: str(w.Medicine)}, nil
	case "prescription_required":
		return PrescriptionRequired{meta: m, Medicine: str(w.Medicine)}, nil
	case "checkout_prompt":
		return CheckoutPrompt{meta: m}, nil
	case "order_success", "checkout":
		out := OrderSuccess{meta: m, Quantity: 1}
		if w.Data != nil {
			out.Product = w.Data.Product
			out.TotalPrice = w.Data.TotalPrice
			if w.Data.Quantity != "" {
				q, err := strconv.ParseFloat(string(w.Data.Quantity), 64)
				if err != nil {
					return nil, fmt.Errorf("%w: order quantity %q", ErrInvalidReply, w.Data.Quantity)
				}
				out.Quantity = int(q)
			}
		}
		if out.Product == "" {
			out.Product = str(w.Medicine)
		}
		return out, nil
	case "stock_error":
		return StockError{meta: m, Medicine: str(w.Medicine)}, nil
	case "safety_block":
		return SafetyBlock{meta: m}, nil
	case "error":
		return Error{meta: m}, nil
	default:
		return nil, fmt.Errorf("%w: unknown reply type %q", ErrInvalidReply, w.Type)
	}
}
