package medication

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultMaxSafeDosage applies to any medicine whose catalog entry does not
// carry its own limit.
const DefaultMaxSafeDosage = 10

// Medicine is a catalog product as the ordering engine sees it.
type Medicine struct {
	Name                 string          `json:"name"`
	UnitPrice            decimal.Decimal `json:"price"`
	PrescriptionRequired bool            `json:"prescription_required"`
	MaxSafeDosage        int             `json:"max_safe_dosage,omitempty"`
	Stock                int             `json:"stock"`
	Category             string          `json:"category,omitempty"`
	Description          string          `json:"description,omitempty"`
}

// Limit returns the dosage limit, falling back to fallback (or
// DefaultMaxSafeDosage when fallback is not positive).
func (m Medicine) Limit(fallback int) int {
	if m.MaxSafeDosage > 0 {
		return m.MaxSafeDosage
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxSafeDosage
}

// InStock reports whether at least one unit is available.
func (m Medicine) InStock() bool {
	return m.Stock > 0
}

// Key normalizes a medicine name for lookups and cart line identity.
func Key(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
