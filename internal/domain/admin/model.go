package admin

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLowStockThreshold is used when the caller gives no threshold.
const DefaultLowStockThreshold = 10

type InventoryItem struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Stock int             `json:"stock"`
	Price decimal.Decimal `json:"price"`
}

// Value is the shelf value of the line.
func (i InventoryItem) Value() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Stock)))
}

type LowStockItem struct {
	Name  string `json:"name"`
	Stock int    `json:"stock"`
}

type RefillAlert struct {
	PatientID      string `json:"patient_id"`
	Medicine       string `json:"medicine"`
	ExpectedRunOut string `json:"expected_run_out"`
}

// Dashboard is the one-call summary the admin UI polls.
type Dashboard struct {
	Products     int             `json:"products"`
	OutOfStock   int             `json:"out_of_stock"`
	LowStock     int             `json:"low_stock"`
	RefillAlerts int             `json:"refill_alerts"`
	StockValue   decimal.Decimal `json:"stock_value"`
	GeneratedAt  time.Time       `json:"generated_at"`
}
