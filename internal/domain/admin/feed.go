package admin

import (
	"context"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
)

// AdminAPI is the slice of the responder client the admin views read from.
type AdminAPI interface {
	Inventory(ctx context.Context) ([]responder.InventoryItem, error)
	LowStock(ctx context.Context, threshold int) ([]responder.LowStockItem, error)
	RefillAlerts(ctx context.Context) ([]responder.RefillAlert, error)
}

type responderFeed struct {
	api AdminAPI
}

// NewResponderFeed adapts the responder's admin endpoints to Feed.
func NewResponderFeed(api AdminAPI) Feed {
	return responderFeed{api: api}
}

func (f responderFeed) Inventory(ctx context.Context) ([]InventoryItem, error) {
	items, err := f.api.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InventoryItem, 0, len(items))
	for _, it := range items {
		out = append(out, InventoryItem{ID: string(it.ID), Name: it.Name, Stock: it.Stock, Price: it.Price})
	}
	return out, nil
}

func (f responderFeed) LowStock(ctx context.Context, threshold int) ([]LowStockItem, error) {
	items, err := f.api.LowStock(ctx, threshold)
	if err != nil {
		return nil, err
	}
	out := make([]LowStockItem, 0, len(items))
	for _, it := range items {
		out = append(out, LowStockItem{Name: it.Name, Stock: it.Stock})
	}
	return out, nil
}

func (f responderFeed) RefillAlerts(ctx context.Context) ([]RefillAlert, error) {
	alerts, err := f.api.RefillAlerts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RefillAlert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, RefillAlert{PatientID: a.PatientID, Medicine: a.Medicine, ExpectedRunOut: a.ExpectedRunOut})
	}
	return out, nil
}
