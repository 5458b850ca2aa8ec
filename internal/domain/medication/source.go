package medication

import (
	"context"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
)

// ProductAPI is the responder's product listing.
type ProductAPI interface {
	Products(ctx context.Context) ([]responder.Product, error)
}

type responderSource struct {
	api ProductAPI
}

// NewResponderSource adapts the responder product feed to ProductSource. The
// feed carries no dosage limits; CachedCatalog keeps the seeded ones.
func NewResponderSource(api ProductAPI) ProductSource {
	return responderSource{api: api}
}

func (s responderSource) Products(ctx context.Context) ([]Medicine, error) {
	products, err := s.api.Products(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Medicine, 0, len(products))
	for _, p := range products {
		if Key(p.Name) == "" {
			continue
		}
		out = append(out, Medicine{
			Name:                 p.Name,
			UnitPrice:            p.Price,
			PrescriptionRequired: p.PrescriptionRequired,
			Stock:                p.Stock,
			Category:             p.Category,
			Description:          p.Description,
		})
	}
	return out, nil
}
