package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

// Feed is the upstream source of the admin views.
type Feed interface {
	Inventory(ctx context.Context) ([]InventoryItem, error)
	LowStock(ctx context.Context, threshold int) ([]LowStockItem, error)
	RefillAlerts(ctx context.Context) ([]RefillAlert, error)
}

// Service serves the admin views. The inventory list is cached for ttl and
// dropped as soon as a checkout publishes an inventory refresh.
type Service struct {
	feed   Feed
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	inventory []InventoryItem
	fetchedAt time.Time
}

func NewService(feed Feed, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		feed:   feed,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "admin").Logger(),
	}
}

func (s *Service) Inventory(ctx context.Context) ([]InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inventory != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		return s.inventory, nil
	}
	items, err := s.feed.Inventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch inventory: %w", err)
	}
	if items == nil {
		items = []InventoryItem{}
	}
	s.inventory = items
	s.fetchedAt = s.now()
	return items, nil
}

func (s *Service) LowStock(ctx context.Context, threshold int) ([]LowStockItem, error) {
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	items, err := s.feed.LowStock(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("fetch low stock: %w", err)
	}
	return items, nil
}

func (s *Service) RefillAlerts(ctx context.Context) ([]RefillAlert, error) {
	alerts, err := s.feed.RefillAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch refill alerts: %w", err)
	}
	return alerts, nil
}

// Dashboard aggregates the three feeds.
func (s *Service) Dashboard(ctx context.Context, threshold int) (*Dashboard, error) {
	inv, err := s.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	low, err := s.LowStock(ctx, threshold)
	if err != nil {
		return nil, err
	}
	alerts, err := s.RefillAlerts(ctx)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		Products:     len(inv),
		LowStock:     len(low),
		RefillAlerts: len(alerts),
		GeneratedAt:  s.now().UTC(),
	}
	for _, it := range inv {
		if it.Stock <= 0 {
			d.OutOfStock++
		}
		d.StockValue = d.StockValue.Add(it.Value())
	}
	return d, nil
}

// Notify implements session.Notifier.
func (s *Service) Notify(_ context.Context, e session.Event) {
	if e.Type != session.EventInventoryRefresh {
		return
	}
	s.mu.Lock()
	s.inventory = nil
	s.mu.Unlock()
	s.logger.Debug().Str("session_id", e.SessionID).Msg("inventory cache invalidated")
}
