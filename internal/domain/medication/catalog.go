package medication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrMedicineNotFound = errors.New("medicine not found in catalog")

// Catalog is the read-only product lookup used by the safety gate and the
// cart ledger.
type Catalog interface {
	Lookup(ctx context.Context, name string) (Medicine, error)
	List(ctx context.Context) ([]Medicine, error)
}

// ProductSource fetches the current product list from an upstream system.
type ProductSource interface {
	Products(ctx context.Context) ([]Medicine, error)
}

// MemoryCatalog is a thread-safe, in-memory Catalog.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]Medicine
}

// NewMemoryCatalog returns a catalog seeded with meds.
func NewMemoryCatalog(meds ...Medicine) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]Medicine, len(meds))}
	c.Replace(meds)
	return c
}

// Replace swaps the whole product set atomically.
func (c *MemoryCatalog) Replace(meds []Medicine) {
	items := make(map[string]Medicine, len(meds))
	for _, m := range meds {
		if Key(m.Name) == "" {
			continue
		}
		items[Key(m.Name)] = m
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
}

func (c *MemoryCatalog) Lookup(_ context.Context, name string) (Medicine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.items[Key(name)]
	if !ok {
		return Medicine{}, fmt.Errorf("%w: %s", ErrMedicineNotFound, name)
	}
	return m, nil
}

func (c *MemoryCatalog) List(_ context.Context) ([]Medicine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Medicine, 0, len(c.items))
	for _, m := range c.items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return Key(out[i].Name) < Key(out[j].Name) })
	return out, nil
}

// catalogFile is the YAML layout of a seed catalog.
type catalogFile struct {
	Medicines []struct {
		Name                 string `yaml:"name"`
		Price                string `yaml:"price"`
		PrescriptionRequired bool   `yaml:"prescription_required"`
		MaxSafeDosage        int    `yaml:"max_safe_dosage"`
		Stock                int    `yaml:"stock"`
		Category             string `yaml:"category"`
		Description          string `yaml:"description"`
	} `yaml:"medicines"`
}

// LoadCatalogFile reads a YAML seed catalog. Prices are decimal strings so
// that no float rounding happens on the way in.
func LoadCatalogFile(path string) ([]Medicine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(raw []byte) ([]Medicine, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	meds := make([]Medicine, 0, len(f.Medicines))
	seen := make(map[string]bool, len(f.Medicines))
	for i, e := range f.Medicines {
		if Key(e.Name) == "" {
			return nil, fmt.Errorf("catalog entry %d: name is required", i)
		}
		if seen[Key(e.Name)] {
			return nil, fmt.Errorf("catalog entry %d: duplicate medicine %q", i, e.Name)
		}
		seen[Key(e.Name)] = true

		price := decimal.Zero
		if e.Price != "" {
			p, err := decimal.NewFromString(e.Price)
			if err != nil {
				return nil, fmt.Errorf("catalog entry %q: invalid price %q: %w", e.Name, e.Price, err)
			}
			price = p
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("catalog entry %q: price must not be negative", e.Name)
		}
		if e.MaxSafeDosage < 0 {
			return nil, fmt.Errorf("catalog entry %q: max_safe_dosage must not be negative", e.Name)
		}

		meds = append(meds, Medicine{
			Name:                 e.Name,
			UnitPrice:            price,
			PrescriptionRequired: e.PrescriptionRequired,
			MaxSafeDosage:        e.MaxSafeDosage,
			Stock:                e.Stock,
			Category:             e.Category,
			Description:          e.Description,
		})
	}
	return meds, nil
}

// CachedCatalog serves lookups from memory and refreshes from a
// ProductSource once the TTL has lapsed. When the source is unreachable the
// last good product set (or the seed) keeps serving.
type CachedCatalog struct {
	source ProductSource
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	mem       *MemoryCatalog
	fetchedAt time.Time
}

// NewCachedCatalog creates a CachedCatalog seeded with seed.
func NewCachedCatalog(source ProductSource, ttl time.Duration, seed []Medicine, logger zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "catalog").Logger(),
		mem:    NewMemoryCatalog(seed...),
	}
}

func (c *CachedCatalog) refresh(ctx context.Context) {
	if c.source == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return
	}
	meds, err := c.source.Products(ctx)
	// Record the attempt even on failure so a dead upstream is not hit per lookup.
	c.fetchedAt = c.now()
	if err != nil {
		c.logger.Warn().Err(err).Msg("catalog refresh failed; serving cached products")
		return
	}
	if len(meds) == 0 {
		return
	}
	c.mem.Replace(merge(c.snapshot(), meds))
	c.logger.Debug().Int("products", len(meds)).Msg("catalog refreshed")
}

func (c *CachedCatalog) snapshot() []Medicine {
	list, _ := c.mem.List(context.Background())
	return list
}

// merge overlays upstream products on the current set. Upstream feeds do not
// always carry safety attributes, so a known limit or prescription flag is
// never dropped by a refresh.
func merge(current, upstream []Medicine) []Medicine {
	byKey := make(map[string]Medicine, len(current))
	for _, m := range current {
		byKey[Key(m.Name)] = m
	}
	for _, u := range upstream {
		k := Key(u.Name)
		if old, ok := byKey[k]; ok {
			if u.MaxSafeDosage == 0 {
				u.MaxSafeDosage = old.MaxSafeDosage
			}
			u.PrescriptionRequired = u.PrescriptionRequired || old.PrescriptionRequired
			if u.Category == "" {
				u.Category = old.Category
			}
			if u.Description == "" {
				u.Description = old.Description
			}
		}
		byKey[k] = u
	}
	out := make([]Medicine, 0, len(byKey))
	for _, m := range byKey {
		out = append(out, m)
	}
	return out
}

func (c *CachedCatalog) Lookup(ctx context.Context, name string) (Medicine, error) {
	c.refresh(ctx)
	return c.mem.Lookup(ctx, name)
}

func (c *CachedCatalog) List(ctx context.Context) ([]Medicine, error) {
	c.refresh(ctx)
	return c.mem.List(ctx)
}
