package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

// StockStatus is the derived state shown on the inventory screen
type StockStatus string

const (
	StockIn      StockStatus = "in-stock"
	StockLow     StockStatus = "low-stock"
	StockOut     StockStatus = "out-of-stock"
	StockExpired StockStatus = "expired"
)

// Item is one catalog entry
type Item struct {
	Code         string       `json:"code"`
	Name         string       `json:"name"`
	Unit         string       `json:"unit,omitempty"`
	CurrentStock int          `json:"current_stock"`
	MinStock     int          `json:"min_stock"`
	MaxStock     int          `json:"max_stock"`
	UnitPrice    visit.Amount `json:"unit_price"`
	ExpiryDate   *time.Time   `json:"expiry_date,omitempty"`
}

// Status derives the stock status at now. Expiry wins over stock levels.
func (it Item) Status(now time.Time) StockStatus {
	switch {
	case it.ExpiryDate != nil && !now.Before(*it.ExpiryDate):
		return StockExpired
	case it.CurrentStock <= 0:
		return StockOut
	case it.CurrentStock <= it.MinStock:
		return StockLow
	default:
		return StockIn
	}
}

// MemoryCatalog is an in-process catalog
type MemoryCatalog struct {
	mu    sync.Mutex
	items map[string]*Item // keyed by lower-cased code
}

// NewMemoryCatalog creates a catalog holding items
func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]*Item, len(items))}
	for _, it := range items {
		c.Upsert(it)
	}
	return c
}

// Upsert adds or replaces an item by code
func (c *MemoryCatalog) Upsert(it Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := it
	c.items[strings.ToLower(it.Code)] = &cp
}

// Lookup returns a copy of the item matching ref
func (c *MemoryCatalog) Lookup(ref string) (Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.match(ref)
	if err != nil {
		return Item{}, err
	}
	return *it, nil
}

// List returns all items ordered by name
func (c *MemoryCatalog) List() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UnitPrice implements Catalog
func (c *MemoryCatalog) UnitPrice(ctx context.Context, ref string) (visit.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.match(ref)
	if err != nil {
		return 0, err
	}
	return it.UnitPrice, nil
}

// Decrement implements Catalog. A shortfall clamps stock at zero.
func (c *MemoryCatalog) Decrement(ctx context.Context, ref string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("decrement %s: quantity must be positive", ref)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.match(ref)
	if err != nil {
		return err
	}
	if it.CurrentStock < qty {
		available := it.CurrentStock
		if available < 0 {
			available = 0
		}
		it.CurrentStock = 0
		return &ShortfallError{Ref: ref, Requested: qty, Available: available}
	}
	it.CurrentStock -= qty
	return nil
}

// match resolves a free-text medicine reference. An exact code or name
// match wins; otherwise the item whose name is the longest prefix of the
// reference, so "Paracetamol 500mg tds" resolves to "Paracetamol 500mg".
func (c *MemoryCatalog) match(ref string) (*Item, error) {
	key := strings.ToLower(strings.TrimSpace(ref))
	if key == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnknownMedicine)
	}
	if it, ok := c.items[key]; ok {
		return it, nil
	}

	var best *Item
	for _, it := range c.items {
		name := strings.ToLower(it.Name)
		if name == key {
			return it, nil
		}
		if name != "" && strings.HasPrefix(key, name) && (best == nil || len(name) > len(best.Name)) {
			best = it
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMedicine, ref)
	}
	return best, nil
}
