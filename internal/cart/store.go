package cart

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidQuantity is returned when an add request carries a non-positive quantity.
	ErrInvalidQuantity = errors.New("cart: quantity must be at least 1")
	// ErrInvalidProduct is returned when the product to add has no identifier.
	ErrInvalidProduct = errors.New("cart: product id is required")
)

// Product is the subset of catalog data the cart needs to create a line item.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Image string
}

// LineItem is one product entry in the cart.
type LineItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	ImageRef  string          `json:"image,omitempty"`
}

// Subtotal returns unit price multiplied by quantity.
func (i LineItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Store is the single source of truth for one shopper's cart. Every mutation is
// visible to all readers holding the same *Store.
type Store struct {
	mu       sync.RWMutex
	items    []LineItem
	index    map[string]int
	now      func() time.Time
	lastSeen time.Time
}

// NewStore constructs an empty cart store.
func NewStore() *Store {
	return newStoreWithClock(time.Now)
}

func newStoreWithClock(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		index:    make(map[string]int),
		now:      clock,
		lastSeen: clock().UTC(),
	}
}

// AddItem merges qty into the existing line item for the product, or inserts a new one.
func (s *Store) AddItem(product Product, qty int) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return ErrInvalidProduct
	}
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if pos, ok := s.index[id]; ok {
		s.items[pos].Quantity += qty
		return nil
	}
	s.index[id] = len(s.items)
	s.items = append(s.items, LineItem{
		ID:        id,
		Name:      strings.TrimSpace(product.Name),
		UnitPrice: product.Price,
		Quantity:  qty,
		ImageRef:  strings.TrimSpace(product.Image),
	})
	return nil
}

// RemoveItem deletes the line item with the given id. Unknown ids are ignored.
func (s *Store) RemoveItem(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.removeLocked(strings.TrimSpace(id))
}

// UpdateQuantity sets the quantity of an existing line item; qty <= 0 removes it.
// It reports whether a line item with that id was present.
func (s *Store) UpdateQuantity(id string, qty int) bool {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	pos, ok := s.index[id]
	if !ok {
		return false
	}
	if qty <= 0 {
		s.removeLocked(id)
		return true
	}
	s.items[pos].Quantity = qty
	return true
}

// Clear empties the cart.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.items = nil
	s.index = make(map[string]int)
}

// TotalItems returns the sum of all quantities.
func (s *Store) TotalItems() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, item := range s.items {
		total += item.Quantity
	}
	return total
}

// TotalPrice returns the sum of unit price times quantity over all items.
func (s *Store) TotalPrice() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, item := range s.items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Items returns a copy of the line items in insertion order.
func (s *Store) Items() []LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LineItem, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of distinct line items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// IsEmpty reports whether the cart holds no line items.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// LastSeen returns the time of the most recent mutation.
func (s *Store) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

func (s *Store) touch() {
	s.lastSeen = s.now().UTC()
}

func (s *Store) removeLocked(id string) {
	pos, ok := s.index[id]
	if !ok {
		return
	}
	s.items = append(s.items[:pos], s.items[pos+1:]...)
	delete(s.index, id)
	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].ID] = i
	}
}
