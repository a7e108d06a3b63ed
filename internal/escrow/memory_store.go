package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for development and testing.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[int64]*Order
	ledger    []*LedgerEntry
	nextOrder int64
	nextItem  int64
	nextEntry int64
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[int64]*Order)}
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOrder++
	order.ID = m.nextOrder
	for i := range order.Items {
		m.nextItem++
		order.Items[i].ID = m.nextItem
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id int64, from, to OrderStatus) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Status != from {
		return nil, ErrInvalidTransition
	}
	o.Status = to
	return copyOrder(o), nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID int64, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OrderDate.Equal(result[j].OrderDate) {
			return result[i].OrderDate.After(result[j].OrderDate)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendLedger(_ context.Context, entry *LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[entry.OrderID]; !ok {
		return ErrOrderNotFound
	}
	m.nextEntry++
	entry.ID = m.nextEntry
	cp := *entry
	m.ledger = append(m.ledger, &cp)
	return nil
}

func (m *MemoryStore) LatestLedger(_ context.Context, orderID int64) (*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e := m.latestLocked(orderID); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) LatestLedgers(_ context.Context, orderIDs []int64) (map[int64]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int64]*LedgerEntry, len(orderIDs))
	for _, id := range orderIDs {
		if e := m.latestLocked(id); e != nil {
			cp := *e
			result[id] = &cp
		}
	}
	return result, nil
}

// latestLocked relies on append order: later entries win ties on CreatedAt.
func (m *MemoryStore) latestLocked(orderID int64) *LedgerEntry {
	var latest *LedgerEntry
	for _, e := range m.ledger {
		if e.OrderID != orderID {
			continue
		}
		if latest == nil || !e.CreatedAt.Before(latest.CreatedAt) {
			latest = e
		}
	}
	return latest
}

func (m *MemoryStore) ListEvents(_ context.Context, customerID int64, limit int) ([]*EscrowEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowEvent
	for i := len(m.ledger) - 1; i >= 0; i-- {
		e := m.ledger[i]
		o := m.orders[e.OrderID]
		if o == nil || o.CustomerID != customerID {
			continue
		}
		result = append(result, &EscrowEvent{
			OrderID:     o.ID,
			Status:      o.Status,
			TotalAmount: o.TotalAmount,
			OrderDate:   o.OrderDate,
			Escrow:      *e,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Escrow.CreatedAt.After(result[j].Escrow.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListLedgerGaps(_ context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		latest := m.latestLocked(o.ID)
		if latest == nil || latest.Status != CanonicalLedgerStatus(o.Status) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Participants(_ context.Context, orderID int64) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return 0, 0, ErrOrderNotFound
	}
	return o.CustomerID, o.SupplierID, nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp
}

// MemoryCatalog is an in-memory Catalog for development and testing.
type MemoryCatalog struct {
	mu        sync.RWMutex
	products  map[int64]*Product
	addresses map[int64]string
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		products:  make(map[int64]*Product),
		addresses: make(map[int64]string),
	}
}

// AddProduct inserts or replaces a product.
func (c *MemoryCatalog) AddProduct(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = &p
}

// SetDefaultShippingAddress sets a customer's profile address.
func (c *MemoryCatalog) SetDefaultShippingAddress(customerID int64, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addresses[customerID] = addr
}

func (c *MemoryCatalog) GetProduct(_ context.Context, id int64) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (c *MemoryCatalog) DefaultShippingAddress(_ context.Context, customerID int64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addresses[customerID], nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Catalog = (*MemoryCatalog)(nil)
)
