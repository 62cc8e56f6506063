package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/trellis/internal/cluster"
)

// ErrNotFound is returned when an order code doesn't exist in the store.
// It is the cluster-wide sentinel so errors.Is works across packages.
var ErrNotFound = cluster.ErrNotFound

// Store is the order store of record used by application nodes.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// ListAll returns every order, newest first.
	ListAll(ctx context.Context) ([]cluster.Order, error)

	// FindByCode returns the order with the given code.
	// Returns ErrNotFound if the code doesn't exist.
	FindByCode(ctx context.Context, code int64) (cluster.Order, error)

	// Create assigns the next code to order, persists it and returns it.
	// Any code already set on order is ignored.
	Create(ctx context.Context, order cluster.Order) (cluster.Order, error)

	// Put stores order under its own code, creating or overwriting it.
	// Later Create calls never hand out a code at or below one stored by Put.
	// Backups use it to replay a primary's writes with the primary's codes.
	Put(ctx context.Context, order cluster.Order) error

	// Update overwrites the stored order with the same code.
	// Returns ErrNotFound if the code doesn't exist.
	Update(ctx context.Context, order cluster.Order) error

	// Delete removes the order with the same code.
	// Returns ErrNotFound if the code doesn't exist.
	Delete(ctx context.Context, order cluster.Order) error

	// CountAll returns the number of stored orders.
	CountAll(ctx context.Context) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore implements Store with an in-memory map.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	mu       sync.RWMutex            // Protects orders and nextCode
	orders   map[int64]cluster.Order // Orders by code
	nextCode int64                   // Next code handed out by Create
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[int64]cluster.Order),
		nextCode: 1,
	}
}

// ListAll returns copies of all orders, newest first.
func (m *MemoryStore) ListAll(ctx context.Context) ([]cluster.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]cluster.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, copyOrder(o))
	}
	sortNewestFirst(out)
	return out, nil
}

// FindByCode returns a copy of the stored order.
func (m *MemoryStore) FindByCode(ctx context.Context, code int64) (cluster.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[code]
	if !ok {
		return cluster.Order{}, fmt.Errorf("%w: find order %d", ErrNotFound, code)
	}
	return copyOrder(o), nil
}

// Create stores order under the next code.
func (m *MemoryStore) Create(ctx context.Context, order cluster.Order) (cluster.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order = prepareCreate(order, m.nextCode)
	m.nextCode++
	m.orders[*order.Code] = copyOrder(order)
	return copyOrder(order), nil
}

// Put stores order under its code and moves the code counter past it.
func (m *MemoryStore) Put(ctx context.Context, order cluster.Order) error {
	if order.Code == nil {
		return fmt.Errorf("put order: missing code")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[*order.Code] = copyOrder(order)
	if *order.Code >= m.nextCode {
		m.nextCode = *order.Code + 1
	}
	return nil
}

// Update overwrites an existing order.
func (m *MemoryStore) Update(ctx context.Context, order cluster.Order) error {
	if order.Code == nil {
		return fmt.Errorf("update order: missing code")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[*order.Code]; !ok {
		return fmt.Errorf("%w: update order %d", ErrNotFound, *order.Code)
	}
	m.orders[*order.Code] = copyOrder(order)
	return nil
}

// Delete removes an existing order.
func (m *MemoryStore) Delete(ctx context.Context, order cluster.Order) error {
	if order.Code == nil {
		return fmt.Errorf("delete order: missing code")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[*order.Code]; !ok {
		return fmt.Errorf("%w: delete order %d", ErrNotFound, *order.Code)
	}
	delete(m.orders, *order.Code)
	return nil
}

// CountAll returns the number of stored orders.
func (m *MemoryStore) CountAll(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.orders)), nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// prepareCreate stamps a new order with its code and creation time.
func prepareCreate(order cluster.Order, code int64) cluster.Order {
	order.Code = cluster.CodePtr(code)
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return order
}

// copyOrder detaches the pointer fields so callers cannot mutate stored state.
func copyOrder(o cluster.Order) cluster.Order {
	if o.Code != nil {
		o.Code = cluster.CodePtr(*o.Code)
	}
	if o.DoneAt != nil {
		done := *o.DoneAt
		o.DoneAt = &done
	}
	return o
}

func sortNewestFirst(orders []cluster.Order) {
	slices.SortFunc(orders, func(a, b cluster.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch ac, bc := a.CodeValue(), b.CodeValue(); {
		case ac > bc:
			return -1
		case ac < bc:
			return 1
		}
		return 0
	})
}
