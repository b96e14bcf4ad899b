package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/0x5487/matching-core/protocol"
	"github.com/igrmk/treemap/v2"
)

var ErrNotFound = errors.New("store: order not found")

// Memory is an in-process order store, ordered by order ID. Orders are copied
// on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	orders *treemap.TreeMap[string, *protocol.Order]
}

func NewMemory() *Memory {
	return &Memory{
		orders: treemap.New[string, *protocol.Order](),
	}
}

func (m *Memory) InsertAll(ctx context.Context, orders []*protocol.Order) ([]*protocol.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]*protocol.Order, 0, len(orders))
	for _, o := range orders {
		if m.orders.Contains(o.ID) {
			continue
		}
		m.orders.Set(o.ID, o.Clone())
		inserted = append(inserted, o.Clone())
	}
	return inserted, nil
}

func (m *Memory) ExistsByID(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders.Contains(id), nil
}

func (m *Memory) Save(ctx context.Context, order *protocol.Order) (*protocol.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders.Get(order.ID)
	if !ok {
		return nil, ErrNotFound
	}
	if stored.UpdatedAt > order.UpdatedAt {
		return stored.Clone(), nil
	}

	m.orders.Set(order.ID, order.Clone())
	return order.Clone(), nil
}

// Delete removes an order. Deleting an unknown order is not an error.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders.Del(id)
	return nil
}

// Get returns a copy of a stored order.
func (m *Memory) Get(ctx context.Context, id string) (*protocol.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// ActiveOrders returns the orders that still rest in a book, oldest first.
func (m *Memory) ActiveOrders(ctx context.Context) ([]*protocol.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*protocol.Order
	for it := m.orders.Iterator(); it.Valid(); it.Next() {
		o := it.Value()
		if o.Status == protocol.OrderStatusActive && o.Remaining.IsPositive() {
			active = append(active, o.Clone())
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Timestamp < active[j].Timestamp
	})
	return active, nil
}

// Len returns the number of stored orders.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders.Len()
}
