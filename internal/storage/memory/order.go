package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/stockguard/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository in memory.
type OrderRepository struct {
	mu   sync.RWMutex
	byID map[string]order.Order
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{byID: make(map[string]order.Order)}
}

// clone copies the item slice so callers never share backing arrays with the store.
func clone(o order.Order) *order.Order {
	o.Items = slices.Clone(o.Items)
	return &o
}

func unknownStatus(s order.Status) error {
	return errors.Wrapf(order.ErrUnknownStatus, "%q", s)
}

func (r *OrderRepository) FindByID(_ context.Context, id string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.byID[id]
	if !ok {
		return nil, &order.NotFoundError{OrderID: id}
	}
	return clone(o), nil
}

func (r *OrderRepository) Create(_ context.Context, o order.Order) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !o.Status.Valid() {
		return nil, unknownStatus(o.Status)
	}
	if _, ok := r.byID[o.ID]; ok {
		return nil, errors.Errorf("order %s already exists", o.ID)
	}
	o.Version = 0
	r.byID[o.ID] = *clone(o)
	return clone(o), nil
}

func (r *OrderRepository) Save(_ context.Context, o order.Order) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !o.Status.Valid() {
		return nil, unknownStatus(o.Status)
	}
	cur, ok := r.byID[o.ID]
	if !ok {
		return nil, &order.NotFoundError{OrderID: o.ID}
	}
	if cur.Version != o.Version {
		return nil, errors.Wrapf(order.ErrStaleVersion, "order %s: have %d, stored %d", o.ID, o.Version, cur.Version)
	}
	// Items are frozen at creation.
	cur.Status = o.Status
	cur.UpdatedAt = o.UpdatedAt
	cur.Version++
	r.byID[o.ID] = cur
	return clone(cur), nil
}

func (r *OrderRepository) UpdateStatusIfVersion(_ context.Context, id string, expectedVersion int64, status order.Status) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !status.Valid() {
		return nil, unknownStatus(status)
	}
	cur, ok := r.byID[id]
	if !ok {
		return nil, &order.NotFoundError{OrderID: id}
	}
	if cur.Version != expectedVersion {
		return nil, nil
	}
	cur.Status = status
	cur.UpdatedAt = time.Now()
	cur.Version++
	r.byID[id] = cur
	return clone(cur), nil
}

func (r *OrderRepository) ListByStatusBefore(_ context.Context, status order.Status, before time.Time, limit int) ([]order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []order.Order
	for _, o := range r.byID {
		if o.Status == status && o.CreatedAt.Before(before) {
			out = append(out, *clone(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
