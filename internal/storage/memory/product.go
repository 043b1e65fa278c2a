// Package memory provides mutex-guarded repositories for single-process
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/stockguard/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository in memory.
type ProductRepository struct {
	mu    sync.RWMutex
	byID  map[string]product.Product
	bySKU map[string]string
}

func NewProductRepository() *ProductRepository {
	return &ProductRepository{
		byID:  make(map[string]product.Product),
		bySKU: make(map[string]string),
	}
}

func (r *ProductRepository) FindByID(_ context.Context, id string) (*product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, &product.NotFoundError{ProductID: id}
	}
	return &p, nil
}

// FindByIDs returns the products that exist, in the order of ids.
func (r *ProductRepository) FindByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *ProductRepository) ExistsBySKU(_ context.Context, sku string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.bySKU[sku]
	return ok, nil
}

func (r *ProductRepository) Create(_ context.Context, p product.Product) (*product.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySKU[p.SKU]; ok {
		return nil, errors.Wrapf(product.ErrDuplicateSKU, "sku %s", p.SKU)
	}
	if _, ok := r.byID[p.ID]; ok {
		return nil, errors.Errorf("product %s already exists", p.ID)
	}
	p.Version = 0
	r.byID[p.ID] = p
	r.bySKU[p.SKU] = p.ID
	return &p, nil
}

func (r *ProductRepository) Save(_ context.Context, p product.Product) (*product.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[p.ID]
	if !ok {
		return nil, &product.NotFoundError{ProductID: p.ID}
	}
	if cur.Version != p.Version {
		return nil, errors.Wrapf(product.ErrStaleVersion, "product %s: have %d, stored %d", p.ID, p.Version, cur.Version)
	}
	p.SKU = cur.SKU
	p.CreatedAt = cur.CreatedAt
	p.Version = cur.Version + 1
	r.byID[p.ID] = p
	return &p, nil
}

func (r *ProductRepository) UpdateStockIfVersion(_ context.Context, id string, expectedVersion int64, stock int) (*product.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[id]
	if !ok {
		return nil, &product.NotFoundError{ProductID: id}
	}
	if cur.Version != expectedVersion {
		return nil, nil
	}
	cur.Stock = stock
	cur.UpdatedAt = time.Now()
	cur.Version++
	r.byID[id] = cur
	return &cur, nil
}
