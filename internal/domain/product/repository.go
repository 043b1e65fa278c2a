package product

import (
	"context"
	"time"
)

// Repository defines persistence operations for products.
//
// Save is version-checked: it succeeds only when the stored version equals
// p.Version, returns the stored value with the version advanced by one, and
// fails with ErrStaleVersion otherwise. Lock holders therefore cannot clobber
// a write made by the optimistic path, and the optimistic path cannot clobber
// a lock holder.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Product, error)
	FindByIDs(ctx context.Context, ids []string) ([]Product, error)
	ExistsBySKU(ctx context.Context, sku string) (bool, error)
	Create(ctx context.Context, p Product) (*Product, error)
	Save(ctx context.Context, p Product) (*Product, error)
	// UpdateStockIfVersion overwrites stock when the stored version equals
	// expectedVersion. It returns nil, nil on a version mismatch.
	UpdateStockIfVersion(ctx context.Context, id string, expectedVersion int64, stock int) (*Product, error)
}

// Cache is a best-effort read-through cache of product values.
type Cache interface {
	Get(ctx context.Context, id string) (*Product, error)
	Set(ctx context.Context, p Product, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}
