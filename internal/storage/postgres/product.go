package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/stockguard/internal/domain/product"
)

const (
	productColumns = `id, sku, name, description, price, stock, version, created_at, updated_at`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	productExistsSQL = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`

	skuExistsSQL = `SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1)`

	createProductSQL = `INSERT INTO products (id, sku, name, description, price, stock, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		RETURNING ` + productColumns

	saveProductSQL = `UPDATE products
		SET name = $3, description = $4, price = $5, stock = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + productColumns

	updateStockIfVersionSQL = `UPDATE products
		SET stock = $3, updated_at = now(), version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + productColumns
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func (r *ProductRepository) FindByID(ctx context.Context, id string) (*product.Product, error) {
	p, err := r.queryOne(ctx, getProductByIDSQL, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &product.NotFoundError{ProductID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	return p, nil
}

// FindByIDs returns the products that exist, in the order of ids.
func (r *ProductRepository) FindByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	found, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrap(err, "scan products")
	}

	byID := make(map[string]product.Product, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]product.Product, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *ProductRepository) ExistsBySKU(ctx context.Context, sku string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, skuExistsSQL, sku).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "check sku %q", sku)
	}
	return exists, nil
}

func (r *ProductRepository) Create(ctx context.Context, p product.Product) (*product.Product, error) {
	created, err := r.queryOne(ctx, createProductSQL,
		p.ID, p.SKU, p.Name, p.Description, p.Price, p.Stock, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err, "products_sku_key") {
		return nil, errors.Wrapf(product.ErrDuplicateSKU, "sku %s", p.SKU)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create product %q", p.ID)
	}
	return created, nil
}

func (r *ProductRepository) Save(ctx context.Context, p product.Product) (*product.Product, error) {
	saved, err := r.queryOne(ctx, saveProductSQL,
		p.ID, p.Version, p.Name, p.Description, p.Price, p.Stock, p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.mustExist(ctx, p.ID); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(product.ErrStaleVersion, "product %s at version %d", p.ID, p.Version)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "save product %q", p.ID)
	}
	return saved, nil
}

func (r *ProductRepository) UpdateStockIfVersion(ctx context.Context, id string, expectedVersion int64, stock int) (*product.Product, error) {
	updated, err := r.queryOne(ctx, updateStockIfVersionSQL, id, expectedVersion, stock)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.mustExist(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "update stock of %q", id)
	}
	return updated, nil
}

func (r *ProductRepository) mustExist(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, productExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check product %q", id)
	}
	if !exists {
		return &product.NotFoundError{ProductID: id}
	}
	return nil
}

func (r *ProductRepository) queryOne(ctx context.Context, sql string, args ...any) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.ID, &p.SKU, &p.Name, &p.Description, &p.Price,
		&p.Stock, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
