package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/stockguard/internal/domain/order"
)

const (
	orderColumns = `id, user_id, items, status, version, created_at, updated_at`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	createOrderSQL = `INSERT INTO orders (id, user_id, items, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		RETURNING ` + orderColumns

	saveOrderSQL = `UPDATE orders
		SET status = $3, updated_at = $4, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	updateStatusIfVersionSQL = `UPDATE orders
		SET status = $3, updated_at = now(), version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	listByStatusBeforeSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
// Items are stored as a JSONB snapshot.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*order.Order, error) {
	o, err := r.queryOne(ctx, getOrderByIDSQL, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &order.NotFoundError{OrderID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	return o, nil
}

func (r *OrderRepository) Create(ctx context.Context, o order.Order) (*order.Order, error) {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order items")
	}
	created, err := r.queryOne(ctx, createOrderSQL,
		o.ID, o.UserID, itemsJSON, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create order %q", o.ID)
	}
	return created, nil
}

func (r *OrderRepository) Save(ctx context.Context, o order.Order) (*order.Order, error) {
	saved, err := r.queryOne(ctx, saveOrderSQL, o.ID, o.Version, string(o.Status), o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.mustExist(ctx, o.ID); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(order.ErrStaleVersion, "order %s at version %d", o.ID, o.Version)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "save order %q", o.ID)
	}
	return saved, nil
}

func (r *OrderRepository) UpdateStatusIfVersion(ctx context.Context, id string, expectedVersion int64, status order.Status) (*order.Order, error) {
	updated, err := r.queryOne(ctx, updateStatusIfVersionSQL, id, expectedVersion, string(status))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.mustExist(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "update status of %q", id)
	}
	return updated, nil
}

func (r *OrderRepository) ListByStatusBefore(ctx context.Context, status order.Status, before time.Time, limit int) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listByStatusBeforeSQL, string(status), before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrap(err, "scan orders")
	}
	return orders, nil
}

func (r *OrderRepository) mustExist(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check order %q", id)
	}
	if !exists {
		return &order.NotFoundError{OrderID: id}
	}
	return nil
}

func (r *OrderRepository) queryOne(ctx context.Context, sql string, args ...any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		status    string
		itemsJSON []byte
	)
	if err := row.Scan(&o.ID, &o.UserID, &itemsJSON, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	if !o.Status.Valid() {
		return o, errors.Wrapf(order.ErrUnknownStatus, "order %q has status %q", o.ID, status)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return o, errors.Wrapf(err, "unmarshal items of order %q", o.ID)
	}
	return o, nil
}
