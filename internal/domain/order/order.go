package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid order state transition")
	// ErrStaleVersion is returned by Repository.Save on a version mismatch.
	ErrStaleVersion = errors.New("stale order version")
	// ErrUnknownStatus is returned by repositories for a status outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown order status")
	// Sentinel errors for order construction.
	ErrEmptyItems      = errors.New("items required")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrInvalidPrice    = errors.New("unit price must be positive")
)

// NotFoundError indicates a requested order does not exist.
type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError indicates a status change the lifecycle does not allow.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition order %s from %s to %s", e.OrderID, e.From, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Item is a line item snapshot frozen at order creation.
type Item struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Subtotal is UnitPrice * Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is a customer order. Items never change after creation; only Status,
// Version and UpdatedAt do.
type Order struct {
	ID        string
	UserID    string
	Items     []Item
	Status    Status
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns a PENDING order owning a copy of items.
func New(id, userID string, items []Item, now time.Time) (Order, error) {
	if len(items) == 0 {
		return Order{}, ErrEmptyItems
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return Order{}, errors.Wrapf(ErrInvalidQuantity, "product %s", it.ProductID)
		}
		if !it.UnitPrice.IsPositive() {
			return Order{}, errors.Wrapf(ErrInvalidPrice, "product %s", it.ProductID)
		}
	}
	return Order{
		ID:        id,
		UserID:    userID,
		Items:     append([]Item(nil), items...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Total is the sum of item subtotals.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// ProductIDs returns the distinct product IDs in item order.
func (o Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}
	return ids
}

// Quantities sums item quantities per product.
func (o Order) Quantities() map[string]int {
	q := make(map[string]int, len(o.Items))
	for _, it := range o.Items {
		q[it.ProductID] += it.Quantity
	}
	return q
}

// Confirm moves PENDING to CONFIRMED.
func (o Order) Confirm(now time.Time) (Order, error) {
	if o.Status != StatusPending {
		return o, o.invalid(StatusConfirmed)
	}
	return o.to(StatusConfirmed, now), nil
}

// Cancel moves PENDING or CONFIRMED to CANCELLED.
func (o Order) Cancel(now time.Time) (Order, error) {
	if o.Status != StatusPending && o.Status != StatusConfirmed {
		return o, o.invalid(StatusCancelled)
	}
	return o.to(StatusCancelled, now), nil
}

// Complete moves CONFIRMED to COMPLETED.
func (o Order) Complete(now time.Time) (Order, error) {
	if o.Status != StatusConfirmed {
		return o, o.invalid(StatusCompleted)
	}
	return o.to(StatusCompleted, now), nil
}

func (o Order) to(s Status, now time.Time) Order {
	next := o
	next.Items = append([]Item(nil), o.Items...)
	next.Status = s
	next.UpdatedAt = now
	return next
}

func (o Order) invalid(target Status) error {
	return &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: target}
}

// Repository defines persistence operations for orders.
//
// Save is version-checked the same way as product.Repository.Save.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Order, error)
	Create(ctx context.Context, o Order) (*Order, error)
	Save(ctx context.Context, o Order) (*Order, error)
	// UpdateStatusIfVersion returns nil, nil on a version mismatch.
	UpdateStatusIfVersion(ctx context.Context, id string, expectedVersion int64, status Status) (*Order, error)
	// ListByStatusBefore returns up to limit orders in status created before the given time,
	// oldest first.
	ListByStatusBefore(ctx context.Context, status Status, before time.Time, limit int) ([]Order, error)
}
