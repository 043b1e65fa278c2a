package product

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrInsufficientStock is matched by every *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidArgument is returned when a quantity, price or field is out of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStaleVersion is returned by Repository.Save when the stored version
	// no longer matches the version of the value being saved.
	ErrStaleVersion = errors.New("stale product version")
	// ErrDuplicateSKU is returned when creating a product whose SKU is taken.
	ErrDuplicateSKU = errors.New("duplicate sku")
)

// NotFoundError indicates a requested product does not exist.
type NotFoundError struct {
	ProductID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InsufficientStockError indicates a reservation larger than the available stock.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %q (id: %s): available %d, requested %d",
		e.ProductName, e.ProductID, e.Available, e.Requested)
}

// Is reports whether target is ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Product is a catalog item with a stock counter.
//
// Values are immutable by convention: every transform returns a successor and
// leaves the receiver untouched. Version is advanced only by a Repository on a
// successful write.
type Product struct {
	ID          string
	SKU         string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New validates the fields and returns a product at version 0.
func New(id, sku, name, description string, price decimal.Decimal, stock int, now time.Time) (Product, error) {
	p := Product{
		ID:          id,
		SKU:         sku,
		Name:        name,
		Description: description,
		Price:       price,
		Stock:       stock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.Validate(); err != nil {
		return Product{}, err
	}
	return p, nil
}

// Validate checks the invariants every product value must hold.
func (p Product) Validate() error {
	switch {
	case strings.TrimSpace(p.SKU) == "":
		return errors.Wrap(ErrInvalidArgument, "sku cannot be blank")
	case strings.TrimSpace(p.Name) == "":
		return errors.Wrap(ErrInvalidArgument, "name cannot be blank")
	case !p.Price.IsPositive():
		return errors.Wrap(ErrInvalidArgument, "price must be positive")
	case p.Stock < 0:
		return errors.Wrap(ErrInvalidArgument, "stock cannot be negative")
	}
	return nil
}

// Reserve returns a successor with quantity units taken out of stock.
func (p Product) Reserve(quantity int, now time.Time) (Product, error) {
	if quantity <= 0 {
		return p, errors.Wrap(ErrInvalidArgument, "quantity must be positive")
	}
	if p.Stock < quantity {
		return p, &InsufficientStockError{
			ProductID:   p.ID,
			ProductName: p.Name,
			Available:   p.Stock,
			Requested:   quantity,
		}
	}
	next := p
	next.Stock = p.Stock - quantity
	next.UpdatedAt = now
	return next, nil
}

// Restore returns a successor with quantity units put back. There is no upper bound.
func (p Product) Restore(quantity int, now time.Time) (Product, error) {
	if quantity <= 0 {
		return p, errors.Wrap(ErrInvalidArgument, "quantity must be positive")
	}
	next := p
	next.Stock = p.Stock + quantity
	next.UpdatedAt = now
	return next, nil
}

// SetStock returns a successor with stock overwritten.
func (p Product) SetStock(stock int, now time.Time) (Product, error) {
	if stock < 0 {
		return p, errors.Wrap(ErrInvalidArgument, "stock cannot be negative")
	}
	next := p
	next.Stock = stock
	next.UpdatedAt = now
	return next, nil
}

// SetPrice returns a successor with a new price.
func (p Product) SetPrice(price decimal.Decimal, now time.Time) (Product, error) {
	if !price.IsPositive() {
		return p, errors.Wrap(ErrInvalidArgument, "price must be positive")
	}
	next := p
	next.Price = price
	next.UpdatedAt = now
	return next, nil
}
