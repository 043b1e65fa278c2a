package product

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newWidget(t *testing.T, stock int) Product {
	t.Helper()
	p, err := New("p1", "WID-1", "Widget", "", decimal.RequireFromString("9.99"), stock, now)
	require.NoError(t, err)
	return p
}

func TestNew_Validation(t *testing.T) {
	price := decimal.RequireFromString("1.00")
	tests := []struct {
		name  string
		sku   string
		title string
		price decimal.Decimal
		stock int
	}{
		{name: "blank sku", sku: " ", title: "Widget", price: price},
		{name: "blank name", sku: "W1", title: "", price: price},
		{name: "zero price", sku: "W1", title: "Widget", price: decimal.Zero},
		{name: "negative price", sku: "W1", title: "Widget", price: decimal.NewFromInt(-1)},
		{name: "negative stock", sku: "W1", title: "Widget", price: price, stock: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("p1", tt.sku, tt.title, "", tt.price, tt.stock, now)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	p := newWidget(t, 5)

	assert.Equal(t, int64(0), p.Version)
	assert.Equal(t, now, p.CreatedAt)
	assert.Equal(t, now, p.UpdatedAt)
}

func TestReserveRestore_RoundTrip(t *testing.T) {
	p := newWidget(t, 10)
	later := now.Add(time.Minute)

	reserved, err := p.Reserve(4, later)
	require.NoError(t, err)
	assert.Equal(t, 6, reserved.Stock)
	assert.Equal(t, later, reserved.UpdatedAt)
	assert.Equal(t, 10, p.Stock, "receiver must not change")

	restored, err := reserved.Restore(4, later)
	require.NoError(t, err)
	assert.Equal(t, p.Stock, restored.Stock)
	assert.Equal(t, p.Version, restored.Version)
}

func TestReserve_ExactStock(t *testing.T) {
	p := newWidget(t, 3)

	next, err := p.Reserve(3, now)
	require.NoError(t, err)
	assert.Equal(t, 0, next.Stock)
}

func TestReserve_Insufficient(t *testing.T) {
	p := newWidget(t, 2)

	next, err := p.Reserve(3, now.Add(time.Hour))

	require.ErrorIs(t, err, ErrInsufficientStock)
	var insErr *InsufficientStockError
	require.ErrorAs(t, err, &insErr)
	assert.Equal(t, "p1", insErr.ProductID)
	assert.Equal(t, "Widget", insErr.ProductName)
	assert.Equal(t, 2, insErr.Available)
	assert.Equal(t, 3, insErr.Requested)
	assert.Equal(t, p, next)
	assert.Contains(t, err.Error(), `"Widget"`)
}

func TestQuantity_MustBePositive(t *testing.T) {
	p := newWidget(t, 2)

	_, err := p.Reserve(0, now)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = p.Restore(-1, now)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRestore_NoUpperBound(t *testing.T) {
	p := newWidget(t, 0)

	next, err := p.Restore(1_000_000, now)
	require.NoError(t, err)
	assert.Equal(t, 1_000_000, next.Stock)
}

func TestSetStock(t *testing.T) {
	p := newWidget(t, 7)

	next, err := p.SetStock(0, now)
	require.NoError(t, err)
	assert.Equal(t, 0, next.Stock)

	_, err = p.SetStock(-1, now)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetPrice(t *testing.T) {
	p := newWidget(t, 7)

	next, err := p.SetPrice(decimal.RequireFromString("12.50"), now)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.50").Equal(next.Price))

	_, err = p.SetPrice(decimal.Zero, now)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNotFoundError(t *testing.T) {
	var err error = &NotFoundError{ProductID: "x"}

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "product x not found", err.Error())
}
