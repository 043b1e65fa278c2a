// Package handler exposes the product and order services over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
)

// ProductService is the product surface used by the handlers.
type ProductService interface {
	Create(ctx context.Context, cmd product.CreateCommand) (*product.Product, error)
	Get(ctx context.Context, id string) (*product.Product, error)
	Reserve(ctx context.Context, id string, quantity int) (*product.Product, error)
	Restore(ctx context.Context, id string, quantity int) (*product.Product, error)
	SetStock(ctx context.Context, id string, stock int) (*product.Product, error)
	UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*product.Product, error)
}

// OrderService is the order surface used by the handlers.
type OrderService interface {
	Create(ctx context.Context, cmd order.CreateCommand) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	Confirm(ctx context.Context, id string) (*order.Order, error)
	Cancel(ctx context.Context, id string) (*order.Order, error)
	Complete(ctx context.Context, id string) (*order.Order, error)
}

// Handler serves the /api routes.
type Handler struct {
	products ProductService
	orders   OrderService
	now      func() time.Time
}

// New creates a Handler.
func New(products ProductService, orders OrderService) *Handler {
	return &Handler{products: products, orders: orders, now: time.Now}
}

// Register adds every API route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/products", h.createProduct)
	mux.HandleFunc("GET /api/products/{id}", h.getProduct)
	mux.HandleFunc("PATCH /api/products/{id}/price", h.updatePrice)
	mux.HandleFunc("POST /api/products/{id}/stock/reserve", h.reserveStock)
	mux.HandleFunc("POST /api/products/{id}/stock/restore", h.restoreStock)
	mux.HandleFunc("PUT /api/products/{id}/stock", h.setStock)

	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("POST /api/orders/{id}/confirm", h.orderAction(OrderService.Confirm))
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.orderAction(OrderService.Cancel))
	mux.HandleFunc("POST /api/orders/{id}/complete", h.orderAction(OrderService.Complete))
}
