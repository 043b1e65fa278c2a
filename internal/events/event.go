// Package events carries domain notifications out of the service layer.
//
// Publication is fire-and-forget: services hand events to a Dispatcher and
// never observe sink failures.
package events

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeProductCreated     Type = "PRODUCT_CREATED"
	TypeStockUpdated       Type = "PRODUCT_STOCK_UPDATED"
	TypeOrderCreated       Type = "ORDER_CREATED"
	TypeOrderStatusChanged Type = "ORDER_STATUS_CHANGED"
)

// Sink delivers events to an external system.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Payload is the type-specific part of an event.
type Payload interface {
	EventType() Type
	AggregateID() string
	encode(e *jx.Encoder)
}

// Event is an envelope around a Payload.
type Event struct {
	ID         string
	OccurredAt time.Time
	Payload    Payload
}

// New wraps p with a fresh ID.
func New(p Payload, now time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		OccurredAt: now,
		Payload:    p,
	}
}

func (e Event) Type() Type          { return e.Payload.EventType() }
func (e Event) AggregateID() string { return e.Payload.AggregateID() }

// Encode writes e as a JSON object.
func (e Event) Encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("event_id")
	enc.Str(e.ID)
	enc.FieldStart("type")
	enc.Str(string(e.Type()))
	enc.FieldStart("aggregate_id")
	enc.Str(e.AggregateID())
	enc.FieldStart("occurred_at")
	enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	enc.FieldStart("data")
	e.Payload.encode(enc)
	enc.ObjEnd()
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	var enc jx.Encoder
	e.Encode(&enc)
	return enc.Bytes(), nil
}

// ProductCreated is emitted after a product is first stored.
type ProductCreated struct {
	ProductID string
	SKU       string
	Name      string
	Price     decimal.Decimal
	Stock     int
}

func (p ProductCreated) EventType() Type     { return TypeProductCreated }
func (p ProductCreated) AggregateID() string { return p.ProductID }

func (p ProductCreated) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("product_id")
	e.Str(p.ProductID)
	e.FieldStart("sku")
	e.Str(p.SKU)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("price")
	e.Str(p.Price.String())
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.ObjEnd()
}

// StockUpdated is emitted after every committed stock change.
type StockUpdated struct {
	ProductID     string
	PreviousStock int
	NewStock      int
	Reason        string
}

func (p StockUpdated) EventType() Type     { return TypeStockUpdated }
func (p StockUpdated) AggregateID() string { return p.ProductID }

func (p StockUpdated) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("product_id")
	e.Str(p.ProductID)
	e.FieldStart("previous_stock")
	e.Int(p.PreviousStock)
	e.FieldStart("new_stock")
	e.Int(p.NewStock)
	e.FieldStart("reason")
	e.Str(p.Reason)
	e.ObjEnd()
}

// OrderCreated is emitted after a PENDING order is stored.
type OrderCreated struct {
	OrderID   string
	UserID    string
	Total     decimal.Decimal
	ItemCount int
}

func (p OrderCreated) EventType() Type     { return TypeOrderCreated }
func (p OrderCreated) AggregateID() string { return p.OrderID }

func (p OrderCreated) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(p.OrderID)
	e.FieldStart("user_id")
	e.Str(p.UserID)
	e.FieldStart("total")
	e.Str(p.Total.String())
	e.FieldStart("item_count")
	e.Int(p.ItemCount)
	e.ObjEnd()
}

// OrderStatusChanged is emitted after a committed lifecycle transition.
type OrderStatusChanged struct {
	OrderID string
	From    string
	To      string
}

func (p OrderStatusChanged) EventType() Type     { return TypeOrderStatusChanged }
func (p OrderStatusChanged) AggregateID() string { return p.OrderID }

func (p OrderStatusChanged) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(p.OrderID)
	e.FieldStart("from")
	e.Str(p.From)
	e.FieldStart("to")
	e.Str(p.To)
	e.ObjEnd()
}
