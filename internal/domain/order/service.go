package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/events"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/retry"
)

// Stock change reasons carried by StockUpdated events.
const (
	ReasonConfirm = "order_confirm"
	ReasonCancel  = "order_cancel"
)

const (
	loadConcurrency = 8
	// stockWriteAttempts bounds re-reads when a restore races an optimistic write.
	stockWriteAttempts = 3
)

// Config holds the multi-lock timing for order transitions.
type Config struct {
	OrderWait  time.Duration `default:"15s" usage:"Max wait for all stock locks of an order"`
	OrderLease time.Duration `default:"60s" usage:"Lease of order stock locks"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{OrderWait: 15 * time.Second, OrderLease: 60 * time.Second}
}

type stockChange struct {
	productID     string
	before, after int
}

// ItemRequest is one requested line of a new order.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// CreateCommand holds the input for placing an order.
type CreateCommand struct {
	UserID string
	Items  []ItemRequest
}

// Service coordinates order transitions with the stock they reserve.
//
// Confirm and Cancel hold the stock locks of every product in the order for
// the whole read-modify-write, validate every reservation before writing any,
// and undo already-saved stock changes when a later write fails.
type Service struct {
	orders   Repository
	products product.Repository
	cache    product.Cache
	locks    lock.Locker
	events   events.Publisher
	cfg      Config
	lg       *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithTracerProvider sets the tracer provider for service spans.
func WithTracerProvider(tp trace.TracerProvider) ServiceOption {
	return func(s *Service) { s.tracer = tp.Tracer("github.com/xenking/stockguard/internal/domain/order") }
}

// WithProductCache evicts cached product snapshots whenever an order
// transition changes their stock.
func WithProductCache(c product.Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	orders Repository,
	products product.Repository,
	locks lock.Locker,
	pub events.Publisher,
	cfg Config,
	lg *zap.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		orders:   orders,
		products: products,
		locks:    locks,
		events:   pub,
		cfg:      cfg,
		lg:       lg,
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.FindByID(ctx, id)
}

// Create snapshots product names and prices into a new PENDING order. Stock
// is not touched until the order is confirmed.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Create", trace.WithAttributes(attribute.String("user.id", cmd.UserID)))
	defer func() { endSpan(span, rerr) }()

	if len(cmd.Items) == 0 {
		return nil, ErrEmptyItems
	}
	ids := make([]string, 0, len(cmd.Items))
	for _, it := range cmd.Items {
		if it.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %s", it.ProductID)
		}
		ids = append(ids, it.ProductID)
	}

	fetched, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	items := make([]Item, 0, len(cmd.Items))
	for _, it := range cmd.Items {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, &product.NotFoundError{ProductID: it.ProductID}
		}
		items = append(items, Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    it.Quantity,
			UnitPrice:   p.Price,
		})
	}

	o, err := New(uuid.New().String(), cmd.UserID, items, s.now())
	if err != nil {
		return nil, err
	}
	created, err := s.orders.Create(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	s.events.Dispatch(ctx, events.New(events.OrderCreated{
		OrderID:   created.ID,
		UserID:    created.UserID,
		Total:     created.Total(),
		ItemCount: len(created.Items),
	}, s.now()))
	s.lg.Info("Order created", zap.String("order_id", created.ID), zap.Int("items", len(created.Items)))
	return created, nil
}

// Confirm reserves stock for every item and moves the order to CONFIRMED.
// Either every product is decremented and the order confirmed, or nothing
// changes.
func (s *Service) Confirm(ctx context.Context, id string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Confirm", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, rerr) }()

	o, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := o.Confirm(s.now()); err != nil {
		return nil, err
	}

	var result *Order
	err = s.locks.WithLocks(ctx, stockResources(o), s.cfg.OrderWait, s.cfg.OrderLease, func(ctx context.Context) error {
		cur, err := s.orders.FindByID(ctx, id)
		if err != nil {
			return err
		}
		next, err := cur.Confirm(s.now())
		if err != nil {
			return err
		}

		ids := cur.ProductIDs()
		quantities := cur.Quantities()
		loaded, err := s.loadProducts(ctx, ids)
		if err != nil {
			return err
		}

		// Validate every reservation before the first write.
		reserved := make([]product.Product, 0, len(ids))
		for _, pid := range ids {
			r, err := loaded[pid].Reserve(quantities[pid], s.now())
			if err != nil {
				return err
			}
			reserved = append(reserved, r)
		}

		saved := make([]product.Product, 0, len(reserved))
		for _, r := range reserved {
			sp, err := s.saveProduct(ctx, r)
			if err != nil {
				s.restoreAll(ctx, id, saved, quantities)
				return conflictOnStale(err, "product", r.ID)
			}
			saved = append(saved, *sp)
		}

		confirmed, err := s.orders.Save(ctx, next)
		if err != nil {
			s.restoreAll(ctx, id, saved, quantities)
			return conflictOnStale(err, "order", id)
		}
		result = confirmed

		s.statusChanged(ctx, *cur, *confirmed)
		for _, sp := range saved {
			s.stockUpdated(ctx, sp.ID, loaded[sp.ID].Stock, sp.Stock, ReasonConfirm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.lg.Info("Order confirmed", zap.String("order_id", id), zap.Int("products", len(o.ProductIDs())))
	return result, nil
}

// Cancel moves a PENDING or CONFIRMED order to CANCELLED. Stock is restored
// only when the order was CONFIRMED at the time the locks were taken.
func (s *Service) Cancel(ctx context.Context, id string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, rerr) }()

	o, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := o.Cancel(s.now()); err != nil {
		return nil, err
	}

	var result *Order
	err = s.locks.WithLocks(ctx, stockResources(o), s.cfg.OrderWait, s.cfg.OrderLease, func(ctx context.Context) error {
		cur, err := s.orders.FindByID(ctx, id)
		if err != nil {
			return err
		}
		next, err := cur.Cancel(s.now())
		if err != nil {
			return err
		}

		quantities := cur.Quantities()
		var restored []stockChange
		if cur.Status == StatusConfirmed {
			for _, pid := range cur.ProductIDs() {
				before, after, err := s.applyStock(ctx, pid, func(p product.Product) (product.Product, error) {
					return p.Restore(quantities[pid], s.now())
				})
				if err != nil {
					s.undoRestores(ctx, id, restored, quantities)
					return err
				}
				restored = append(restored, stockChange{productID: pid, before: before.Stock, after: after.Stock})
			}
		}

		cancelled, err := s.orders.Save(ctx, next)
		if err != nil {
			s.undoRestores(ctx, id, restored, quantities)
			return conflictOnStale(err, "order", id)
		}
		result = cancelled

		s.statusChanged(ctx, *cur, *cancelled)
		for _, c := range restored {
			s.stockUpdated(ctx, c.productID, c.before, c.after, ReasonCancel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.lg.Info("Order cancelled", zap.String("order_id", id), zap.String("from", string(o.Status)))
	return result, nil
}

// Complete moves a CONFIRMED order to COMPLETED. Stock is not touched, so no
// lock is taken; a compare-and-set on the status rejects a concurrent transition.
func (s *Service) Complete(ctx context.Context, id string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Complete", trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, rerr) }()

	cur, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := cur.Complete(s.now())
	if err != nil {
		return nil, err
	}
	completed, err := s.orders.UpdateStatusIfVersion(ctx, id, cur.Version, next.Status)
	if err != nil {
		return nil, err
	}
	if completed == nil {
		return nil, &retry.ConflictError{Resource: "order", ID: id, Attempts: 1}
	}
	s.statusChanged(ctx, *cur, *completed)
	return completed, nil
}

// loadProducts reads every product concurrently. A missing product fails the
// whole load.
func (s *Service) loadProducts(ctx context.Context, ids []string) (map[string]product.Product, error) {
	results := make([]product.Product, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, pid := range ids {
		g.Go(func() error {
			p, err := s.products.FindByID(gctx, pid)
			if err != nil {
				return err
			}
			results[i] = *p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]product.Product, len(results))
	for _, p := range results {
		out[p.ID] = p
	}
	return out, nil
}

// applyStock re-reads the product and saves fn's result, re-reading again if
// an optimistic writer got in between.
func (s *Service) applyStock(
	ctx context.Context,
	id string,
	fn func(product.Product) (product.Product, error),
) (before, after product.Product, _ error) {
	for range stockWriteAttempts {
		cur, err := s.products.FindByID(ctx, id)
		if err != nil {
			return before, after, err
		}
		next, err := fn(*cur)
		if err != nil {
			return before, after, err
		}
		saved, err := s.saveProduct(ctx, next)
		if errors.Is(err, product.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return before, after, err
		}
		return *cur, *saved, nil
	}
	return before, after, &retry.ConflictError{Resource: "product", ID: id, Attempts: stockWriteAttempts}
}

// saveProduct persists p and drops its cached snapshot.
func (s *Service) saveProduct(ctx context.Context, p product.Product) (*product.Product, error) {
	saved, err := s.products.Save(ctx, p)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, saved.ID); err != nil {
			s.lg.Warn("Product cache delete failed", zap.String("product_id", saved.ID), zap.Error(err))
		}
	}
	return saved, nil
}

// restoreAll puts back the stock taken from products already saved during a
// failed confirmation. It runs even if ctx was cancelled.
func (s *Service) restoreAll(ctx context.Context, orderID string, saved []product.Product, quantities map[string]int) {
	ctx = context.WithoutCancel(ctx)
	for _, sp := range saved {
		qty := quantities[sp.ID]
		_, _, err := s.applyStock(ctx, sp.ID, func(p product.Product) (product.Product, error) {
			return p.Restore(qty, s.now())
		})
		if err != nil {
			s.lg.Error("Failed to compensate stock reservation",
				zap.String("order_id", orderID),
				zap.String("product_id", sp.ID),
				zap.Int("quantity", qty),
				zap.Error(err),
			)
			continue
		}
		s.lg.Warn("Compensated stock reservation",
			zap.String("order_id", orderID),
			zap.String("product_id", sp.ID),
			zap.Int("quantity", qty),
		)
	}
}

// undoRestores takes back stock restored during a failed cancellation.
func (s *Service) undoRestores(ctx context.Context, orderID string, restored []stockChange, quantities map[string]int) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range restored {
		qty := quantities[c.productID]
		_, _, err := s.applyStock(ctx, c.productID, func(p product.Product) (product.Product, error) {
			return p.Reserve(qty, s.now())
		})
		if err != nil {
			s.lg.Error("Failed to undo stock restore",
				zap.String("order_id", orderID),
				zap.String("product_id", c.productID),
				zap.Int("quantity", qty),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) statusChanged(ctx context.Context, from, to Order) {
	s.events.Dispatch(ctx, events.New(events.OrderStatusChanged{
		OrderID: to.ID,
		From:    string(from.Status),
		To:      string(to.Status),
	}, s.now()))
}

func (s *Service) stockUpdated(ctx context.Context, productID string, previous, current int, reason string) {
	s.events.Dispatch(ctx, events.New(events.StockUpdated{
		ProductID:     productID,
		PreviousStock: previous,
		NewStock:      current,
		Reason:        reason,
	}, s.now()))
}

func stockResources(o *Order) []string {
	ids := o.ProductIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = lock.StockResource(id)
	}
	return out
}

func conflictOnStale(err error, resource, id string) error {
	if errors.Is(err, ErrStaleVersion) || errors.Is(err, product.ErrStaleVersion) {
		return &retry.ConflictError{Resource: resource, ID: id, Attempts: 1}
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
