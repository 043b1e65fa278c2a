package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/events"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/retry"
)

// Stock change reasons carried by StockUpdated events.
const (
	ReasonReserve  = "reserve"
	ReasonRestore  = "restore"
	ReasonSetStock = "set_stock"
)

// Config holds the lock timing for single-product operations.
type Config struct {
	StockWait  time.Duration `default:"10s" usage:"Max wait for a product stock lock"`
	StockLease time.Duration `default:"30s" usage:"Lease of a product stock lock"`
	CacheTTL   time.Duration `default:"5m" usage:"TTL of cached product snapshots"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{StockWait: 10 * time.Second, StockLease: 30 * time.Second, CacheTTL: 5 * time.Minute}
}

// CreateCommand holds the input for creating a product.
type CreateCommand struct {
	SKU         string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
}

// Service runs single-product operations. Reserve, Restore and UpdatePrice
// hold the product's stock lock; SetStock uses optimistic retries instead.
type Service struct {
	repo   Repository
	cache  Cache
	locks  lock.Locker
	retry  *retry.Controller
	events events.Publisher
	cfg    Config
	lg     *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithCache enables the read-through cache.
func WithCache(c Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithTracerProvider sets the tracer provider for service spans.
func WithTracerProvider(tp trace.TracerProvider) ServiceOption {
	return func(s *Service) { s.tracer = tp.Tracer("github.com/xenking/stockguard/internal/domain/product") }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a product Service with the required dependencies.
func NewService(
	repo Repository,
	locks lock.Locker,
	rc *retry.Controller,
	pub events.Publisher,
	cfg Config,
	lg *zap.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		repo:   repo,
		locks:  locks,
		retry:  rc,
		events: pub,
		cfg:    cfg,
		lg:     lg,
		tracer: noop.NewTracerProvider().Tracer(""),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores a new product at version 0.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (_ *Product, rerr error) {
	ctx, span := s.tracer.Start(ctx, "product.Create", trace.WithAttributes(attribute.String("product.sku", cmd.SKU)))
	defer func() { endSpan(span, rerr) }()

	p, err := New(uuid.New().String(), cmd.SKU, cmd.Name, cmd.Description, cmd.Price, cmd.Stock, s.now())
	if err != nil {
		return nil, err
	}
	exists, err := s.repo.ExistsBySKU(ctx, cmd.SKU)
	if err != nil {
		return nil, errors.Wrap(err, "check sku")
	}
	if exists {
		return nil, errors.Wrapf(ErrDuplicateSKU, "sku %s", cmd.SKU)
	}

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, *created)
	s.events.Dispatch(ctx, events.New(events.ProductCreated{
		ProductID: created.ID,
		SKU:       created.SKU,
		Name:      created.Name,
		Price:     created.Price,
		Stock:     created.Stock,
	}, s.now()))

	s.lg.Info("Product created", zap.String("product_id", created.ID), zap.String("sku", created.SKU))
	return created, nil
}

// Get returns a product, consulting the cache first.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err != nil {
			s.lg.Warn("Product cache read failed", zap.String("product_id", id), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refreshCache(ctx, *p)
	return p, nil
}

// Reserve takes quantity units out of stock under the product's lock.
func (s *Service) Reserve(ctx context.Context, id string, quantity int) (*Product, error) {
	return s.mutateStock(ctx, "product.Reserve", id, ReasonReserve, func(p Product) (Product, error) {
		return p.Reserve(quantity, s.now())
	})
}

// Restore puts quantity units back under the product's lock.
func (s *Service) Restore(ctx context.Context, id string, quantity int) (*Product, error) {
	return s.mutateStock(ctx, "product.Restore", id, ReasonRestore, func(p Product) (Product, error) {
		return p.Restore(quantity, s.now())
	})
}

// UpdatePrice changes the price under the product's lock.
func (s *Service) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*Product, error) {
	return s.mutateStock(ctx, "product.UpdatePrice", id, "", func(p Product) (Product, error) {
		return p.SetPrice(price, s.now())
	})
}

// SetStock overwrites the stock counter with version-checked retries and no lock.
func (s *Service) SetStock(ctx context.Context, id string, stock int) (_ *Product, rerr error) {
	ctx, span := s.tracer.Start(ctx, "product.SetStock", trace.WithAttributes(attribute.String("product.id", id)))
	defer func() { endSpan(span, rerr) }()

	if stock < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "stock cannot be negative")
	}

	var (
		updated  *Product
		previous int
	)
	err := s.retry.Do(ctx, "product", id, func(ctx context.Context, attempt int) (bool, error) {
		cur, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return false, err
		}
		next, err := cur.SetStock(stock, s.now())
		if err != nil {
			return false, err
		}
		res, err := s.repo.UpdateStockIfVersion(ctx, id, cur.Version, next.Stock)
		if err != nil {
			return false, err
		}
		if res == nil {
			span.AddEvent("version conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
			return false, nil
		}
		updated, previous = res, cur.Stock
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// No lock is held here, so a Set could overwrite a newer snapshot written
	// by a lock holder. The next Get repopulates the entry.
	s.evictCache(ctx, id)
	s.stockUpdated(ctx, *updated, previous, ReasonSetStock)
	return updated, nil
}

// mutateStock runs read, transform and version-checked save while holding
// the product's stock lock.
func (s *Service) mutateStock(
	ctx context.Context,
	spanName, id, reason string,
	transform func(Product) (Product, error),
) (_ *Product, rerr error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("product.id", id)))
	defer func() { endSpan(span, rerr) }()

	var saved *Product
	err := s.locks.WithLock(ctx, lock.StockResource(id), s.cfg.StockWait, s.cfg.StockLease, func(ctx context.Context) error {
		cur, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		next, err := transform(*cur)
		if err != nil {
			return err
		}
		saved, err = s.repo.Save(ctx, next)
		if errors.Is(err, ErrStaleVersion) {
			return &retry.ConflictError{Resource: "product", ID: id, Attempts: 1}
		}
		if err != nil {
			return err
		}
		s.refreshCache(ctx, *saved)
		if reason != "" {
			s.stockUpdated(ctx, *saved, cur.Stock, reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Service) stockUpdated(ctx context.Context, p Product, previous int, reason string) {
	s.events.Dispatch(ctx, events.New(events.StockUpdated{
		ProductID:     p.ID,
		PreviousStock: previous,
		NewStock:      p.Stock,
		Reason:        reason,
	}, s.now()))
}

func (s *Service) refreshCache(ctx context.Context, p Product) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, p, s.cfg.CacheTTL); err != nil {
		s.lg.Warn("Product cache write failed", zap.String("product_id", p.ID), zap.Error(err))
	}
}

func (s *Service) evictCache(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		s.lg.Warn("Product cache delete failed", zap.String("product_id", id), zap.Error(err))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
