package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/events"
	"github.com/xenking/stockguard/internal/expiration"
	"github.com/xenking/stockguard/internal/handler"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/lock/redislock"
	"github.com/xenking/stockguard/internal/lock/zklock"
	"github.com/xenking/stockguard/internal/retry"
	"github.com/xenking/stockguard/internal/storage/memory"
	"github.com/xenking/stockguard/internal/storage/postgres"
	"github.com/xenking/stockguard/internal/storage/rediscache"
	"github.com/xenking/stockguard/pkg/health"
	"github.com/xenking/stockguard/pkg/httpmiddleware"
)

// resources holds everything Run has to close on exit, in reverse order.
type resources struct {
	closers []func()
}

func (r *resources) onClose(fn func()) { r.closers = append(r.closers, fn) }

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

type repositories struct {
	products product.Repository
	orders   order.Repository
}

// Run creates all dependencies, starts the HTTP server and the expiration
// job, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("lock_backend", cfg.Lock.Backend),
	)

	var res resources
	defer res.close()

	healthSvc := health.New(lg.Named("health"))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	repos, err := openStorage(ctx, cfg, healthSvc, &res)
	if err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		res.onClose(func() { _ = rdb.Close() })
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	}

	backend, err := openLockBackend(cfg, rdb, lg, healthSvc, &res)
	if err != nil {
		return err
	}
	coordinator, err := lock.NewCoordinator(backend, cfg.Lock.Coordinator, lg.Named("lock"),
		lock.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create lock coordinator")
	}
	retrier, err := retry.New(cfg.Retry, lg.Named("retry"), retry.WithMeterProvider(m.MeterProvider()))
	if err != nil {
		return errors.Wrap(err, "create retry controller")
	}

	// Events: Kafka when brokers are configured, always mirrored to the log.
	var sink events.Sink = events.NewLogSink(lg.Named("events"))
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka))
		res.onClose(func() {
			if err := kafkaSink.Close(); err != nil {
				lg.Warn("Close kafka writer", zap.Error(err))
			}
		})
		sink = events.MultiSink{kafkaSink, sink}
	}
	dispatcher := events.NewDispatcher(sink, cfg.EventTimeout, lg.Named("events"))
	res.onClose(dispatcher.Close)

	// Domain services.
	productOpts := []product.ServiceOption{product.WithTracerProvider(m.TracerProvider())}
	orderOpts := []order.ServiceOption{order.WithTracerProvider(m.TracerProvider())}
	if rdb != nil && cfg.Redis.Cache {
		cache := rediscache.New(rdb)
		productOpts = append(productOpts, product.WithCache(cache))
		orderOpts = append(orderOpts, order.WithProductCache(cache))
	}
	productService := product.NewService(repos.products, coordinator, retrier, dispatcher,
		cfg.Product, lg.Named("product"), productOpts...)
	orderService := order.NewService(repos.orders, repos.products, coordinator, dispatcher,
		cfg.Order, lg.Named("order"), orderOpts...)

	expirationJob, err := expiration.New(repos.orders, orderService, coordinator, cfg.Expiration,
		lg.Named("expiration"), expiration.WithMeterProvider(m.MeterProvider()))
	if err != nil {
		return errors.Wrap(err, "create expiration job")
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = httpmiddleware.NewRedisLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		window := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		g.Go(func() error {
			window.Cleanup(gctx)
			return nil
		})
		limiter = window
	}

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	handler.New(productService, orderService).Register(mux)
	routeFinder := httpmiddleware.MuxRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Order transitions may wait for several stock locks.
		WriteTimeout:   cfg.Order.OrderWait + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("stockguard", routeFinder, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.Labeler(routeFinder),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.RateLimit(limiter, httpmiddleware.ClientKey),
		),
	}

	g.Go(func() error {
		return expirationJob.Run(gctx)
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

func openStorage(ctx context.Context, cfg *Config, healthSvc *health.Health, res *resources) (repositories, error) {
	if cfg.Storage.Driver == StorageMemory {
		zctx.From(ctx).Warn("Using in-memory storage; data is lost on restart")
		return repositories{
			products: memory.NewProductRepository(),
			orders:   memory.NewOrderRepository(),
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return repositories{}, errors.Wrap(err, "create db pool")
	}
	res.onClose(pool.Close)

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return repositories{}, errors.Wrap(err, "run migrations")
	}
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))

	return repositories{
		products: postgres.NewProductRepository(pool),
		orders:   postgres.NewOrderRepository(pool),
	}, nil
}

func openLockBackend(cfg *Config, rdb redis.UniversalClient, lg *zap.Logger, healthSvc *health.Health, res *resources) (lock.Backend, error) {
	switch cfg.Lock.Backend {
	case LockRedis:
		if rdb == nil {
			return nil, errors.New("redis lock backend requires redis addresses")
		}
		return redislock.New(rdb), nil
	case LockZooKeeper:
		conn, err := zklock.Dial(cfg.ZooKeeper.Servers, cfg.ZooKeeper.SessionTimeout, lg)
		if err != nil {
			return nil, err
		}
		res.onClose(conn.Close)
		healthSvc.AddReadinessCheck("zookeeper", time.Second, health.ZooKeeperCheck(conn.State))
		backend, err := zklock.New(conn, cfg.ZooKeeper.Root, lg.Named("zklock"))
		if err != nil {
			return nil, errors.Wrap(err, "create zookeeper lock backend")
		}
		return backend, nil
	default:
		lg.Warn("Using in-process locks; they do not coordinate across instances")
		return lock.NewMemoryBackend(), nil
	}
}
