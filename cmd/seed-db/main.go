package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/storage/postgres"
)

type productJSON struct {
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.Parse()
	_ = godotenv.Load()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, productsFile); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, productsFile string) error {
	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return seedProducts(ctx, lg, postgres.NewProductRepository(pool), productsFile)
}

// seedProducts creates every product whose SKU is not stored yet. Existing
// products are left alone so reruns never reset live stock.
func seedProducts(ctx context.Context, lg *zap.Logger, repo product.Repository, productsFile string) error {
	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}
	lg.Info("Seeding products", zap.String("path", productsFile), zap.Int("count", len(products)))

	now := time.Now().UTC()
	for _, in := range products {
		exists, err := repo.ExistsBySKU(ctx, in.SKU)
		if err != nil {
			return errors.Wrapf(err, "check sku %s", in.SKU)
		}
		if exists {
			lg.Info("Product exists, skipping", zap.String("sku", in.SKU))
			continue
		}

		p, err := product.New(uuid.NewString(), in.SKU, in.Name, in.Description, in.Price, in.Stock, now)
		if err != nil {
			return errors.Wrapf(err, "product %s", in.SKU)
		}
		created, err := repo.Create(ctx, p)
		if err != nil {
			return errors.Wrapf(err, "create product %s", in.SKU)
		}
		lg.Info("Created product",
			zap.String("id", created.ID),
			zap.String("sku", created.SKU),
			zap.Int("stock", created.Stock),
		)
	}
	return nil
}
