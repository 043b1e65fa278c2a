package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/stockguard/internal/domain/order"
	"github.com/xenking/stockguard/internal/domain/product"
	"github.com/xenking/stockguard/internal/events"
	"github.com/xenking/stockguard/internal/expiration"
	"github.com/xenking/stockguard/internal/lock"
	"github.com/xenking/stockguard/internal/retry"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Lock backends.
const (
	LockRedis     = "redis"
	LockZooKeeper = "zookeeper"
	LockMemory    = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (STOCKGUARD_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string        `usage:"PostgreSQL connection URL (STOCKGUARD_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	EventTimeout time.Duration `default:"5s" usage:"Timeout for publishing one domain event" flag:"event-timeout"`
	Storage      StorageConfig
	Lock         LockConfig
	Redis        RedisConfig
	ZooKeeper    ZooKeeperConfig
	Kafka        events.KafkaConfig
	Retry        retry.Policy
	Product      product.Config
	Order        order.Config
	Expiration   expiration.Config
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// StorageConfig selects where products and orders live.
type StorageConfig struct {
	Driver string `default:"postgres" usage:"Storage driver: postgres or memory"`
}

// LockConfig selects the distributed lock backend.
type LockConfig struct {
	Backend     string `default:"redis" usage:"Lock backend: redis, zookeeper or memory"`
	Coordinator lock.Config
}

// RedisConfig configures the Redis client shared by locks, cache and rate limiting.
type RedisConfig struct {
	Addrs    []string `usage:"Redis addresses; Redis features are disabled when empty"`
	Password string   `usage:"Redis password"`
	DB       int      `default:"0" usage:"Redis database"`
	Cache    bool     `default:"true" usage:"Cache product snapshots in Redis"`
}

// ZooKeeperConfig configures the ZooKeeper lock backend.
type ZooKeeperConfig struct {
	Servers        []string      `usage:"ZooKeeper ensemble addresses"`
	SessionTimeout time.Duration `default:"10s" usage:"ZooKeeper session timeout"`
	Root           string        `default:"/stockguard/locks" usage:"Parent znode of lock directories"`
}

// RateLimitConfig controls the per-client request limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOCKGUARD",
		Files:     []string{"config.yaml", "/etc/stockguard/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set STOCKGUARD_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Lock.Backend {
	case LockRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("redis lock backend requires redis addresses")
		}
	case LockZooKeeper:
		if len(c.ZooKeeper.Servers) == 0 {
			return errors.New("zookeeper lock backend requires zookeeper servers")
		}
	case LockMemory:
	default:
		return errors.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL or PORT.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if len(c.Redis.Addrs) == 0 {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.Redis.Addrs = []string{v}
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
