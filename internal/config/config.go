package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"prod"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// StoreDriver selects the job store: postgres or memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	// LockBackend selects the lock manager: postgres, redis or memory.
	LockBackend   string `env:"LOCK_BACKEND" envDefault:"postgres"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	CORSAllowedOrigins   []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool          `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAge           time.Duration `env:"CORS_MAX_AGE" envDefault:"5m"`

	// EngineSecret signs trigger tokens.
	EngineSecret string `env:"ENGINE_SECRET,notEmpty"`

	LeaseSeconds         int           `env:"LEASE_SECONDS" envDefault:"60"`
	BatchSize            int           `env:"BATCH_SIZE" envDefault:"20"`
	MaxConcurrent        int           `env:"MAX_CONCURRENT" envDefault:"5"`
	MaxAttempts          int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	IngestMaxAttempts    int           `env:"INGEST_MAX_ATTEMPTS" envDefault:"8"`
	IngestBatchSize      int           `env:"INGEST_BATCH_SIZE" envDefault:"50"`
	BackoffBase          time.Duration `env:"BACKOFF_BASE" envDefault:"30s"`
	BackoffMax           time.Duration `env:"BACKOFF_MAX" envDefault:"1h"`
	RateLimitBackoffBase time.Duration `env:"RATE_LIMIT_BACKOFF_BASE" envDefault:"2m"`
	ReclaimPenalty       bool          `env:"RECLAIM_PENALTY" envDefault:"false"`
	RefreshHorizon       time.Duration `env:"REFRESH_HORIZON" envDefault:"2h"`
	Retention            time.Duration `env:"RETENTION" envDefault:"168h"`

	// InternalCron runs the triggers in-process instead of waiting for an
	// external scheduler.
	InternalCron bool `env:"INTERNAL_CRON" envDefault:"false"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"meli.notifications"`

	ProviderTokenURL     string `env:"PROVIDER_TOKEN_URL" envDefault:"https://api.mercadolibre.com/oauth/token"`
	ProviderAPIURL       string `env:"PROVIDER_API_URL" envDefault:"https://api.mercadolibre.com"`
	ProviderClientID     string `env:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `env:"PROVIDER_CLIENT_SECRET"`
}

func (c Config) Lease() time.Duration { return time.Duration(c.LeaseSeconds) * time.Second }

func Load() (Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the configuration from the process environment.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.LockBackend {
	case "postgres":
		if c.StoreDriver != "postgres" {
			return fmt.Errorf("config: LOCK_BACKEND=postgres needs STORE_DRIVER=postgres")
		}
	case "memory":
		// a process-local lock cannot keep a second instance off the shared
		// job store
		if c.StoreDriver == "postgres" {
			return fmt.Errorf("config: LOCK_BACKEND=memory cannot guard STORE_DRIVER=postgres")
		}
	case "redis":
	default:
		return fmt.Errorf("config: unknown LOCK_BACKEND %q", c.LockBackend)
	}
	if c.LeaseSeconds <= 0 || c.BatchSize <= 0 || c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: LEASE_SECONDS, BATCH_SIZE and MAX_CONCURRENT must be positive")
	}
	return nil
}
