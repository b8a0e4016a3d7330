package main

import (
	"fmt"
	"time"

	"github.com/md-rashed-zaman/carshare/libs/config"
)

type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"booking-service"`
	Port        string `envconfig:"PORT" default:"8083"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// StoreDriver is postgres (pgx), gorm-postgres or sqlite.
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `envconfig:"TIMELINE_CACHE_TTL" default:"30s"`

	KafkaBrokers string        `envconfig:"KAFKA_BROKERS"`
	KafkaGroupID string        `envconfig:"KAFKA_GROUP_ID" default:"booking-service"`
	FleetTopic   string        `envconfig:"KAFKA_FLEET_TOPIC" default:"fleet.car.upserted.v1"`
	OutboxPoll   time.Duration `envconfig:"OUTBOX_POLL_EVERY" default:"2s"`
	OutboxBatch  int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`

	Buffer      time.Duration `envconfig:"BOOKING_BUFFER" default:"15m"`
	Granularity time.Duration `envconfig:"BOOKING_GRANULARITY" default:"15m"`
	TimeZone    string        `envconfig:"BOOKING_TIMEZONE" default:"UTC"`
	OpTimeout   time.Duration `envconfig:"OP_TIMEOUT" default:"5s"`
	TxRetries   int           `envconfig:"TX_RETRIES" default:"3"`

	JWTSecret       string        `envconfig:"JWT_SECRET" required:"true"`
	CORSOrigins     string        `envconfig:"CORS_ALLOWED_ORIGINS"`
	RateLimit       int           `envconfig:"RATE_LIMIT_PER_WINDOW" default:"120"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"65536"`
}

func loadConfig() (Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := config.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if _, err := config.Port("PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	switch cfg.StoreDriver {
	case "postgres", "gorm-postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be postgres, gorm-postgres or sqlite (got %q)", cfg.StoreDriver)
	}
	return cfg, nil
}

func (c Config) location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("BOOKING_TIMEZONE: %w", err)
	}
	return loc, nil
}
