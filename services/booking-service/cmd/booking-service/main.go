package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/carshare/libs/auth"
	"github.com/md-rashed-zaman/carshare/libs/db"
	"github.com/md-rashed-zaman/carshare/libs/httpx"
	"github.com/md-rashed-zaman/carshare/libs/kafkax"
	otelx "github.com/md-rashed-zaman/carshare/libs/otel"
	"github.com/md-rashed-zaman/carshare/libs/runtime"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/cache"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/grpcserver"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/storage"
)

// store is what both storage backends provide to the service and its workers.
type store interface {
	booking.Store
	outbox.Store
	consumer.CarStore
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	loc, err := cfg.location()
	if err != nil {
		panic(err)
	}

	st, dbCheck, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.StoreDriver, "err", err)
		panic(err)
	}
	defer closeStore()

	metrics.Register()

	var opts []booking.Option
	checks := []runtime.ReadyCheck{{Name: "db", Check: dbCheck}}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		opts = append(opts, booking.WithCache(cache.NewTimelineCache(rdb, logger, "carshare:timeline", cfg.CacheTTL)))
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: cache.ReadyCheck(rdb), Optional: true})
	}

	svc := booking.NewService(st, logger, booking.Config{
		Buffer:      cfg.Buffer,
		Granularity: cfg.Granularity,
		Location:    loc,
		OpTimeout:   cfg.OpTimeout,
		TxRetries:   cfg.TxRetries,
	}, opts...)

	if strings.TrimSpace(cfg.KafkaBrokers) != "" {
		publisher := outbox.NewPublisher(st, logger, outbox.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			PollEvery: cfg.OutboxPoll,
			BatchSize: cfg.OutboxBatch,
		})
		go publisher.Run(ctx)

		if strings.TrimSpace(cfg.FleetTopic) != "" {
			fleet := consumer.New(logger, st, consumer.Config{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.KafkaGroupID,
				Topic:   cfg.FleetTopic,
			})
			go fleet.Run(ctx)
		}
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers), Optional: true})
	} else {
		logger.Warn("KAFKA_BROKERS not set; outbox events stay pending and fleet updates are not consumed")
	}

	health := grpcserver.NewHealth(logger, 5*time.Second, checks...)
	if err := grpcserver.Start(ctx, logger, health); err != nil {
		logger.Error("grpc server init failed", "err", err)
	}

	api := http.NewServeMux()
	handlers.NewBookingHandler(svc, logger).Register(api)

	limitKey := auth.RateLimitKey(httpx.ClientIP)
	var limit httpx.Middleware
	if rdb != nil {
		limit = httpx.NewRedisRateLimiter(rdb, cfg.RateLimit, cfg.RateLimitWindow, "carshare:ratelimit").WithKey(limitKey).Middleware(logger, true)
	} else {
		limit = httpx.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow).WithKey(limitKey).Middleware()
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", httpx.Chain(api,
		auth.RequireBearer(cfg.JWTSecret),
		limit,
		httpx.WithBodyLimit(cfg.MaxBodyBytes),
		httpx.WithTimeout(cfg.RequestTimeout),
	))

	httpHandler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: httpx.SplitList(cfg.CORSOrigins),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// openStore connects the configured backend and applies its schema.
func openStore(ctx context.Context, cfg Config) (store, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == "postgres" {
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, nil, nil, err
		}
		st := storage.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return st, db.ReadyCheck(pool), pool.Close, nil
	}

	driver := "sqlite"
	if cfg.StoreDriver == "gorm-postgres" {
		driver = "postgres"
	}
	gdb, err := storage.OpenGorm(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	if driver == "sqlite" {
		// sqlite has no row locks; one connection serializes writers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(int(cfg.DBMaxConns))
	}
	st := storage.NewGormStore(gdb)
	if err := st.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, nil, err
	}
	return st, sqlDB.PingContext, func() { _ = sqlDB.Close() }, nil
}
