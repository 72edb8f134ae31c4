package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ratelimit"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	connectTimeout = 10 * time.Second
	sweepInterval  = time.Minute
)

type app struct {
	handler http.Handler
	logger  *slog.Logger
	closers []func() error
}

func (a *app) onClose(f func() error) { a.closers = append(a.closers, f) }

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// build wires every collaborator from cfg. Coordination state lives in
// Redis when REDIS_ADDR is set and in process memory otherwise; memory
// stores get a janitor goroutine bound to ctx.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	var checks []pinger

	var (
		locks     lock.Locker
		gridStore geo.Store
		rateStore ratelimit.Store
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.onClose(rdb.Close)
		pctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locks = lock.NewRedisLocker(rdb)
		gridStore = geo.NewRedisStore(rdb, clock.Real)
		rateStore = ratelimit.NewRedisStore(rdb, clock.Real)
		checks = append(checks, redisPinger{rdb})
		logger.Info("coordination state in redis", "addr", cfg.Redis.Addr)
	} else {
		locks = lock.NewMemoryLocker(clock.Real)
		gs := geo.NewMemoryStore(clock.Real)
		rs := ratelimit.NewMemoryStore(clock.Real)
		go gs.Run(ctx, sweepInterval)
		go rs.Run(ctx, sweepInterval)
		gridStore, rateStore = gs, rs
		logger.Warn("REDIS_ADDR not set, coordination state is local to this process")
	}

	rides, err := openRideStore(ctx, cfg, a, logger)
	if err != nil {
		return nil, err
	}
	if p, ok := rides.(pinger); ok {
		checks = append(checks, p)
	}

	fanout := notify.NewFanout(logger)
	hub := notify.NewHub(logger)
	a.onClose(func() error { hub.Close(); return nil })
	fanout.Add("ws", hub)
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaRideTopic, logger)
		a.onClose(ks.Close)
		fanout.Add("kafka", ks)
	}
	if cfg.AMQPURL != "" {
		as, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		a.onClose(as.Close)
		fanout.Add("amqp", as)
	}

	deps := dispatch.Deps{Store: rides, Locks: locks, Sink: fanout, Logger: logger}
	if cfg.StripeAPIKey != "" {
		deps.Fares = payments.NewStripeClient(cfg.StripeAPIKey, cfg.FareCurrency)
	}
	coord := dispatch.New(deps, dispatch.Config{LockWait: cfg.LockWait, LockHold: cfg.LockHold})

	gridOpts, err := cfg.Grid.Options()
	if err != nil {
		return nil, err
	}
	grid := geo.NewGrid(gridStore, gridOpts, clock.Real, logger)

	rule := ratelimit.Rule{Permits: cfg.RateLimitPermits, Window: cfg.RateLimitWindow, IdleTTL: cfg.RateLimitIdleTTL}
	limiter := ratelimit.New(rateStore, rule, cfg.RateLimitFailOpen, logger)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-User-ID header")
	}
	api := httpapi.Deps{
		Rides:          coord,
		Locations:      grid,
		Limiter:        limiter,
		Events:         hub,
		Auth:           httpapi.NewAuthenticator(cfg.JWTSecret),
		TrustedProxies: cfg.TrustedProxies,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, c := range checks {
				errs = append(errs, c.Ping(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		a.onClose(producer.Close)
		api.Publisher = producer
		logger.Info("driver locations routed through kafka", "topic", cfg.KafkaLocationTopic)
	}

	a.handler = httpapi.NewServer(api)
	return a, nil
}

func openRideStore(ctx context.Context, cfg config.ServerConfig, a *app, logger *slog.Logger) (storage.RideStore, error) {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch {
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.onClose(ps.Close)
		if cfg.RunMigrations {
			script, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
			if err != nil {
				return nil, fmt.Errorf("read migration: %w", err)
			}
			if err := ps.Migrate(cctx, string(script)); err != nil {
				return nil, fmt.Errorf("apply migration: %w", err)
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		return ps, nil
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(cctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		a.onClose(func() error {
			dctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			return ms.Close(dctx)
		})
		if err := ms.EnsureIndexes(cctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return ms, nil
	default:
		logger.Warn("no PG_DSN or MONGO_URI, rides are kept in memory")
		return storage.NewMemoryStore(clock.Real), nil
	}
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }
