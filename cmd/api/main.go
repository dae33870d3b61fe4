// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command api is the entry point for the Passage HTTP API server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Open the profile store (PostgreSQL or SQLite) and run its migrations.
//  4. Connect to Redis.
//  5. Discover the identity provider and load the session signing keys.
//  6. Wire HTTP handlers.
//  7. Run the server and the background janitors until a signal arrives.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taibuivan/passage/internal/api"
	"github.com/taibuivan/passage/internal/platform/config"
	"github.com/taibuivan/passage/internal/platform/constants"
	"github.com/taibuivan/passage/internal/platform/middleware"
	"github.com/taibuivan/passage/internal/platform/migration"
	pgstore "github.com/taibuivan/passage/internal/platform/postgres"
	redisstore "github.com/taibuivan/passage/internal/platform/redis"
	"github.com/taibuivan/passage/internal/platform/sec"
	sqlitestore "github.com/taibuivan/passage/internal/platform/sqlite"
	"github.com/taibuivan/passage/internal/users/profile"
	"github.com/taibuivan/passage/internal/users/ratelimit"
	"github.com/taibuivan/passage/internal/users/session"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	log := newLogger(slog.LevelInfo)
	slog.SetDefault(log)

	log.Info("[Passage] service_initializing", slog.String("version", constants.AppVersion))

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		log = newLogger(slog.LevelDebug)
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("store", cfg.StoreDriver),
	)

	// Root context for startup. A 30s deadline surfaces misconfiguration
	// instead of hanging.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// ── 3. Profile store ──────────────────────────────────────────────────
	store, checkStore, closeStore, err := openStore(startupCtx, cfg, log)
	must(log, err, "open profile store")
	defer closeStore()

	// ── 4. Redis ──────────────────────────────────────────────────────────
	rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, log)
	must(log, err, "connect to redis")
	defer func() {
		log.Info("closing redis client")
		if cerr := rdb.Close(); cerr != nil {
			log.Error("redis close error", slog.Any("error", cerr))
		}
	}()

	// ── 5. Identity & sessions ────────────────────────────────────────────
	verifier, err := sec.NewIdentityVerifier(startupCtx, cfg.IdentityIssuer, cfg.IdentityAudience, cfg.IdentityMaxTokenAge)
	must(log, err, "discover identity provider")

	tokens, err := sec.NewTokenService(cfg.JWTPrivKeyPath, cfg.JWTPubKeyPath, constants.AuthIssuer)
	must(log, err, "initialize jwt service")

	// ── 6. Domain Wiring ──────────────────────────────────────────────────
	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{
		StoreName:  cfg.StoreDriver,
		CheckStore: checkStore,
		CheckCache: func() error {
			return redisstore.Ping(context.Background(), rdb)
		},
	}, log)

	limiter := ratelimit.New(
		ratelimit.NewRedisStore(rdb, constants.RedisPrefixAttempts),
		cfg.RateLimits.Policies(),
		time.Now,
		log,
	)

	profileService := profile.NewService(store, time.Now, log)
	sessionService := session.NewService(
		session.NewRedisRepository(rdb, constants.RedisPrefixSession),
		tokens,
		profileService,
		time.Now,
		log,
	)

	throttle := middleware.NewThrottle(constants.DefaultRateLimitRPS, constants.DefaultRateLimitBurst)

	server := api.NewServer(cfg, log, verifier, throttle, api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Profile:   profile.NewHandler(profileService, limiter),
		Session:   session.NewHandler(sessionService),
	})

	// ── 7. Run until signalled ────────────────────────────────────────────
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		limiter.RunJanitor(groupCtx, constants.AttemptJanitorInterval)
		return nil
	})

	group.Go(func() error {
		throttle.RunJanitor(groupCtx)
		return nil
	})

	// Give in-flight requests enough time to complete once any member stops.
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down server", slog.Duration("timeout", constants.ShutdownTimeout))
		return server.Shutdown(constants.ShutdownTimeout)
	})

	if err := group.Wait(); err != nil {
		log.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped cleanly")
}

// newLogger builds the process logger at level, tagged with the app name.
func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("app", constants.AppName))
}

// openStore opens the profile store selected by cfg.StoreDriver and returns it
// together with its readiness check and closer.
func openStore(startupCtx context.Context, cfg *config.Config, log *slog.Logger) (profile.Store, func() error, func(), error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		db, err := sqlitestore.Open(startupCtx, cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, nil, err
		}

		store, err := profile.NewSQLiteStore(db, log)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}

		check := func() error { return sqlitestore.Ping(context.Background(), db) }
		closer := func() {
			log.Info("closing sqlite database")
			_ = db.Close()
		}
		return store, check, closer, nil
	}

	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	check := func() error { return pgstore.Ping(context.Background(), pool) }
	closer := func() {
		log.Info("closing postgres pool")
		pool.Close()
	}
	return profile.NewPostgresStore(pool), check, closer, nil
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is limited to startup wiring. After startup, all errors are returned and
// handled explicitly.
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
