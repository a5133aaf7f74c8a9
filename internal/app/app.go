package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"marketplace-api/internal/config"
	"marketplace-api/internal/database"
	"marketplace-api/internal/event"
	"marketplace-api/internal/handler"
	"marketplace-api/internal/lock"
	"marketplace-api/internal/middleware"
	"marketplace-api/internal/password"
	"marketplace-api/internal/repository"
	"marketplace-api/internal/router"
	"marketplace-api/internal/service"
	"marketplace-api/internal/token"
)

type App struct {
	cfg       *config.Config
	server    *http.Server
	bus       *event.InMemoryBus
	cleanup   *service.SessionCleanup
	forwarder *event.Forwarder

	cleanupFuncs []func()
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	slog.Info("connecting to PostgreSQL")
	db, err := database.New(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		PingTimeout: cfg.DBPingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.cleanupFuncs = append(a.cleanupFuncs, db.Close)

	if cfg.AutoMigrate {
		if err := db.EnsureSchema(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to ensure database schema: %w", err)
		}
	}

	userRepo := repository.NewUserRepository(db.Pool)
	ledgerRepo := repository.NewLedgerRepository(db.Pool)
	slog.Info("database ready")

	codec, err := token.NewCodec(token.Config{
		Secret:    []byte(cfg.JWTSecret),
		Algorithm: cfg.JWTAlgorithm,
		Leeway:    cfg.JWTLeeway,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize token codec: %w", err)
	}

	hasher, err := password.NewHasher(cfg.BcryptCost)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize password hasher: %w", err)
	}

	a.bus = event.NewBus()

	ledger, err := service.NewRevocationLedger(codec, ledgerRepo)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize revocation ledger: %w", err)
	}

	authService, err := service.NewAuthService(service.AuthConfig{
		AccessTTL:   cfg.JWTAccessTTL,
		RefreshTTL:  cfg.JWTRefreshTTL,
		PhoneRegion: cfg.PhoneRegion,
	}, userRepo, ledger, codec, hasher, a.bus)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	var locker service.Locker
	if cfg.RedisAddr != "" {
		client, err := newRedisClient(ctx, cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.cleanupFuncs = append(a.cleanupFuncs, func() { _ = client.Close() })

		redisLocker, err := lock.NewRedisLocker(client, lock.DefaultKey, cfg.CleanupLockTTL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize cleanup lock: %w", err)
		}
		locker = redisLocker
		slog.Info("distributed cleanup lock enabled", "redis_addr", cfg.RedisAddr)
	}

	a.cleanup, err = service.NewSessionCleanup(service.CleanupConfig{
		Interval:     cfg.CleanupInterval,
		Jitter:       cfg.CleanupJitter,
		InitialDelay: cfg.CleanupInitialDelay,
		BatchSize:    cfg.CleanupBatchSize,
	}, ledger, locker, a.bus)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize session cleanup: %w", err)
	}

	if cfg.RabbitMQURL != "" {
		a.forwarder, err = event.Dial(ctx, cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		a.cleanupFuncs = append(a.cleanupFuncs, func() {
			if err := a.forwarder.Close(); err != nil {
				slog.Warn("closing event forwarder", "error", err)
			}
		})
		slog.Info("event forwarding enabled", "queue", cfg.RabbitMQQueue)
	}

	authMiddleware := middleware.NewAuthMiddleware(authService, authService)
	appRouter := router.New(cfg, authMiddleware, router.Handlers{
		Auth:    handler.NewAuthHandler(authService),
		User:    handler.NewUserHandler(authService),
		Session: handler.NewSessionHandler(a.cleanup),
		Health:  handler.NewHealthHandler(db),
	})

	a.server = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           appRouter,
		ReadHeaderTimeout: cfg.ServerReadTimeout,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	return a, nil
}

func newRedisClient(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Run serves until ctx is cancelled, then drains the HTTP server and waits
// for the background workers before releasing resources.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server starting", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if a.cfg.CleanupEnabled {
		g.Go(func() error {
			return a.cleanup.Run(ctx)
		})
	}

	if a.forwarder != nil {
		g.Go(func() error {
			return a.forwarder.Run(ctx, a.bus)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped")
	return nil
}

func (a *App) close() {
	for i := len(a.cleanupFuncs) - 1; i >= 0; i-- {
		a.cleanupFuncs[i]()
	}
	a.cleanupFuncs = nil
}
