package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/config"
	"github.com/iliyamo/restaurant-reservation/internal/database"
	"github.com/iliyamo/restaurant-reservation/internal/gateway"
	"github.com/iliyamo/restaurant-reservation/internal/handler"
	"github.com/iliyamo/restaurant-reservation/internal/lock"
	"github.com/iliyamo/restaurant-reservation/internal/logging"
	"github.com/iliyamo/restaurant-reservation/internal/middleware"
	"github.com/iliyamo/restaurant-reservation/internal/migrate"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
	"github.com/iliyamo/restaurant-reservation/internal/router"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.IsProd())
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log, migrateUp)
		},
	}
	cmd.Flags().BoolVar(&migrateUp, "migrate", false, "apply database migrations before serving")
	return cmd
}

func dbOptions(cfg config.Config) database.Options {
	return database.Options{User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName}
}

func runServer(ctx context.Context, cfg config.Config, log *zap.Logger, migrateUp bool) error {
	db, err := database.Open(ctx, dbOptions(cfg))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if migrateUp {
		if _, err := migrate.Up(ctx, db, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		if cfg.SlotLockBackend == config.LockBackendRedis {
			return fmt.Errorf("redis is required by SLOT_LOCK_BACKEND=redis: %w", err)
		}
		log.Warn("redis unavailable; rate limiting and caching disabled", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	locker, err := newLocker(cfg, db, rdb, log)
	if err != nil {
		return err
	}

	var events service.EventPublisher
	if cfg.RabbitURL != "" {
		pub := queue.NewPublisher(cfg.RabbitURL, cfg.EventsQueue, log)
		defer pub.Close()
		events = pub
	} else {
		log.Info("RABBITMQ_URL not set; domain events disabled")
	}

	restaurants := repository.NewRestaurantRepo(db)
	reservations := repository.NewReservationRepo(db)
	gw := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
		Logger:        log,
	})

	admission := service.NewAdmissionController(restaurants, reservations, locker, events, log, service.AdmissionConfig{
		LockWait:     cfg.SlotLockWait,
		Retries:      cfg.AdmissionRetries,
		RetryBackoff: 50 * time.Millisecond,
	})
	payments := service.NewReconciler(reservations, restaurants, gw, locker, events, log, cfg.SlotLockWait)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(log))

	deps := router.Deps{
		JWTSecret:    cfg.JWTSecret,
		DB:           db,
		Public:       handler.NewPublicHandler(restaurants, admission, log),
		Reservations: handler.NewReservationHandler(admission, log),
		Payments:     handler.NewPaymentHandler(payments, log),
	}
	if rdb != nil {
		deps.Cache = middleware.NewRedisCache(config.LoadCacheConfig(), rdb)
		deps.RateLimit = middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log)
	}
	router.Register(e, deps)

	addr := ":" + cfg.Port
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env),
			zap.String("slot_lock", cfg.SlotLockBackend))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newLocker(cfg config.Config, db *sql.DB, rdb *redis.Client, log *zap.Logger) (lock.Locker, error) {
	switch cfg.SlotLockBackend {
	case config.LockBackendRedis:
		return lock.NewRedis(rdb, "lock:", 30*time.Second, log), nil
	case config.LockBackendLocal:
		log.Warn("process-local slot lock in use; run a single replica")
		return lock.NewLocal(), nil
	case config.LockBackendMySQL:
		return lock.NewMySQL(db, log), nil
	}
	return nil, fmt.Errorf("unknown slot lock backend %q", cfg.SlotLockBackend)
}
