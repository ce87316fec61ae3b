package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"labelpos/backend/internal/cache"
	"labelpos/backend/internal/catalog"
	"labelpos/backend/internal/config"
	"labelpos/backend/internal/events"
	"labelpos/backend/internal/httpapi"
	"labelpos/backend/internal/service"
	"labelpos/backend/internal/store"
	"labelpos/backend/internal/store/memory"
	pgstore "labelpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	taxRate, err := cfg.TaxRate()
	if err != nil {
		logger.Fatal("invalid tax rate", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("apply schema", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	catalogCache := cache.CatalogCache(cache.NoopCatalogCache{})
	cartTTL := time.Duration(cfg.CartTTLMinutes) * time.Minute
	var carts cache.CartStore = cache.NewMemoryCartStore(cartTTL)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using in-process carts and no catalog cache", zap.Error(err))
			_ = client.Close()
		} else {
			catalogCache = cache.NewRedisCatalogCache(client)
			carts = cache.NewRedisCartStore(client, cartTTL)
			closers = append(closers, client.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: in-process")
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsQueuePrefix, logger)
		if err != nil {
			logger.Warn("amqp unavailable, events disabled", zap.Error(err))
		} else {
			publisher = amqpPublisher
			closers = append(closers, amqpPublisher.Close)
			logger.Info("events: amqp", zap.String("prefix", cfg.EventsQueuePrefix))
		}
	}

	lookup := catalog.NewCached(repo, catalogCache, time.Duration(cfg.CatalogCacheTTLSeconds)*time.Second, logger)
	svc := service.New(repo, service.Options{
		StoreID: cfg.StoreID,
		TaxRate: taxRate,
		Catalog: lookup,
		Recipes: repo,
		Carts:   carts,
		CartTTL: cartTTL,
		Events:  publisher,
		Logger:  logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err := bootstrapManager(ctx, auth, os.Getenv("BOOTSTRAP_MANAGER_USERNAME"), os.Getenv("BOOTSTRAP_MANAGER_PASSWORD")); err != nil {
		logger.Warn("bootstrap manager account", zap.Error(err))
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		LoginPerMinute: cfg.LoginRatePerMinute,
		ScanPerSecond:  cfg.ScanFramesPerSecond,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http-server")),
	}

	go func() {
		logger.Info("POS backend listening",
			zap.String("addr", cfg.Address()),
			zap.String("store_id", cfg.StoreID),
			zap.String("tax_rate", taxRate.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.Config) *zap.Logger {
	build := zap.NewDevelopment
	if cfg.IsProduction() {
		build = zap.NewProduction
	}
	logger, err := build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return zap.NewExample()
	}
	return logger
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if _, err := cfg.TaxRate(); err != nil {
		return err
	}
	if cfg.IsProduction() && strings.TrimSpace(cfg.AllowedOrigin) == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must not be * in production")
	}
	return nil
}

// bootstrapManager creates the first manager account on an empty user store,
// which is how a fresh postgres deployment gets its first login.
func bootstrapManager(ctx context.Context, auth *httpapi.AuthManager, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil
	}
	if len(auth.ListUsers(ctx)) > 0 {
		return nil
	}
	_, err := auth.CreateUser(ctx, httpapi.CreateUserRequest{Username: username, Password: password, Role: "manager"})
	return err
}
