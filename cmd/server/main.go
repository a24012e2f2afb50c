package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"retailpos/internal/cache"
	"retailpos/internal/config"
	"retailpos/internal/httpapi"
	"retailpos/internal/jobs"
	"retailpos/internal/logger"
	"retailpos/internal/observability"
	"retailpos/internal/order"
	"retailpos/internal/payment"
	"retailpos/internal/reconcile"
	"retailpos/internal/service"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
	pgstore "retailpos/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	logg, err := logger.New(logger.Options{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "retailpos-server"})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logg.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logg.Fatal("apply schema", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logg.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(cfg.StoreID, logg)
		logg.Info("repository: in-memory", zap.String("store_id", cfg.StoreID))
	}

	opts := service.Options{
		CurrencyPlaces:   cfg.CurrencyPlaces,
		PointValue:       cfg.PointValue(),
		EarnUnit:         cfg.EarnUnit(),
		PhoneCountryCode: cfg.PhoneCountryCode,
		QR: payment.NewStaticQR(payment.Account{
			BankBIN:     cfg.QRBankBIN,
			AccountNo:   cfg.QRAccountNo,
			AccountName: cfg.QRAccountName,
		}, cfg.QRTTL),
		StatusCache: cache.NoopPaymentStatusCache{},
		Metrics:     observability.NewMetrics(),
		Logger:      logg,
	}

	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPaymentStatusCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logg.Warn("redis unavailable, using noop payment status cache and no qr expiry jobs", zap.Error(err))
			_ = redisCache.Close()
		} else {
			opts.StatusCache = redisCache
			closers = append(closers, redisCache.Close)

			scheduler := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			opts.Scheduler = scheduler
			closers = append(closers, scheduler.Close)
			logg.Info("cache: redis, qr expiry: asynq")
		}
	} else {
		logg.Info("cache: noop")
	}

	if cfg.GeminiAPIKey != "" {
		extractor, err := reconcile.NewGeminiExtractor(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logg.Warn("gemini unavailable, reconciliation needs extracted fields", zap.Error(err))
		} else {
			opts.Extractor = extractor
			closers = append(closers, extractor.Close)
		}
	}

	svc := service.New(repo, opts)
	tabs := order.NewRegistry(svc, order.Config{
		Pricing:      svc.Pricing(),
		PointValue:   cfg.PointValue(),
		PollInterval: cfg.QRPollInterval,
		Logger:       logg.Named("tab"),
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, tabs, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Production:    cfg.IsProduction(),
		Metrics:       opts.Metrics,
		Logger:        logg.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logg.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error("shutdown error", zap.Error(err))
	}
	tabs.CloseAll()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logg.Error("close error", zap.Error(err))
		}
	}

	logg.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.IsProduction() && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set in production")
	}
	if cfg.IsProduction() && (cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*") {
		return fmt.Errorf("ALLOWED_ORIGIN must name the terminal origin in production")
	}
	return nil
}
