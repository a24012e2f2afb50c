// Command worker expires unpaid QR payment windows queued by the server.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"retailpos/internal/cache"
	"retailpos/internal/config"
	"retailpos/internal/jobs"
	"retailpos/internal/logger"
	"retailpos/internal/service"
	pgstore "retailpos/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg, err := logger.New(logger.Options{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "retailpos-worker"})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	// The worker shares state with the server, so it only runs against
	// postgres and redis.
	if cfg.DatabaseURL == "" || cfg.RedisAddr == "" {
		logg.Fatal("worker needs DATABASE_URL and REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logg.Fatal("postgres unavailable", zap.Error(err))
	}
	defer pg.Close()

	statusCache := cache.NewRedisPaymentStatusCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer statusCache.Close()
	if err := statusCache.Ping(ctx); err != nil {
		logg.Fatal("redis unavailable", zap.Error(err))
	}

	svc := service.New(pg, service.Options{
		CurrencyPlaces: cfg.CurrencyPlaces,
		PointValue:     cfg.PointValue(),
		EarnUnit:       cfg.EarnUnit(),
		StatusCache:    statusCache,
		Logger:         logg,
	})

	worker := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logg,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskQRExpire, Handler: jobs.QRExpireHandler(svc, logg)},
		},
	})
	if err := worker.Run(ctx); err != nil {
		logg.Fatal("worker stopped with error", zap.Error(err))
	}
}
