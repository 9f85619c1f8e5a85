package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tixchange/escrow/internal/audit"
	"github.com/tixchange/escrow/internal/config"
	"github.com/tixchange/escrow/internal/fee"
	"github.com/tixchange/escrow/internal/hold"
	"github.com/tixchange/escrow/internal/ledger"
	"github.com/tixchange/escrow/internal/server"
	"github.com/tixchange/escrow/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New("escrowd", cfg.Log.Level)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	var (
		repo ledger.Repository
		sink audit.Sink = audit.NopSink{}
	)
	switch cfg.Storage.Driver {
	case "memory":
		repo = ledger.NewMemoryRepository()
		zapLogger.Warn("using in-memory storage, state is lost on restart")
	default:
		var dialector gorm.Dialector
		if cfg.Storage.Driver == "sqlite" {
			dialector = sqlite.Open(cfg.Storage.DSN)
		} else {
			dialector = postgres.Open(cfg.Storage.DSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
		if err != nil {
			zapLogger.Fatal("open database", zap.Error(err))
		}
		repo, err = ledger.NewGormRepository(db, zapLogger)
		if err != nil {
			zapLogger.Fatal("initialize ledger repository", zap.Error(err))
		}
		storeSink, err := audit.NewStoreSink(db, zapLogger)
		if err != nil {
			zapLogger.Fatal("initialize audit sink", zap.Error(err))
		}
		sink = storeSink
	}

	var notifier *audit.Notifier
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			zapLogger.Warn("redis unreachable, hold events will not be published", zap.Error(err))
		}
		notifier = audit.NewNotifier(client, cfg.Redis.Channel, zapLogger)
	}

	schedule := fee.Schedule{
		Percent:    cfg.FeePercent(),
		MinimumUSD: cfg.FeeMinimumUSD(),
	}
	collector := fee.NewCollector(repo, cfg.Fees.PlatformAccount, zapLogger)

	registry := prometheus.NewRegistry()
	metrics := hold.NewMetrics(registry)
	svc := hold.NewService(repo, schedule, collector, sink, notifier, zapLogger, metrics)

	srv := server.New(svc, repo, registry, zapLogger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Engine(),
	}

	go func() {
		zapLogger.Info("escrow service listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
	zapLogger.Info("stopped")
}
