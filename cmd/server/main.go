package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/community-economy-ledger/internal/config"
	"github.com/sheikh-saqib/community-economy-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/community-economy-ledger/internal/httpapi"
	"github.com/sheikh-saqib/community-economy-ledger/internal/ledger"
	"github.com/sheikh-saqib/community-economy-ledger/internal/logger"
	"github.com/sheikh-saqib/community-economy-ledger/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger config lives in cfg, so fall back to a default logger
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, postgres.PoolConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(db.DB, log); err != nil {
		return err
	}

	store := postgres.NewPostgresAccountStore(db,
		postgres.WithMaxTxRetries(cfg.Database.MaxTxRetries),
		postgres.WithLogger(log),
	)

	opts := []ledger.Option{ledger.WithLogger(log)}
	if cfg.Kafka.Enabled {
		publisher := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		opts = append(opts, ledger.WithPublisher(publisher))
		log.Info("publishing balance events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	l, err := ledger.NewLedger(store, ledger.Config{
		InitialBalance: cfg.Ledger.InitialBalance,
		RewardFormula:  cfg.Ledger.RewardFormula,
		DailyMinAmount: cfg.Ledger.DailyMinAmount,
		DailyMaxAmount: cfg.Ledger.DailyMaxAmount,
		DailyCooldown:  cfg.Ledger.DailyCooldown,
	}, opts...)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(l, cfg.Admin.Code, cfg.Ledger.LeaderboardLimit, log)
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
