package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storebot/internal/alerts"
	"github.com/angelmondragon/storebot/internal/notifications"
	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/instance"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
	"github.com/angelmondragon/storebot/pkg/migrate"
	"github.com/angelmondragon/storebot/pkg/telegram"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	telegramClient, err := telegram.NewClient(context.Background(), cfg.Telegram, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create telegram client", err)
		os.Exit(1)
	}
	notifier, err := notifications.NewTelegramNotifier(telegramClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create notifier", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	alerter, err := alerts.New(logg, alerts.NewLogSink(logg), alerts.NewMetricsSink(metrics.NewAlertMetrics(reg)))
	if err != nil {
		logg.Error(context.Background(), "failed to create alerter", err)
		os.Exit(1)
	}

	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherParams{
		Config:     cfg.Notifications,
		Logger:     logg,
		DB:         dbClient,
		Repository: notifications.NewRepository(dbClient.DB()),
		Notifier:   notifier,
		Metrics:    metrics.NewNotificationMetrics(reg),
		Alerts:     alerter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create notification dispatcher", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Dispatcher: dispatcher,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}
