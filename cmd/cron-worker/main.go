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
	"github.com/angelmondragon/storebot/internal/cart"
	"github.com/angelmondragon/storebot/internal/catalog"
	"github.com/angelmondragon/storebot/internal/cron"
	"github.com/angelmondragon/storebot/internal/notifications"
	"github.com/angelmondragon/storebot/internal/orders"
	"github.com/angelmondragon/storebot/internal/payments"
	"github.com/angelmondragon/storebot/internal/reconcile"
	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/instance"
	"github.com/angelmondragon/storebot/pkg/keylock"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
	"github.com/angelmondragon/storebot/pkg/migrate"
	"github.com/angelmondragon/storebot/pkg/mongo"
	"github.com/angelmondragon/storebot/pkg/redis"
	"github.com/angelmondragon/storebot/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	err = migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient)
	requireResource(logg, "dev migrations", err)

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	requireResource(logg, "stripe client", err)
	gateway, err := payments.NewStripeGateway(payments.StripeGatewayParams{
		Client:        payments.NewStripeIntentClient(),
		SigningSecret: stripeClient.SigningSecret(),
		Logger:        logg,
		CallTimeout:   cfg.Checkout.GatewayTimeout,
	})
	requireResource(logg, "payment gateway", err)

	reg := prometheus.DefaultRegisterer
	alerter, err := alerts.New(logg, alerts.NewLogSink(logg), alerts.NewMetricsSink(metrics.NewAlertMetrics(reg)))
	requireResource(logg, "alerter", err)

	locks := keylock.New()
	catalogSvc, err := catalog.NewService(catalog.NewRepository(dbClient.DB()))
	requireResource(logg, "catalog service", err)

	var cartRepo cart.Repository = cart.NewGormRepository(dbClient.DB())
	if cfg.Cart.Backend == config.CartBackendMongo {
		mongoClient, err := mongo.New(context.Background(), cfg.Mongo, logg)
		requireResource(logg, "mongo", err)
		defer func() {
			if err := mongoClient.Close(context.Background()); err != nil {
				logg.Error(context.Background(), "error closing mongo", err)
			}
		}()
		cartRepo = cart.NewMongoRepository(mongoClient.Database())
	}
	cartSvc, err := cart.NewService(cart.ServiceParams{
		Repo:        cartRepo,
		Products:    catalogSvc,
		Locks:       locks,
		Logger:      logg,
		TTL:         cfg.Cart.TTL(),
		MaxQuantity: cfg.Cart.MaxQuantity,
	})
	requireResource(logg, "cart service", err)

	notificationRepo := notifications.NewRepository(dbClient.DB())
	ordersSvc, err := orders.NewService(orders.ServiceParams{
		Repo:    orders.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Outbox:  notificationRepo,
		Gateway: gateway,
		Locks:   locks,
		Logger:  logg,
	})
	requireResource(logg, "orders service", err)

	engine, err := reconcile.NewEngine(reconcile.EngineParams{
		Gateway: gateway,
		Orders:  ordersSvc,
		Carts:   cartSvc,
		Events:  reconcile.NewEventRepository(dbClient.DB()),
		Alerts:  alerter,
		Metrics: metrics.NewReconcileMetrics(reg),
		Logger:  logg,
	})
	requireResource(logg, "reconciliation engine", err)

	registry := cron.NewRegistry()
	paymentJob, err := cron.NewPaymentReconcileJob(cron.PaymentReconcileJobParams{
		Logger:         logg,
		Reconciler:     engine,
		StaleAfter:     cfg.Reconcile.StaleAfter,
		PendingTimeout: cfg.Reconcile.PendingTimeout,
	})
	requireResource(logg, "payment reconcile job", err)
	registry.Register(paymentJob)

	retentionJob, err := cron.NewEventRetentionJob(logg, engine, cfg.Reconcile.EventRetention)
	requireResource(logg, "event retention job", err)
	registry.Register(retentionJob)

	sweepJob, err := cron.NewCartSweepJob(logg, cartSvc)
	requireResource(logg, "cart sweep job", err)
	registry.Register(sweepJob)

	cleanupJob, err := cron.NewNotificationCleanupJob(cron.NotificationCleanupJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: notificationRepo,
	})
	requireResource(logg, "notification cleanup job", err)
	registry.Register(cleanupJob)

	lock, err := cron.NewRedisLock(redisClient, lockName(cfg.App.Env), cfg.Cron.LockTTL)
	requireResource(logg, "cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Cron.Interval,
	})
	requireResource(logg, "cron service", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
		"jobs":     registry.Names(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}

func requireResource(logg *logger.Logger, name string, err error) {
	if err == nil {
		return
	}
	logg.Error(logg.WithField(context.Background(), "resource", name), "failed to initialize "+name, err)
	os.Exit(1)
}
