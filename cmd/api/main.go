package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storebot/api/routes"
	"github.com/angelmondragon/storebot/internal/alerts"
	"github.com/angelmondragon/storebot/internal/bot"
	"github.com/angelmondragon/storebot/internal/cart"
	"github.com/angelmondragon/storebot/internal/catalog"
	"github.com/angelmondragon/storebot/internal/checkout"
	"github.com/angelmondragon/storebot/internal/conversation"
	"github.com/angelmondragon/storebot/internal/notifications"
	"github.com/angelmondragon/storebot/internal/orders"
	"github.com/angelmondragon/storebot/internal/payments"
	"github.com/angelmondragon/storebot/internal/reconcile"
	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/keylock"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
	"github.com/angelmondragon/storebot/pkg/migrate"
	"github.com/angelmondragon/storebot/pkg/mongo"
	"github.com/angelmondragon/storebot/pkg/pubsub"
	"github.com/angelmondragon/storebot/pkg/redis"
	"github.com/angelmondragon/storebot/pkg/stripe"
	"github.com/angelmondragon/storebot/pkg/telegram"
)

const (
	shutdownTimeout  = 15 * time.Second
	recoveryTimeout  = 2 * time.Minute
	paymentEventsKey = "payment-events"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	telegramClient, err := telegram.NewClient(context.Background(), cfg.Telegram, logg)
	requireResource(logg, "telegram client", err)

	reg := prometheus.DefaultRegisterer
	alerter, closeAlerts := buildAlerter(cfg, logg, reg)
	defer closeAlerts()

	locks := keylock.New()
	// conversation state lives in Redis, so the per-user leases do too
	userLocks, err := keylock.NewRedis(redisClient, cfg.Redis.UserLockTTL)
	requireResource(logg, "user locks", err)

	catalogSvc, err := catalog.NewService(catalog.NewRepository(dbClient.DB()))
	requireResource(logg, "catalog service", err)

	cartRepo, closeCartRepo := buildCartRepository(cfg, logg, dbClient)
	defer closeCartRepo()

	cartSvc, err := cart.NewService(cart.ServiceParams{
		Repo:        cartRepo,
		Products:    catalogSvc,
		Locks:       locks,
		Logger:      logg,
		TTL:         cfg.Cart.TTL(),
		MaxQuantity: cfg.Cart.MaxQuantity,
	})
	requireResource(logg, "cart service", err)

	ordersSvc, err := orders.NewService(orders.ServiceParams{
		Repo:    orders.NewRepository(dbClient.DB()),
		Tx:      dbClient,
		Outbox:  notifications.NewRepository(dbClient.DB()),
		Gateway: gateway,
		Locks:   locks,
		Logger:  logg,
	})
	requireResource(logg, "orders service", err)

	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		Config:  cfg.Checkout,
		Carts:   cartSvc,
		Orders:  ordersSvc,
		Gateway: gateway,
		Locks:   userLocks,
		Metrics: metrics.NewCheckoutMetrics(reg),
		Logger:  logg,
	})
	requireResource(logg, "checkout service", err)

	guard, err := reconcile.NewIdempotencyGuard(redisClient, cfg.Redis.IdempotencyTTL, paymentEventsKey)
	requireResource(logg, "payment event guard", err)

	engine, err := reconcile.NewEngine(reconcile.EngineParams{
		Gateway: gateway,
		Orders:  ordersSvc,
		Carts:   cartSvc,
		Events:  reconcile.NewEventRepository(dbClient.DB()),
		Guard:   guard,
		Alerts:  alerter,
		Metrics: metrics.NewReconcileMetrics(reg),
		Logger:  logg,
	})
	requireResource(logg, "reconciliation engine", err)

	stateStore, err := conversation.NewRedisStateStore(redisClient, cfg.Redis.ConversationTTL)
	requireResource(logg, "conversation store", err)

	presenter, err := bot.NewPresenter(telegramClient)
	requireResource(logg, "bot presenter", err)

	machine, err := conversation.NewMachine(conversation.MachineParams{
		Store:     stateStore,
		Carts:     cartSvc,
		Catalog:   catalogSvc,
		Checkout:  checkoutSvc,
		Orders:    ordersSvc,
		Presenter: presenter,
		Locks:     userLocks,
		Logger:    logg,
	})
	requireResource(logg, "conversation machine", err)
	ordersSvc.Subscribe(machine)

	botHandler, err := bot.NewHandler(machine, presenter, logg)
	requireResource(logg, "bot handler", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recoverStale(ctx, logg, engine, cfg.Reconcile.StaleAfter)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"stripe_env": stripeClient.Environment(),
		"cart_store": cfg.Cart.Backend,
	})
	logg.Info(ctx, "starting api server")

	handler := routes.NewRouter(routes.Deps{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Redis:         redisClient,
		Idempotency:   redisClient,
		Orders:        ordersSvc,
		Payments:      engine,
		Bot:           botHandler,
		WebhookSecret: telegramClient.WebhookSecret(),
		Gatherer:      prometheus.DefaultGatherer,
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}

	machine.Wait()
	logg.Info(ctx, "api server shut down gracefully")
}

// recoverStale polls the provider for orders left awaiting payment by a
// previous process, so outcomes whose webhooks were lost still land.
func recoverStale(ctx context.Context, logg *logger.Logger, engine *reconcile.Engine, staleAfter time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, recoveryTimeout)
	defer cancel()
	recovered, err := engine.RecoverStale(ctx, staleAfter)
	if err != nil {
		logg.Error(ctx, "startup payment recovery failed", err)
		return
	}
	logg.Info(logg.WithField(ctx, "orders_checked", recovered), "startup payment recovery complete")
}

func buildAlerter(cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer) (*alerts.Alerter, func()) {
	sinks := []alerts.Sink{
		alerts.NewLogSink(logg),
		alerts.NewMetricsSink(metrics.NewAlertMetrics(reg)),
	}
	closeFn := func() {}
	if cfg.PubSub.Enabled(cfg.GCP) {
		psClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		requireResource(logg, "pubsub", err)
		sinks = append(sinks, alerts.NewPubSubSink(psClient.AlertsPublisher()))
		closeFn = func() {
			if err := psClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}
	}
	alerter, err := alerts.New(logg, sinks...)
	requireResource(logg, "alerter", err)
	return alerter, closeFn
}

func buildCartRepository(cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (cart.Repository, func()) {
	if cfg.Cart.Backend != config.CartBackendMongo {
		return cart.NewGormRepository(dbClient.DB()), func() {}
	}
	mongoClient, err := mongo.New(context.Background(), cfg.Mongo, logg)
	requireResource(logg, "mongo", err)
	return cart.NewMongoRepository(mongoClient.Database()), func() {
		if err := mongoClient.Close(context.Background()); err != nil {
			logg.Error(context.Background(), "error closing mongo", err)
		}
	}
}

func requireResource(logg *logger.Logger, name string, err error) {
	if err == nil {
		return
	}
	logg.Error(logg.WithField(context.Background(), "resource", name), "failed to initialize "+name, err)
	os.Exit(1)
}
