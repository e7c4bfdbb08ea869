package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/storebot/api/controllers"
	ordercontrollers "github.com/angelmondragon/storebot/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/storebot/api/controllers/webhooks"
	"github.com/angelmondragon/storebot/api/middleware"
	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/redis"
)

// Orders is the slice of the order ledger the HTTP surface needs.
type Orders interface {
	ordercontrollers.Reader
	ordercontrollers.Fulfiller
}

// Deps carries everything NewRouter mounts.
type Deps struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            controllers.Pinger
	Redis         controllers.Pinger
	Idempotency   redis.IdempotencyStore
	Orders        Orders
	Payments      webhookcontrollers.PaymentEventHandler
	Bot           webhookcontrollers.UpdateHandler
	WebhookSecret string
	Gatherer      prometheus.Gatherer
}

func NewRouter(deps Deps) http.Handler {
	cfg, logg := deps.Config, deps.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    deps.DB,
			"redis": deps.Redis,
		}))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.Payments, logg))
		r.Post("/telegram", webhookcontrollers.TelegramWebhook(deps.Bot, deps.WebhookSecret, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Get("/orders", ordercontrollers.List(deps.Orders, logg))
		r.Get("/orders/{orderId}", ordercontrollers.Detail(deps.Orders, logg))
		r.Get("/stats", ordercontrollers.Stats(deps.Orders, logg))
	})

	r.Route("/api/fulfillment/v1/orders/{orderId}", func(r chi.Router) {
		if deps.Idempotency != nil {
			r.Use(middleware.Idempotency(deps.Idempotency, logg))
		}
		r.Post("/shipped", ordercontrollers.MarkShipped(deps.Orders, logg))
		r.Post("/delivered", ordercontrollers.MarkDelivered(deps.Orders, logg))
		r.Post("/cancel", ordercontrollers.Cancel(deps.Orders, logg))
	})

	return r
}
