package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics counts provider events by outcome.
type ReconcileMetrics struct {
	events   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewReconcileMetrics registers the reconciliation metrics.
func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	if reg == nil {
		return &ReconcileMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_events_total",
		Help: "Provider events handled, labeled by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_event_duration_seconds",
		Help:    "Time spent handling a provider event.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(events, duration)
	return &ReconcileMetrics{events: events, duration: duration}
}

// Observe records one handled event.
func (m *ReconcileMetrics) Observe(outcome string, elapsed time.Duration) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// CheckoutMetrics counts checkout attempts by result.
type CheckoutMetrics struct {
	results *prometheus.CounterVec
	gateway *prometheus.CounterVec
}

// NewCheckoutMetrics registers the checkout metrics.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_results_total",
		Help: "Checkout attempts, labeled by result.",
	}, []string{"result"})
	gateway := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_gateway_attempts_total",
		Help: "Payment intent creation attempts, labeled by result.",
	}, []string{"result"})
	reg.MustRegister(results, gateway)
	return &CheckoutMetrics{results: results, gateway: gateway}
}

// IncResult increments the checkout result counter.
func (m *CheckoutMetrics) IncResult(result string) {
	if m == nil || m.results == nil {
		return
	}
	m.results.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncGatewayAttempt increments the gateway attempt counter.
func (m *CheckoutMetrics) IncGatewayAttempt(result string) {
	if m == nil || m.gateway == nil {
		return
	}
	m.gateway.WithLabelValues(normalizeLabel(result)).Inc()
}

// NotificationMetrics counts dispatched notifications.
type NotificationMetrics struct {
	dispatched *prometheus.CounterVec
}

// NewNotificationMetrics registers the notification metrics.
func NewNotificationMetrics(reg prometheus.Registerer) *NotificationMetrics {
	if reg == nil {
		return &NotificationMetrics{}
	}
	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Notification delivery attempts, labeled by result.",
	}, []string{"result"})
	reg.MustRegister(dispatched)
	return &NotificationMetrics{dispatched: dispatched}
}

// Inc increments the dispatch counter.
func (m *NotificationMetrics) Inc(result string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(normalizeLabel(result)).Inc()
}

// AlertMetrics counts raised operator alerts.
type AlertMetrics struct {
	raised *prometheus.CounterVec
}

// NewAlertMetrics registers the alert metrics.
func NewAlertMetrics(reg prometheus.Registerer) *AlertMetrics {
	if reg == nil {
		return &AlertMetrics{}
	}
	raised := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "operator_alerts_total",
		Help: "Operator alerts raised, labeled by kind.",
	}, []string{"kind"})
	reg.MustRegister(raised)
	return &AlertMetrics{raised: raised}
}

// Inc increments the alert counter for kind.
func (m *AlertMetrics) Inc(kind string) {
	if m == nil || m.raised == nil {
		return
	}
	m.raised.WithLabelValues(normalizeLabel(kind)).Inc()
}
