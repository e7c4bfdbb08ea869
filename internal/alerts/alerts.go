// Package alerts raises operator alerts for conditions reconciliation could not
// resolve on its own: orphan events, impossible transitions, partial refunds.
package alerts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/logger"
)

// Alert describes one condition that needs human attention.
type Alert struct {
	Kind     enums.AlertKind `json:"kind"`
	Message  string          `json:"message"`
	OrderID  string          `json:"order_id,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
	IntentID string          `json:"intent_id,omitempty"`
	Details  map[string]any  `json:"details,omitempty"`
	RaisedAt time.Time       `json:"raised_at"`
}

// Sink is one alert destination.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert Alert) error

func (f SinkFunc) Send(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// Alerter fans alerts out to every sink. Delivery is best effort: sink failures
// are logged and never returned to the caller.
type Alerter struct {
	sinks []Sink
	logg  *logger.Logger
	now   func() time.Time
}

func New(logg *logger.Logger, sinks ...Sink) (*Alerter, error) {
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Alerter{sinks: kept, logg: logg, now: time.Now}, nil
}

// Raise stamps the alert and sends it to each sink.
func (a *Alerter) Raise(ctx context.Context, alert Alert) {
	if a == nil {
		return
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = a.now().UTC()
	}
	var errs error
	for _, sink := range a.sinks {
		errs = multierr.Append(errs, sink.Send(ctx, alert))
	}
	if errs != nil {
		a.logg.Error(a.logg.WithField(ctx, "alert_kind", alert.Kind), "alert delivery failed", errs)
	}
}
