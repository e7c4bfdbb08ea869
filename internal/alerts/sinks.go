package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
)

const defaultPublishTimeout = 10 * time.Second

// LogSink writes alerts as error log lines.
type LogSink struct {
	logg *logger.Logger
}

func NewLogSink(logg *logger.Logger) *LogSink {
	return &LogSink{logg: logg}
}

func (s *LogSink) Send(ctx context.Context, alert Alert) error {
	fields := map[string]any{"alert_kind": alert.Kind, "alert": true}
	for k, v := range alert.Details {
		fields["detail_"+k] = v
	}
	ctx = s.logg.WithFields(ctx, fields)
	if alert.OrderID != "" {
		ctx = s.logg.WithOrderID(ctx, alert.OrderID)
	}
	if alert.EventID != "" {
		ctx = s.logg.WithEventID(ctx, alert.EventID)
	}
	if alert.IntentID != "" {
		ctx = s.logg.WithField(ctx, "intent_id", alert.IntentID)
	}
	s.logg.Error(ctx, alert.Message, nil)
	return nil
}

// MetricsSink counts alerts per kind.
type MetricsSink struct {
	metrics *metrics.AlertMetrics
}

func NewMetricsSink(m *metrics.AlertMetrics) *MetricsSink {
	return &MetricsSink{metrics: m}
}

func (s *MetricsSink) Send(_ context.Context, alert Alert) error {
	s.metrics.Inc(string(alert.Kind))
	return nil
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// PubSubSink publishes alerts as JSON messages to the operator alerts topic.
type PubSubSink struct {
	pub     publisher
	timeout time.Duration
}

// NewPubSubSink wraps a topic publisher. Sending on the nil sink returned for a
// nil publisher is a no-op.
func NewPubSubSink(p *gcppubsub.Publisher) *PubSubSink {
	if p == nil {
		return nil
	}
	return &PubSubSink{pub: &gcpPublisher{Publisher: p}, timeout: defaultPublishTimeout}
}

func (s *PubSubSink) Send(ctx context.Context, alert Alert) error {
	if s == nil || s.pub == nil {
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"alert_kind": string(alert.Kind),
			"raised_at":  alert.RaisedAt.Format(time.RFC3339Nano),
		},
	}
	if alert.OrderID != "" {
		msg.Attributes["order_id"] = alert.OrderID
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result := s.pub.Publish(publishCtx, msg)
	if result == nil {
		return errors.New("publisher returned nil result")
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return p.Publisher.Publish(ctx, msg)
}
