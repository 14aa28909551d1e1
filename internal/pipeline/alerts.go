package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/store"
)

const DefaultDeliveryTimeout = 10 * time.Second

type AlertSinkConfig struct {
	Logger *slog.Logger
	Store  *store.Store
	Pool   pond.Pool

	// Publisher is optional; Topic applies when it is set.
	Publisher Publisher
	Topic     string

	// WebhookURL, when set, receives every alert as a JSON POST.
	WebhookURL string
	HTTPClient *http.Client

	// DeliveryTimeout bounds one alert's full fan-out.
	DeliveryTimeout time.Duration
}

func (c *AlertSinkConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Pool == nil {
		return errors.New("worker pool is required")
	}
	if c.Topic == "" {
		c.Topic = DefaultAlertTopic
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.DeliveryTimeout}
	}
	return nil
}

// AlertSink fans each alert out to the store, the broker, and the webhook.
// Deliveries run on the pool so the emitting component never waits on I/O,
// and each destination fails independently.
type AlertSink struct {
	cfg AlertSinkConfig
	log *slog.Logger
}

func NewAlertSink(cfg AlertSinkConfig) (*AlertSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("pipeline.alerts", "invalid config", err)
	}
	return &AlertSink{cfg: cfg, log: cfg.Logger.With("component", "alerts")}, nil
}

// Emit satisfies the correlate and risk emitter contracts. Delivery detaches
// from the caller's context; an alert raised during shutdown still drains
// with the pool.
func (s *AlertSink) Emit(_ context.Context, a model.Alert) {
	metrics.AlertsEmitted.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	s.cfg.Pool.Submit(func() { s.deliver(a) })
}

func (s *AlertSink) deliver(a model.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliveryTimeout)
	defer cancel()

	if err := s.cfg.Store.Alerts.Create(ctx, a); err != nil {
		s.log.Error("alert not stored", "alert", a.ID, "type", a.Type, "error", err)
	}
	if s.cfg.Publisher != nil {
		if err := s.cfg.Publisher.Publish(ctx, s.cfg.Topic, a, qosAlerts, false); err != nil {
			s.log.Warn("alert publish failed", "alert", a.ID, "error", err)
		}
	}
	if s.cfg.WebhookURL != "" {
		s.webhook(ctx, a)
	}
}

func (s *AlertSink) webhook(ctx context.Context, a model.Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		s.log.Error("alert not encodable", "alert", a.ID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		s.log.Error("webhook request not buildable", "alert", a.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		s.log.Warn("alert webhook failed", "alert", a.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		s.log.Warn("alert webhook rejected", "alert", a.ID, "status", resp.StatusCode)
	}
}
