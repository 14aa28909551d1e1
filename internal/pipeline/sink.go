package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/parse"
	"github.com/fieldlight/otgraph/internal/store"
)

// batchEnvelope is the wire form of one collector flush on the telemetry
// topic.
type batchEnvelope struct {
	Collector string                  `json:"collector"`
	Source    model.TelemetrySource   `json:"source"`
	Timestamp time.Time               `json:"timestamp"`
	Count     int                     `json:"count"`
	Data      []model.TelemetryRecord `json:"data"`
}

type SinkConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store
	Engine Enqueuer

	// Pool bounds concurrent persistence writes across all collectors.
	// Sized to the database pool so collectors cannot starve the engine's
	// connection.
	Pool pond.Pool

	// Publisher is optional; Topic applies when it is set.
	Publisher Publisher
	Topic     string
}

func (c *SinkConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.Pool == nil {
		return errors.New("worker pool is required")
	}
	if c.Topic == "" {
		c.Topic = DefaultTelemetryTopic
	}
	return nil
}

// TelemetryFanout lands collector batches: publish to the broker, persist,
// then parse and enqueue in record order. Each runner gets its own Sink view
// so batches carry the collector name; all views share the pool and store.
type TelemetryFanout struct {
	cfg SinkConfig
	log *slog.Logger
}

func NewTelemetryFanout(cfg SinkConfig) (*TelemetryFanout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("pipeline.sink", "invalid config", err)
	}
	return &TelemetryFanout{cfg: cfg, log: cfg.Logger.With("component", "sink")}, nil
}

// Sink returns the collect.Sink for one named collector.
func (f *TelemetryFanout) Sink(collector string) collect.Sink {
	return collectorSink{fanout: f, collector: collector}
}

type collectorSink struct {
	fanout    *TelemetryFanout
	collector string
}

func (s collectorSink) Emit(ctx context.Context, batch []model.TelemetryRecord) error {
	return s.fanout.emit(ctx, s.collector, batch)
}

// emit is the write path for one batch. The store is the source of truth:
// a failed broker publish is logged and the batch continues, a failed
// persist rejects the batch back to the runner. Parse order follows record
// order so per-source evidence reaches the correlator in arrival order.
func (f *TelemetryFanout) emit(ctx context.Context, collector string, batch []model.TelemetryRecord) error {
	if len(batch) == 0 {
		return nil
	}

	if f.cfg.Publisher != nil {
		env := batchEnvelope{
			Collector: collector,
			Source:    batch[0].Source,
			Timestamp: f.cfg.Clock.Now().UTC(),
			Count:     len(batch),
			Data:      batch,
		}
		if err := f.cfg.Publisher.Publish(ctx, f.cfg.Topic, env, qosTelemetry, false); err != nil {
			f.log.Warn("telemetry publish failed", "collector", collector, "records", len(batch), "error", err)
		}
	}

	persist := f.cfg.Pool.SubmitErr(func() error {
		return f.cfg.Store.Telemetry.CreateBatch(ctx, batch)
	})
	if err := persist.Wait(); err != nil {
		return err
	}

	var undecodable []uuid.UUID
	for _, rec := range batch {
		obs, err := parse.Parse(rec)
		if err != nil {
			metrics.ParseErrors.WithLabelValues(string(rec.Source)).Inc()
			f.log.Warn("record dropped by parser", "collector", collector, "record", rec.ID, "error", err)
			undecodable = append(undecodable, rec.ID)
			continue
		}
		if err := f.cfg.Engine.Enqueue(ctx, rec.ID, obs); err != nil {
			return err
		}
	}

	// An undecodable record will never parse better on replay; retire it.
	if len(undecodable) > 0 {
		if err := f.cfg.Store.Telemetry.MarkProcessed(ctx, undecodable); err != nil {
			f.log.Warn("undecodable records not retired", "count", len(undecodable), "error", err)
		}
	}
	return nil
}
