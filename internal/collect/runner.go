package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
)

const (
	DefaultPollInterval  = time.Minute
	DefaultPollTimeout   = 30 * time.Second
	DefaultRetries       = 2
	DefaultRetryBaseWait = time.Second
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultDrainTimeout  = 5 * time.Second

	retryMultiplier  = 2
	retryMaxInterval = 30 * time.Second
)

type RunnerConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Collector Collector
	Sink      Sink

	// Alerts, when set, receives an alert the first time a poll fails on an
	// authentication, authorization, or certificate fault. The next
	// successful poll re-arms it.
	Alerts Emitter

	// PollInterval is the tick period; the first poll fires immediately on
	// Run. Ticks that arrive while a poll is in flight are skipped.
	PollInterval time.Duration

	// PollTimeout bounds one poll across all its retries.
	PollTimeout time.Duration

	// Retries is the number of extra attempts after a failed poll. Only
	// retryable faults (connection, timeout, collector) are retried.
	Retries       int
	RetryBaseWait time.Duration

	// BatchSize and FlushInterval bound how long records sit in the runner
	// before they are handed to the sink.
	BatchSize     int
	FlushInterval time.Duration

	// DrainTimeout bounds the final flush after ctx is canceled.
	DrainTimeout time.Duration
}

func (c *RunnerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Collector == nil {
		return errors.New("collector is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.RetryBaseWait <= 0 {
		c.RetryBaseWait = DefaultRetryBaseWait
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}

// Runner drives one polling collector: immediate first poll, fixed-interval
// ticks with single-flight skipping, bounded retries on retryable faults, and
// size- or age-triggered batch flushes to the sink.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger

	inFlight atomic.Bool
	wg       sync.WaitGroup
	results  chan pollResult

	mu         sync.Mutex
	health     Health
	secAlerted bool
}

type pollResult struct {
	records []model.TelemetryRecord
	err     error
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("collect.runner", "invalid config", err)
	}
	return &Runner{
		cfg:     cfg,
		log:     cfg.Logger.With("collector", cfg.Collector.Name()),
		results: make(chan pollResult, 1),
		health: Health{
			Collector: cfg.Collector.Name(),
			Targets:   cfg.Collector.TargetCount(),
		},
	}, nil
}

func (r *Runner) Name() string { return r.cfg.Collector.Name() }

// Health reports the state of the poll loop.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

// Run blocks until ctx is canceled, then drains in-flight work and flushes
// whatever is still pending.
func (r *Runner) Run(ctx context.Context) error {
	pollTicker := r.cfg.Clock.NewTicker(r.cfg.PollInterval)
	defer pollTicker.Stop()
	flushTicker := r.cfg.Clock.NewTicker(r.cfg.FlushInterval)
	defer flushTicker.Stop()

	r.log.Info("collector starting",
		"interval", r.cfg.PollInterval,
		"targets", r.cfg.Collector.TargetCount(),
	)
	r.startPoll(ctx)

	var pending []model.TelemetryRecord
	for {
		select {
		case <-ctx.Done():
			return r.drain(pending)

		case <-pollTicker.Chan():
			r.startPoll(ctx)

		case res := <-r.results:
			if res.err != nil {
				continue
			}
			pending = append(pending, res.records...)
			for len(pending) >= r.cfg.BatchSize {
				r.flush(ctx, pending[:r.cfg.BatchSize])
				pending = append([]model.TelemetryRecord(nil), pending[r.cfg.BatchSize:]...)
			}

		case <-flushTicker.Chan():
			if len(pending) > 0 {
				r.flush(ctx, pending)
				pending = nil
			}
		}
	}
}

func (r *Runner) startPoll(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		metrics.CollectorPollSkips.WithLabelValues(r.Name()).Inc()
		r.log.Warn("previous poll still running, skipping tick")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := r.poll(ctx)
		r.inFlight.Store(false)
		r.results <- res
	}()
}

func (r *Runner) poll(ctx context.Context) pollResult {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	start := r.cfg.Clock.Now()
	r.setHealth(func(h *Health) { h.LastPollAt = start })

	var records []model.TelemetryRecord
	op := func() error {
		var err error
		records, err = r.cfg.Collector.Collect(pollCtx)
		if err != nil && !faults.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.CollectorRetries.WithLabelValues(r.Name()).Inc()
		r.log.Warn("poll attempt failed, retrying", "error", err, "wait", wait)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryBaseWait
	bo.Multiplier = retryMultiplier
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = r.cfg.PollTimeout
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.Retries)), pollCtx), notify)

	metrics.CollectorPolls.WithLabelValues(r.Name()).Inc()
	if err != nil {
		metrics.CollectorPollErrors.WithLabelValues(r.Name()).Inc()
		r.setHealth(func(h *Health) {
			h.Errors++
			h.ConsecutiveFailures++
			h.LastError = err.Error()
		})
		r.log.Error("poll failed", "error", err, "elapsed", r.cfg.Clock.Since(start))
		if faults.Is(err, faults.KindSecurity) {
			metrics.CollectorSecurityFaults.WithLabelValues(r.Name()).Inc()
			r.raiseSecurityAlert(ctx, err)
		}
		return pollResult{err: err}
	}

	r.mu.Lock()
	r.health.LastSuccessAt = r.cfg.Clock.Now()
	r.health.ConsecutiveFailures = 0
	r.health.LastError = ""
	r.secAlerted = false
	r.mu.Unlock()
	r.log.Debug("poll complete", "records", len(records), "elapsed", r.cfg.Clock.Since(start))
	return pollResult{records: records}
}

// raiseSecurityAlert surfaces a credential or certificate rejection as an
// alert. One alert per failure streak; the next successful poll re-arms it.
func (r *Runner) raiseSecurityAlert(ctx context.Context, err error) {
	r.mu.Lock()
	already := r.secAlerted
	r.secAlerted = true
	r.mu.Unlock()
	if already || r.cfg.Alerts == nil {
		return
	}

	a := model.NewAlert(r.cfg.Clock.Now(), model.AlertSecurityViolation, model.SeverityHigh,
		fmt.Sprintf("collector credentials rejected: %s", r.Name()),
		err.Error())
	a.Details["collector"] = r.Name()
	a.Details["source"] = string(r.cfg.Collector.Source())
	a.Remediation = "check the configured user, keys, and certificates for this collector"
	r.cfg.Alerts.Emit(ctx, a)
}

func (r *Runner) flush(ctx context.Context, batch []model.TelemetryRecord) {
	if len(batch) == 0 {
		return
	}
	if err := r.cfg.Sink.Emit(ctx, batch); err != nil {
		metrics.CollectorSinkDrops.WithLabelValues(r.Name()).Inc()
		r.log.Error("sink rejected batch", "size", len(batch), "error", err)
		return
	}
	metrics.CollectorBatches.WithLabelValues(r.Name()).Inc()
	metrics.CollectorRecords.WithLabelValues(r.Name()).Add(float64(len(batch)))
}

// drain waits for the in-flight poll, sweeps any undelivered result, and
// flushes pending records under the drain timeout.
func (r *Runner) drain(pending []model.TelemetryRecord) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	for waiting := true; waiting; {
		select {
		case res := <-r.results:
			if res.err == nil {
				pending = append(pending, res.records...)
			}
		case <-done:
			waiting = false
		}
	}
	for {
		select {
		case res := <-r.results:
			if res.err == nil {
				pending = append(pending, res.records...)
			}
			continue
		default:
		}
		break
	}

	if len(pending) == 0 {
		return nil
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	r.flush(drainCtx, pending)
	r.log.Info("collector drained", "flushed", len(pending))
	return nil
}

func (r *Runner) setHealth(mutate func(*Health)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(&r.health)
}
