package collect_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
)

func TestRunner_FlushesAtBatchSize(t *testing.T) {
	t.Parallel()

	coll := newFakeCollector("snmp-batch", 2)
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.BatchSize = 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	batch := sink.recv(t)
	require.Len(t, batch, 2)
	require.Equal(t, model.SourceSNMP, batch[0].Source)

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_FlushesOnInterval(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	coll := newFakeCollector("snmp-interval", 1)
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.Clock = clk
		cfg.BatchSize = 100
		cfg.FlushInterval = 5 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	var batch []model.TelemetryRecord
	require.Eventually(t, func() bool {
		clk.Advance(5 * time.Second)
		select {
		case batch = <-sink.ch:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, batch, 1)

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_SkipsOverlappingPolls(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	coll := newFakeCollector("snmp-slow", 1)
	coll.block = make(chan struct{})
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.Clock = clk
		cfg.PollInterval = time.Minute
		cfg.FlushInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	// First poll is blocked inside Collect; the next tick must be skipped.
	clk.BlockUntil(2)
	skips := testutil.ToFloat64(metrics.CollectorPollSkips.WithLabelValues("snmp-slow"))
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.CollectorPollSkips.WithLabelValues("snmp-slow")) > skips
	}, 5*time.Second, 10*time.Millisecond)

	close(coll.block)
	cancel()
	require.NoError(t, <-done)

	// The blocked poll's records still make it out through the drain.
	batch := sink.recv(t)
	require.Len(t, batch, 1)
}

func TestRunner_RetriesRetryableFaults(t *testing.T) {
	t.Parallel()

	coll := newFakeCollector("snmp-retry", 1)
	coll.errs = []error{faults.Collector("poll", "agent timed out", nil)}
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.BatchSize = 1
		cfg.Retries = 2
		cfg.RetryBaseWait = time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	batch := sink.recv(t)
	require.Len(t, batch, 1)
	require.Equal(t, 2, coll.callCount())

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_DoesNotRetryValidationFaults(t *testing.T) {
	t.Parallel()

	coll := newFakeCollector("snmp-perm", 1)
	coll.errs = []error{faults.Validation("poll", "bad oid", nil)}
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.Retries = 3
		cfg.RetryBaseWait = time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.CollectorPollErrors.WithLabelValues("snmp-perm")) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, coll.callCount())

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_DrainFlushesPending(t *testing.T) {
	t.Parallel()

	coll := newFakeCollector("snmp-drain", 3)
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.BatchSize = 100
		cfg.PollInterval = time.Hour
		cfg.FlushInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, r)

	coll.waitCalled(t)
	cancel()
	require.NoError(t, <-done)

	batch := sink.recv(t)
	require.Len(t, batch, 3)
}

func TestRunner_HealthTracksFailures(t *testing.T) {
	t.Parallel()

	coll := newFakeCollector("snmp-health", 1)
	coll.errs = []error{faults.Validation("poll", "bad oid", nil)}
	sink := newChanSink()
	r := newTestRunner(t, coll, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	require.Eventually(t, func() bool {
		return r.Health().ConsecutiveFailures == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), r.Health().Errors)
	require.Contains(t, r.Health().LastError, "bad oid")

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_SecurityFaultRaisesAlertOncePerStreak(t *testing.T) {
	t.Parallel()

	secErr := faults.Security("opcua.connect", "server rejected our identity", nil)
	coll := newFakeCollector("opcua-sec", 1)
	coll.errs = []error{secErr, secErr, nil, secErr}
	sink := newChanSink()
	alerts := &alertRecorder{}
	r := newTestRunner(t, coll, sink, func(cfg *collect.RunnerConfig) {
		cfg.PollInterval = 10 * time.Millisecond
		cfg.FlushInterval = time.Hour
		cfg.BatchSize = 100
		cfg.Alerts = alerts
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, r)

	// Polls run: rejected (alert), rejected (suppressed), ok (re-arm),
	// rejected (alert), then ok. Entering poll five means poll four finished.
	require.Eventually(t, func() bool {
		return coll.callCount() >= 5
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, alerts.count())
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.CollectorSecurityFaults.WithLabelValues("opcua-sec")))

	a := alerts.last()
	require.Equal(t, model.AlertSecurityViolation, a.Type)
	require.Equal(t, model.SeverityHigh, a.Severity)
	require.Equal(t, "opcua-sec", a.Details["collector"])
	require.Contains(t, a.Description, "rejected our identity")

	cancel()
	require.NoError(t, <-done)
}

func TestRunnerConfig_Rejects(t *testing.T) {
	t.Parallel()

	coll := newFakeCollector("snmp", 1)
	sink := newChanSink()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	_, err := collect.NewRunner(collect.RunnerConfig{Logger: log, Sink: sink})
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindConfig))

	_, err = collect.NewRunner(collect.RunnerConfig{Logger: log, Collector: coll})
	require.Error(t, err)

	_, err = collect.NewRunner(collect.RunnerConfig{Collector: coll, Sink: sink})
	require.Error(t, err)
}

func newTestRunner(t *testing.T, coll collect.Collector, sink collect.Sink, mutate func(*collect.RunnerConfig)) *collect.Runner {
	t.Helper()
	cfg := collect.RunnerConfig{
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:        clockwork.NewRealClock(),
		Collector:    coll,
		Sink:         sink,
		PollInterval: time.Hour,
		PollTimeout:  30 * time.Second,
		Retries:      0,
		BatchSize:    10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := collect.NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func runAsync(ctx context.Context, svc collect.Service) <-chan error {
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	return done
}

// fakeCollector returns perPoll records on each Collect, popping errs first.
type fakeCollector struct {
	name    string
	perPoll int
	block   chan struct{}

	mu     sync.Mutex
	errs   []error
	calls  int
	called chan struct{}
}

func newFakeCollector(name string, perPoll int) *fakeCollector {
	return &fakeCollector{name: name, perPoll: perPoll, called: make(chan struct{}, 16)}
}

func (c *fakeCollector) Name() string                  { return c.name }
func (c *fakeCollector) Source() model.TelemetrySource { return model.SourceSNMP }
func (c *fakeCollector) TargetCount() int              { return 1 }

func (c *fakeCollector) Collect(ctx context.Context) ([]model.TelemetryRecord, error) {
	c.mu.Lock()
	c.calls++
	var err error
	if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	c.mu.Unlock()

	select {
	case c.called <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}

	records := make([]model.TelemetryRecord, 0, c.perPoll)
	for i := 0; i < c.perPoll; i++ {
		rec, err := model.NewTelemetryRecord(time.Now(), &model.SNMPPayload{Target: "10.0.10.5", SysName: "plc-01"})
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *fakeCollector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCollector) waitCalled(t *testing.T) {
	t.Helper()
	select {
	case <-c.called:
	case <-time.After(5 * time.Second):
		t.Fatal("collector was never polled")
	}
}

type chanSink struct {
	ch chan []model.TelemetryRecord
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan []model.TelemetryRecord, 16)}
}

func (s *chanSink) Emit(_ context.Context, batch []model.TelemetryRecord) error {
	s.ch <- batch
	return nil
}

func (s *chanSink) recv(t *testing.T) []model.TelemetryRecord {
	t.Helper()
	select {
	case batch := <-s.ch:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (a *alertRecorder) Emit(_ context.Context, alert model.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func (a *alertRecorder) last() model.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerts[len(a.alerts)-1]
}
