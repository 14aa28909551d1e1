package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/pipeline"
)

func TestSupervisor_RestartsTransientFailures(t *testing.T) {
	t.Parallel()

	comp := &fakeComponent{name: "collect", errs: []error{
		faults.Connection("transport", "broker session closed", nil),
		faults.Timeout("snmp.walk", "target did not answer", nil),
	}}
	sup := newTestSupervisor(t, comp)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	require.Eventually(t, func() bool {
		return comp.runCount() == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisor_FatalFailureStopsPipeline(t *testing.T) {
	t.Parallel()

	failing := &fakeComponent{name: "correlate", alwaysErr: faults.Database(
		"store.devices.upsert", "schema drift", errors.New("column missing"))}
	healthy := &fakeComponent{name: "metrics"}
	sup := newTestSupervisor(t, failing, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, sup)

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "correlate")
		require.Contains(t, err.Error(), "schema drift")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor kept running after a non-retryable failure")
	}
	// Database faults are never retried.
	require.Equal(t, 1, failing.runCount())
	require.GreaterOrEqual(t, healthy.runCount(), 1)
}

func TestSupervisor_PanicStopsOnlyThatComponent(t *testing.T) {
	t.Parallel()

	panicking := &fakeComponent{name: "archive", panics: 1}
	steady := &fakeComponent{name: "risk"}
	sup := newTestSupervisor(t, panicking, steady)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	require.Eventually(t, func() bool {
		return panicking.runCount() == 1 && steady.runCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the supervisor room to (wrongly) restart the panicked component.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, panicking.runCount())

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisor_CleanShutdown(t *testing.T) {
	t.Parallel()

	a := &fakeComponent{name: "collect"}
	b := &fakeComponent{name: "risk"}
	sup := newTestSupervisor(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	require.Eventually(t, func() bool {
		return a.runCount() == 1 && b.runCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorConfig_Rejects(t *testing.T) {
	t.Parallel()

	_, err := pipeline.NewSupervisor(pipeline.SupervisorConfig{
		Logger: quietLogger(),
	})
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindConfig))

	_, err = pipeline.NewSupervisor(pipeline.SupervisorConfig{
		Components: []collect.Service{&fakeComponent{name: "collect"}},
	})
	require.Error(t, err)
}

func newTestSupervisor(t *testing.T, comps ...collect.Service) *pipeline.Supervisor {
	t.Helper()
	sup, err := pipeline.NewSupervisor(pipeline.SupervisorConfig{
		Logger:         quietLogger(),
		Components:     comps,
		RestartWait:    time.Millisecond,
		MaxRestartWait: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return sup
}

func runAsync(ctx context.Context, sup *pipeline.Supervisor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return done
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeComponent pops errs on successive runs; with none left it blocks until
// ctx is canceled. alwaysErr fails every run.
type fakeComponent struct {
	name      string
	alwaysErr error
	panics    int

	mu   sync.Mutex
	errs []error
	runs int
}

func (c *fakeComponent) Name() string { return c.name }

func (c *fakeComponent) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runs++
	shouldPanic := c.panics > 0
	if shouldPanic {
		c.panics--
	}
	var err error
	if c.alwaysErr != nil {
		err = c.alwaysErr
	} else if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	c.mu.Unlock()

	if shouldPanic {
		panic("component blew up")
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (c *fakeComponent) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}
