package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
)

const (
	DefaultRestartWait    = 5 * time.Second
	DefaultMaxRestarts    = 5
	DefaultHealthInterval = 30 * time.Second
)

type ManagerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Services []Service

	// RestartWait is the pause before a failed service is restarted.
	RestartWait time.Duration

	// MaxRestarts caps restarts per service; exceeding it is fatal for the
	// whole group.
	MaxRestarts int

	HealthInterval time.Duration
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Services) == 0 {
		return errors.New("at least one service is required")
	}
	if c.RestartWait <= 0 {
		c.RestartWait = DefaultRestartWait
	}
	if c.MaxRestarts < 0 {
		return errors.New("max restarts must not be negative")
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	return nil
}

// Manager runs a group of services, restarting any that fail until the
// restart budget is spent. A service that exhausts its budget takes the whole
// group down so the process can exit and be restarted by the host.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	fatalOnce sync.Once
	fatalErr  error
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("collect.manager", "invalid config", err)
	}
	return &Manager{cfg: cfg, log: cfg.Logger.With("component", "manager")}, nil
}

func (m *Manager) Name() string { return "collect" }

// Run blocks until ctx is canceled or a service fails fatally. Returns nil on
// graceful shutdown, the fatal error otherwise.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, svc := range m.cfg.Services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.supervise(runCtx, svc, cancel)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.healthLoop(runCtx)
	}()

	wg.Wait()
	if ctx.Err() != nil {
		m.log.Info("all services stopped")
		return nil
	}
	return m.fatalErr
}

func (m *Manager) supervise(ctx context.Context, svc Service, cancel context.CancelFunc) {
	for restarts := 0; ; restarts++ {
		err := m.runService(ctx, svc)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.log.Info("service finished", "service", svc.Name())
			return
		}
		if restarts >= m.cfg.MaxRestarts {
			m.fatal(fmt.Errorf("service %s failed after %d restarts: %w", svc.Name(), restarts, err))
			cancel()
			return
		}
		metrics.ServiceRestarts.WithLabelValues(svc.Name()).Inc()
		m.log.Error("service failed, restarting",
			"service", svc.Name(),
			"restart", restarts+1,
			"wait", m.cfg.RestartWait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(m.cfg.RestartWait):
		}
	}
}

func (m *Manager) runService(ctx context.Context, svc Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service %s panicked: %v", svc.Name(), r)
		}
	}()
	return svc.Run(ctx)
}

func (m *Manager) healthLoop(ctx context.Context) {
	ticker := m.cfg.Clock.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, svc := range m.cfg.Services {
				reporter, ok := svc.(HealthReporter)
				if !ok {
					continue
				}
				h := reporter.Health()
				m.log.Info("collector health",
					"collector", h.Collector,
					"targets", h.Targets,
					"last_success", h.LastSuccessAt,
					"errors", h.Errors,
					"consecutive_failures", h.ConsecutiveFailures,
					"last_error", h.LastError,
				)
			}
		}
	}
}

func (m *Manager) fatal(err error) {
	m.fatalOnce.Do(func() {
		m.fatalErr = err
		m.log.Error("fatal service failure, stopping all services", "error", err)
	})
}
