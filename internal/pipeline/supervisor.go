package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
)

const (
	DefaultRestartWait    = 2 * time.Second
	DefaultMaxRestartWait = time.Minute
)

type SupervisorConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Components []collect.Service

	// RestartWait is the initial pause after a transient failure; it
	// doubles per restart up to MaxRestartWait.
	RestartWait    time.Duration
	MaxRestartWait time.Duration
}

func (c *SupervisorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Components) == 0 {
		return errors.New("at least one component is required")
	}
	if c.RestartWait <= 0 {
		c.RestartWait = DefaultRestartWait
	}
	if c.MaxRestartWait < c.RestartWait {
		c.MaxRestartWait = DefaultMaxRestartWait
	}
	return nil
}

// Supervisor keeps the top-level components running. Transient failures
// (connection, timeout, collector kinds) restart the component with
// exponential backoff; any other failure is fatal and stops the whole
// pipeline. A panicking component is logged with its stack and left
// stopped while the rest keep running.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger

	fatalOnce sync.Once
	fatalErr  error
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("pipeline.supervisor", "invalid config", err)
	}
	return &Supervisor{cfg: cfg, log: cfg.Logger.With("component", "supervisor")}, nil
}

// Run blocks until ctx is canceled or a component fails fatally. Returns nil
// on graceful shutdown, the fatal error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, comp := range s.cfg.Components {
		comp := comp
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(runCtx, comp, cancel)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		s.log.Info("pipeline stopped")
		return nil
	}
	return s.fatalErr
}

func (s *Supervisor) supervise(ctx context.Context, comp collect.Service, cancel context.CancelFunc) {
	wait := s.cfg.RestartWait
	for {
		panicked, err := s.runComponent(ctx, comp)
		if ctx.Err() != nil {
			return
		}
		switch {
		case panicked:
			// Stack already logged; the component stays down.
			return
		case err == nil:
			s.log.Info("component finished", "component", comp.Name())
			return
		case faults.IsRetryable(err):
			metrics.ServiceRestarts.WithLabelValues(comp.Name()).Inc()
			s.log.Error("component failed, restarting",
				"component", comp.Name(),
				"wait", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-s.cfg.Clock.After(wait):
			}
			if wait *= 2; wait > s.cfg.MaxRestartWait {
				wait = s.cfg.MaxRestartWait
			}
		default:
			s.fatal(fmt.Errorf("component %s: %w", comp.Name(), err))
			cancel()
			return
		}
	}
}

func (s *Supervisor) runComponent(ctx context.Context, comp collect.Service) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("component panicked",
				"component", comp.Name(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return false, comp.Run(ctx)
}

func (s *Supervisor) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.log.Error("fatal component failure, stopping pipeline", "error", err)
	})
}
