package risk

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/store"
)

const DefaultInterval = time.Hour

// Emitter receives the alerts a scheduler raises. The pipeline's alert
// sink implements it.
type Emitter interface {
	Emit(ctx context.Context, a model.Alert)
}

type SchedulerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store

	// Alerts is optional; without it band-change alerts are dropped.
	Alerts Emitter

	// Interval is the full-recompute cadence.
	Interval time.Duration

	// Notify carries device ids that need an immediate assessment, ahead
	// of the next full pass. Optional.
	Notify <-chan string
}

func (c *SchedulerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return nil
}

// Scheduler recomputes risk for the whole fleet on a fixed cadence and for
// single devices on demand. Scores are written back through the device
// repository; alerts are raised only when a device changes severity band.
type Scheduler struct {
	cfg SchedulerConfig
	log *slog.Logger
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("risk.scheduler", "invalid config", err)
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger.With("component", "risk")}, nil
}

func (s *Scheduler) Name() string { return "risk" }

// Run blocks until ctx is canceled. Each tick is a full recompute; each
// Notify receive assesses one device.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("risk scheduler starting", "interval", s.cfg.Interval)

	notify := s.cfg.Notify
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.Chan():
			if err := s.RecomputeAll(ctx); err != nil {
				s.log.Warn("recompute pass failed", "error", err)
			}

		case id, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			if err := s.Assess(ctx, id); err != nil {
				s.log.Warn("on-demand assessment failed", "device", id, "error", err)
			}
		}
	}
}

// RecomputeAll assesses every device against one consistent read of the
// topology. Individual failures are logged and skipped so one bad row
// cannot starve the rest of the fleet.
func (s *Scheduler) RecomputeAll(ctx context.Context) error {
	devices, err := s.cfg.Store.Devices.List(ctx)
	if err != nil {
		return err
	}
	conns, err := s.cfg.Store.Connections.List(ctx)
	if err != nil {
		return err
	}
	zones, err := s.cfg.Store.Zones.List(ctx)
	if err != nil {
		return err
	}

	peers := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		peers[d.ID] = d
	}
	byDevice := map[string][]model.Connection{}
	for _, c := range conns {
		byDevice[c.SourceDeviceID] = append(byDevice[c.SourceDeviceID], c)
		byDevice[c.TargetDeviceID] = append(byDevice[c.TargetDeviceID], c)
	}

	start := s.cfg.Clock.Now()
	var failed int
	for _, d := range devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		topo := Context{Connections: byDevice[d.ID], Peers: peers, Zones: zones}
		if err := s.assess(ctx, d, topo); err != nil {
			failed++
			s.log.Warn("assessment failed", "device", d.ID, "error", err)
		}
	}
	s.log.Info("recompute pass complete",
		"devices", len(devices),
		"failed", failed,
		"elapsed", s.cfg.Clock.Since(start),
	)
	return nil
}

// Assess recomputes one device against its stored neighborhood.
func (s *Scheduler) Assess(ctx context.Context, deviceID string) error {
	d, err := s.cfg.Store.Devices.FindByID(ctx, deviceID)
	if err != nil {
		return err
	}
	conns, err := s.cfg.Store.Connections.ListByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	zones, err := s.cfg.Store.Zones.List(ctx)
	if err != nil {
		return err
	}

	peers := make(map[string]model.Device, len(conns))
	for _, c := range conns {
		id := peerID(c, d.ID)
		if _, seen := peers[id]; seen {
			continue
		}
		peer, err := s.cfg.Store.Devices.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		peers[id] = peer
	}
	return s.assess(ctx, d, Context{Connections: conns, Peers: peers, Zones: zones})
}

func (s *Scheduler) assess(ctx context.Context, d model.Device, topo Context) error {
	a := Assess(s.cfg.Clock.Now(), d, topo)
	if err := a.Validate(); err != nil {
		return err
	}
	if err := s.cfg.Store.Devices.UpdateRisk(ctx, d.ID, a.OverallScore, a.AssessedAt); err != nil {
		return err
	}
	metrics.RiskAssessments.Inc()

	if s.cfg.Alerts != nil && s.bandChanged(d, a.OverallScore) {
		if alert, due := AssessmentAlert(a, d); due {
			s.cfg.Alerts.Emit(ctx, alert)
		}
	}
	s.log.Debug("device assessed", "device", d.ID, "score", a.OverallScore)
	return nil
}

// bandChanged reports whether the new score lands in a different severity
// band than the stored one. A device with no prior assessment is always a
// band change, so the first scoring of a risky device alerts.
func (s *Scheduler) bandChanged(d model.Device, score int) bool {
	next, due := SeverityForScore(score)
	if !due {
		return false
	}
	if d.RiskAssessedAt.IsZero() {
		return true
	}
	prev, had := SeverityForScore(d.RiskScore)
	return !had || prev != next
}
