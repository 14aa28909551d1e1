// Package correlate folds parsed evidence into the device graph. A single
// goroutine owns every write: observations arrive through a bounded inbox
// and apply one at a time, so identity resolution never races with itself
// and the store sees a serial history.
package correlate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/parse"
	"github.com/fieldlight/otgraph/internal/store"
)

const (
	DefaultIPCacheSize       = 100_000
	DefaultIPCacheTTL        = 7 * 24 * time.Hour
	DefaultSnapshotInterval  = 5 * time.Minute
	DefaultSnapshotThreshold = 50
	DefaultInboxSize         = 1024
	DefaultDrainTimeout      = 10 * time.Second
)

// Emitter receives alerts raised during correlation. Emit must not block
// for long; the engine is single-threaded.
type Emitter interface {
	Emit(ctx context.Context, a model.Alert)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store

	// Alerts receives every alert the engine raises. Optional.
	Alerts Emitter

	// IPCacheSize and IPCacheTTL bound the IP-to-device cache that serves
	// as the first stop of identity resolution. The least recently used
	// entry is evicted once the cache is full.
	IPCacheSize int
	IPCacheTTL  time.Duration

	// SnapshotInterval and SnapshotThreshold trigger topology snapshots:
	// one every interval, and an early one when enough changes accumulate.
	SnapshotInterval  time.Duration
	SnapshotThreshold int

	// InboxSize bounds the observation queue; Enqueue blocks when full.
	InboxSize int

	// DrainTimeout bounds how long queued observations keep applying after
	// ctx is canceled.
	DrainTimeout time.Duration

	// RiskNotify, when set, receives the id of every device the engine
	// creates or materially changes. Sends never block; a busy analyzer
	// picks the device up on its next sweep instead.
	RiskNotify chan<- string

	// SnapshotSink, when set, receives every snapshot taken. Sends never
	// block; a slow archiver misses snapshots rather than stalling writes.
	SnapshotSink chan<- model.TopologySnapshot
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.IPCacheSize <= 0 {
		c.IPCacheSize = DefaultIPCacheSize
	}
	if c.IPCacheTTL <= 0 {
		c.IPCacheTTL = DefaultIPCacheTTL
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}

type envelope struct {
	id  uuid.UUID
	obs parse.Observation
}

// Engine is the single writer of the topology. Everything below cfg is
// owned by the Run goroutine.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	inbox chan envelope

	ipCache *ttlcache.Cache[string, string]
	zones   []model.ZoneDefinition
	changes int

	crossZoneAlerted map[string]struct{}
	insecureAlerted  map[string]struct{}
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("correlate", "invalid config", err)
	}
	return &Engine{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "correlate"),
		clock: cfg.Clock,
		inbox: make(chan envelope, cfg.InboxSize),
		ipCache: ttlcache.New[string, string](
			ttlcache.WithCapacity[string, string](uint64(cfg.IPCacheSize)),
			ttlcache.WithTTL[string, string](cfg.IPCacheTTL),
		),
		crossZoneAlerted: map[string]struct{}{},
		insecureAlerted:  map[string]struct{}{},
	}, nil
}

func (e *Engine) Name() string { return "correlate" }

// Enqueue hands one observation to the engine. recordID, when not Nil, is
// marked processed once the observation applies without store errors.
// Blocks while the inbox is full.
func (e *Engine) Enqueue(ctx context.Context, recordID uuid.UUID, obs parse.Observation) error {
	select {
	case e.inbox <- envelope{id: recordID, obs: obs}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies observations until ctx is canceled, then drains what is
// already queued and returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	if err := e.warm(ctx); err != nil {
		return err
	}

	ticker := e.clock.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	e.log.Info("correlation engine starting",
		"cache_size", e.cfg.IPCacheSize,
		"snapshot_interval", e.cfg.SnapshotInterval,
	)

	for {
		select {
		case <-ctx.Done():
			e.drainInbox()
			return ctx.Err()

		case env := <-e.inbox:
			e.apply(ctx, env)
			if e.changes >= e.cfg.SnapshotThreshold {
				e.snapshot(ctx, "changes")
			}

		case <-ticker.Chan():
			e.reloadZones(ctx)
			e.snapshot(ctx, "interval")
		}
	}
}

// warm loads zone definitions and primes the IP cache from the stored
// topology so a restart does not re-create devices it already knows.
func (e *Engine) warm(ctx context.Context) error {
	zones, err := e.cfg.Store.Zones.List(ctx)
	if err != nil {
		return err
	}
	e.zones = zones

	devices, err := e.cfg.Store.Devices.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		for _, ip := range d.IPs() {
			e.cacheIP(ip, d.ID)
		}
	}
	e.log.Info("cache warmed", "devices", len(devices), "zones", len(zones), "ips", e.ipCache.Len())
	return nil
}

func (e *Engine) reloadZones(ctx context.Context) {
	zones, err := e.cfg.Store.Zones.List(ctx)
	if err != nil {
		e.log.Warn("zone reload failed", "error", err)
		return
	}
	e.zones = zones
}

// apply walks one observation's evidence in payload order. A store failure
// leaves the record unprocessed; redelivery re-applies it, and every write
// is idempotent, so at-least-once delivery is safe.
func (e *Engine) apply(ctx context.Context, env envelope) {
	obs := env.obs
	metrics.CorrelatorObservations.WithLabelValues(string(obs.Source)).Inc()

	clean := true
	for _, ev := range obs.Devices {
		if err := e.applyDevice(ctx, obs, ev); err != nil {
			clean = false
			e.log.Warn("device evidence not applied", "source", obs.Source, "error", err)
		}
	}
	for _, n := range obs.Neighbors {
		if err := e.applyNeighbor(ctx, obs, n); err != nil {
			clean = false
			e.log.Warn("neighbor evidence not applied", "source", obs.Source, "error", err)
		}
	}
	for _, f := range obs.Flows {
		if err := e.applyFlow(ctx, obs, f); err != nil {
			clean = false
			e.log.Warn("flow evidence not applied", "source", obs.Source, "error", err)
		}
	}
	for _, rt := range obs.Routes {
		if err := e.applyRoute(ctx, obs, rt); err != nil {
			clean = false
			e.log.Warn("route evidence not applied", "source", obs.Source, "error", err)
		}
	}
	for _, sec := range obs.SecurityEvents {
		e.applySecurityEvent(ctx, obs, sec)
	}

	if clean && env.id != uuid.Nil {
		if err := e.cfg.Store.Telemetry.MarkProcessed(ctx, []uuid.UUID{env.id}); err != nil {
			e.log.Warn("mark processed failed", "record", env.id, "error", err)
		}
	}
}

// drainInbox applies whatever is already queued, bounded by the drain
// timeout. Nothing new can arrive usefully: callers observed ctx.Done too.
func (e *Engine) drainInbox() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()
	drained := 0
	for {
		select {
		case env := <-e.inbox:
			e.apply(ctx, env)
			drained++
			if ctx.Err() != nil {
				e.log.Warn("drain timed out", "applied", drained, "queued", len(e.inbox))
				return
			}
		default:
			if drained > 0 {
				e.log.Info("engine drained", "applied", drained)
			}
			return
		}
	}
}

func (e *Engine) snapshot(ctx context.Context, trigger string) {
	snap, err := e.cfg.Store.Snapshots.Create(ctx)
	if err != nil {
		e.log.Error("snapshot failed", "trigger", trigger, "error", err)
		return
	}
	metrics.Snapshots.WithLabelValues(trigger).Inc()
	e.changes = 0
	e.log.Info("topology snapshot",
		"trigger", trigger,
		"devices", snap.Summary.DeviceCount,
		"connections", snap.Summary.ConnectionCount,
	)
	if e.cfg.SnapshotSink != nil {
		select {
		case e.cfg.SnapshotSink <- snap:
		default:
			e.log.Warn("snapshot sink full, skipping archive", "snapshot", snap.ID)
		}
	}
}

// resolveIP finds the device owning ip, consulting the cache before the
// store. A cache entry whose device has been deleted falls through to the
// store lookup.
func (e *Engine) resolveIP(ctx context.Context, ip string) (model.Device, bool, error) {
	if item := e.ipCache.Get(ip); item != nil {
		d, err := e.cfg.Store.Devices.FindByID(ctx, item.Value())
		if err == nil {
			return d, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Device{}, false, err
		}
		e.ipCache.Delete(ip)
	}
	d, err := e.cfg.Store.Devices.FindByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Device{}, false, nil
		}
		return model.Device{}, false, err
	}
	e.cacheIP(ip, d.ID)
	return d, true, nil
}

// resolveHost resolves an identity that may be an address or a hostname.
func (e *Engine) resolveHost(ctx context.Context, host string) (model.Device, bool, error) {
	if host == "" {
		return model.Device{}, false, nil
	}
	if isIPv4(host) {
		return e.resolveIP(ctx, host)
	}
	matches, err := e.cfg.Store.Devices.FindByHostname(ctx, host)
	if err != nil {
		return model.Device{}, false, err
	}
	if len(matches) == 0 {
		return model.Device{}, false, nil
	}
	return matches[0], true, nil
}

func (e *Engine) cacheIP(ip, deviceID string) {
	e.ipCache.Set(ip, deviceID, ttlcache.DefaultTTL)
	metrics.IPCacheEntries.Set(float64(e.ipCache.Len()))
}

func (e *Engine) notifyRisk(deviceID string) {
	if e.cfg.RiskNotify == nil {
		return
	}
	select {
	case e.cfg.RiskNotify <- deviceID:
	default:
	}
}

func (e *Engine) emitAlert(ctx context.Context, a model.Alert) {
	if e.cfg.Alerts == nil {
		return
	}
	e.cfg.Alerts.Emit(ctx, a)
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
