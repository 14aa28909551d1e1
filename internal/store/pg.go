package store

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
)

const (
	DefaultMaxConns     = 10
	DefaultQueryTimeout = 30 * time.Second

	// pgUniqueViolation is SQLSTATE 23505. Upserts reload and retry once
	// when they lose a race to it.
	pgUniqueViolation = "23505"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	ConnString      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	QueryTimeout    time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ConnString == "" {
		return errors.New("connection string is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MaxConns > 200 {
		return errors.New("max conns above 200")
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return nil
}

// DB owns the pgx pool and hands out repository implementations bound
// to it.
type DB struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	pool  *pgxpool.Pool
}

// Open parses the connection string, builds the pool, and verifies it
// with a ping. The schema is not touched; call Migrate for that.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("store.open", "invalid config", err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, faults.Config("store.open", "bad connection string", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, faults.Connection("store.open", "pool construction failed", err)
	}
	db := &DB{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "store"),
		clock: cfg.Clock,
		pool:  pool,
	}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.opCtx(ctx)
	defer cancel()
	if err := db.pool.Ping(ctx); err != nil {
		return faults.Connection("store.ping", "database unreachable", err)
	}
	return nil
}

func (db *DB) Close() { db.pool.Close() }

// Store returns the repository set backed by this pool.
func (db *DB) Store() *Store {
	return &Store{
		Devices:     &pgDevices{db},
		Connections: &pgConnections{db},
		Telemetry:   &pgTelemetry{db},
		Alerts:      &pgAlerts{db},
		Zones:       &pgZones{db},
		Snapshots:   &pgSnapshots{db},
		Audit:       &pgAudit{db},
	}
}

// opCtx bounds a single statement or transaction.
func (db *DB) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.cfg.QueryTimeout)
}

// retry runs fn, retrying transient failures with exponential backoff.
// Non-transient errors surface immediately.
func (db *DB) retry(ctx context.Context, repo, op string, fn func(ctx context.Context) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		opCtx, cancel := db.opCtx(ctx)
		defer cancel()
		err := fn(opCtx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo, func(err error, wait time.Duration) {
		metrics.StoreRetries.Inc()
		db.log.Warn("retrying statement",
			"repo", repo, "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues(repo).Inc()
	}
	return err
}

// isTransient reports whether err is worth retrying: connection-class
// SQLSTATEs (08xxx), admin shutdown (57P01), serialization or deadlock
// rollbacks (40001, 40P01), or a network-level failure.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(repo string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return faults.Database(repo, "no matching row", ErrNotFound)
	}
	return faults.Database(repo, "query failed", err)
}

// Migrate creates the schema. Statements are idempotent so restarts and
// rolling deploys can run them unconditionally.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		ctx2, cancel := db.opCtx(ctx)
		_, err := db.pool.Exec(ctx2, stmt)
		cancel()
		if err != nil {
			return faults.Database("store.migrate", "migration failed", err)
		}
	}
	db.log.Info("schema ready", "statements", len(migrations))
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		vendor TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		firmware TEXT NOT NULL DEFAULT '',
		serial TEXT NOT NULL DEFAULT '',
		purdue_level SMALLINT NOT NULL,
		security_zone TEXT NOT NULL,
		status TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		risk_score INT NOT NULL DEFAULT 0,
		risk_assessed_at TIMESTAMPTZ,
		discovered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS interfaces (
		device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		position INT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		mac TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		netmask TEXT NOT NULL DEFAULT '',
		gateway TEXT NOT NULL DEFAULT '',
		vlan INT NOT NULL DEFAULT 0,
		speed_mbps BIGINT NOT NULL DEFAULT 0,
		duplex TEXT NOT NULL DEFAULT '',
		admin_up BOOLEAN NOT NULL DEFAULT FALSE,
		oper_up BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (device_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interfaces_mac ON interfaces (mac) WHERE mac <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_interfaces_ip ON interfaces (ip) WHERE ip <> ''`,
	`CREATE TABLE IF NOT EXISTS connections (
		id UUID PRIMARY KEY,
		source_device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		target_device_id UUID NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		protocol TEXT NOT NULL DEFAULT '',
		port INT NOT NULL DEFAULT 0,
		vlan INT NOT NULL DEFAULT 0,
		bandwidth_mbps DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		secure BOOLEAN NOT NULL DEFAULT FALSE,
		encryption TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		UNIQUE (source_device_id, target_device_id, protocol, port)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_source ON connections (source_device_id)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target ON connections (target_device_id)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		device_id UUID REFERENCES devices(id) ON DELETE SET NULL,
		connection_id UUID,
		details JSONB NOT NULL DEFAULT '{}',
		remediation TEXT NOT NULL DEFAULT '',
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		acknowledged_at TIMESTAMPTZ,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_unresolved ON alerts (created_at) WHERE NOT resolved`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts (device_id)`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		id UUID PRIMARY KEY,
		source TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		record JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_unprocessed ON telemetry (timestamp) WHERE NOT processed`,
	`CREATE TABLE IF NOT EXISTS zones (
		name TEXT PRIMARY KEY,
		purdue_level SMALLINT NOT NULL,
		security_zone TEXT NOT NULL,
		subnets JSONB NOT NULL DEFAULT '[]',
		firewall_rules JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS topology_snapshots (
		id UUID PRIMARY KEY,
		taken_at TIMESTAMPTZ NOT NULL,
		device_count INT NOT NULL,
		connection_count INT NOT NULL,
		zone_count INT NOT NULL,
		body JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON topology_snapshots (taken_at DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		at TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL
	)`,
}
