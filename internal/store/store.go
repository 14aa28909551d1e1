// Package store is the persistence layer. Repositories are interfaces so
// the pipeline can run against Postgres in production and the in-memory
// implementation in tests; both enforce the same contracts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/model"
)

// ErrNotFound is wrapped by every repository when a lookup misses.
var ErrNotFound = errors.New("not found")

// SearchQuery filters device searches. Zero fields are ignored; Text
// matches name, hostname, vendor, and model case-insensitively.
type SearchQuery struct {
	Text  string
	Type  model.DeviceType
	Zone  model.SecurityZone
	Level *model.PurdueLevel
	Limit int
}

type DeviceRepo interface {
	Create(ctx context.Context, d model.Device) error
	Update(ctx context.Context, d model.Device) error
	FindByID(ctx context.Context, id string) (model.Device, error)
	FindByIP(ctx context.Context, ip string) (model.Device, error)
	FindByMAC(ctx context.Context, mac string) (model.Device, error)
	// FindByHostname matches hostname or name exactly and may return
	// several devices; correlation disambiguates with other evidence.
	FindByHostname(ctx context.Context, name string) ([]model.Device, error)
	Search(ctx context.Context, q SearchQuery) ([]model.Device, error)
	UpdateLastSeen(ctx context.Context, id string, ts time.Time) error
	UpdateRisk(ctx context.Context, id string, score int, assessedAt time.Time) error
	// Delete returns the number of rows actually removed.
	Delete(ctx context.Context, id string) (int64, error)
	List(ctx context.Context) ([]model.Device, error)
}

type ConnectionRepo interface {
	// Upsert inserts or merges on (source, target, protocol, port):
	// byte and packet counters accumulate, lastSeenAt advances, firstSeenAt
	// keeps the earliest value. The stored row is returned.
	Upsert(ctx context.Context, c model.Connection) (model.Connection, error)
	FindByID(ctx context.Context, id string) (model.Connection, error)
	ListByDevice(ctx context.Context, deviceID string) ([]model.Connection, error)
	List(ctx context.Context) ([]model.Connection, error)
	Delete(ctx context.Context, id string) (int64, error)
}

type TelemetryRepo interface {
	CreateBatch(ctx context.Context, recs []model.TelemetryRecord) error
	MarkProcessed(ctx context.Context, ids []uuid.UUID) error
	ListUnprocessed(ctx context.Context, limit int) ([]model.TelemetryRecord, error)
	// Delete removes records older than cutoff and returns the real count.
	Delete(ctx context.Context, cutoff time.Time) (int64, error)
}

type AlertRepo interface {
	Create(ctx context.Context, a model.Alert) error
	Acknowledge(ctx context.Context, id, by string, at time.Time) error
	Resolve(ctx context.Context, id, by string, at time.Time) error
	FindUnresolved(ctx context.Context) ([]model.Alert, error)
	FindByDevice(ctx context.Context, deviceID string) ([]model.Alert, error)
}

type ZoneRepo interface {
	Upsert(ctx context.Context, z model.ZoneDefinition) error
	List(ctx context.Context) ([]model.ZoneDefinition, error)
}

type SnapshotRepo interface {
	// Create captures devices, connections, and zones in one serializable
	// read and persists the result. Snapshots are immutable once written.
	Create(ctx context.Context) (model.TopologySnapshot, error)
	Latest(ctx context.Context) (model.TopologySnapshot, error)
	FindByID(ctx context.Context, id string) (model.TopologySnapshot, error)
}

type AuditRepo interface {
	Record(ctx context.Context, at time.Time, kind, detail string) error
}

// Store bundles the repositories a pipeline stage receives.
type Store struct {
	Devices     DeviceRepo
	Connections ConnectionRepo
	Telemetry   TelemetryRepo
	Alerts      AlertRepo
	Zones       ZoneRepo
	Snapshots   SnapshotRepo
	Audit       AuditRepo
}
