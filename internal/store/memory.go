package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

// Memory implements every repository in process. One mutex serializes all
// repositories, so SnapshotRepo.Create gets the same consistency the
// serializable transaction gives the Postgres implementation. Values are
// copied on the way in and out; callers never share backing arrays with
// the store.
type Memory struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	devices     map[string]model.Device
	connections map[string]model.Connection
	telemetry   map[uuid.UUID]model.TelemetryRecord
	alerts      map[string]model.Alert
	zones       map[string]model.ZoneDefinition
	snapshots   []model.TopologySnapshot
	audits      []AuditEntry
}

// AuditEntry is one recorded audit event, retained for inspection.
type AuditEntry struct {
	At     time.Time
	Kind   string
	Detail string
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:       clock,
		devices:     map[string]model.Device{},
		connections: map[string]model.Connection{},
		telemetry:   map[uuid.UUID]model.TelemetryRecord{},
		alerts:      map[string]model.Alert{},
		zones:       map[string]model.ZoneDefinition{},
	}
}

func (m *Memory) Store() *Store {
	return &Store{
		Devices:     &memDevices{m},
		Connections: &memConnections{m},
		Telemetry:   &memTelemetry{m},
		Alerts:      &memAlerts{m},
		Zones:       &memZones{m},
		Snapshots:   &memSnapshots{m},
		Audit:       &memAudit{m},
	}
}

// AuditEntries returns a copy of the recorded audit log.
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audits))
	copy(out, m.audits)
	return out
}

type memDevices struct{ m *Memory }

func (r *memDevices) Create(_ context.Context, d model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, exists := r.m.devices[d.ID]; exists {
		return faults.Database("store.devices.create", "device "+d.ID+" already exists", nil)
	}
	r.m.devices[d.ID] = cloneDevice(d)
	return nil
}

func (r *memDevices) Update(_ context.Context, d model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, exists := r.m.devices[d.ID]; !exists {
		return faults.Database("store.devices.update", "device "+d.ID, ErrNotFound)
	}
	r.m.devices[d.ID] = cloneDevice(d)
	return nil
}

func (r *memDevices) FindByID(_ context.Context, id string) (model.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.devices[id]
	if !ok {
		return model.Device{}, faults.Database("store.devices.find_by_id", "device "+id, ErrNotFound)
	}
	return cloneDevice(d), nil
}

func (r *memDevices) FindByIP(_ context.Context, ip string) (model.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.findBy("find_by_ip", func(d model.Device) bool {
		for _, ifc := range d.Interfaces {
			if ifc.IP == ip {
				return true
			}
		}
		return false
	})
}

func (r *memDevices) FindByMAC(_ context.Context, mac string) (model.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.findBy("find_by_mac", func(d model.Device) bool {
		return d.HasMAC(mac)
	})
}

func (r *memDevices) FindByHostname(_ context.Context, name string) ([]model.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.Device{}
	for _, d := range r.m.devices {
		if d.Hostname == name || d.Name == name {
			out = append(out, cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

// findBy returns the most recently seen match, mirroring the SQL
// ORDER BY last_seen_at DESC LIMIT 1. Caller holds the lock.
func (r *memDevices) findBy(op string, match func(model.Device) bool) (model.Device, error) {
	var (
		found model.Device
		ok    bool
	)
	for _, d := range r.m.devices {
		if !match(d) {
			continue
		}
		if !ok || d.LastSeenAt.After(found.LastSeenAt) {
			found, ok = d, true
		}
	}
	if !ok {
		return model.Device{}, faults.Database("store.devices."+op, "no matching device", ErrNotFound)
	}
	return cloneDevice(found), nil
}

func (r *memDevices) Search(_ context.Context, q SearchQuery) ([]model.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	text := strings.ToLower(q.Text)
	out := []model.Device{}
	for _, d := range r.m.devices {
		if text != "" {
			blob := strings.ToLower(d.Name + " " + d.Hostname + " " + d.Vendor + " " + d.Model)
			if !strings.Contains(blob, text) {
				continue
			}
		}
		if q.Type != "" && d.Type != q.Type {
			continue
		}
		if q.Zone != "" && d.SecurityZone != q.Zone {
			continue
		}
		if q.Level != nil && d.PurdueLevel != *q.Level {
			continue
		}
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *memDevices) UpdateLastSeen(_ context.Context, id string, ts time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.devices[id]
	if !ok {
		return faults.Database("store.devices.update_last_seen", "device "+id, ErrNotFound)
	}
	d.Touch(ts)
	r.m.devices[id] = d
	return nil
}

func (r *memDevices) UpdateRisk(_ context.Context, id string, score int, assessedAt time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.devices[id]
	if !ok {
		return faults.Database("store.devices.update_risk", "device "+id, ErrNotFound)
	}
	d.RiskScore = score
	d.RiskAssessedAt = assessedAt.UTC()
	r.m.devices[id] = d
	return nil
}

func (r *memDevices) Delete(_ context.Context, id string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.devices[id]; !ok {
		return 0, nil
	}
	delete(r.m.devices, id)
	// Mirror the FK cascade.
	for cid, c := range r.m.connections {
		if c.SourceDeviceID == id || c.TargetDeviceID == id {
			delete(r.m.connections, cid)
		}
	}
	return 1, nil
}

func (r *memDevices) List(_ context.Context) ([]model.Device, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.listDevicesLocked(), nil
}

func (m *Memory) listDevicesLocked() []model.Device {
	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type memConnections struct{ m *Memory }

func (r *memConnections) Upsert(_ context.Context, c model.Connection) (model.Connection, error) {
	if err := c.Validate(); err != nil {
		return model.Connection{}, err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, existing := range r.m.connections {
		if existing.SourceDeviceID == c.SourceDeviceID &&
			existing.TargetDeviceID == c.TargetDeviceID &&
			existing.Protocol == c.Protocol &&
			existing.Port == c.Port {
			merged := mergeConnection(existing, c)
			r.m.connections[id] = merged
			return merged, nil
		}
	}
	r.m.connections[c.ID] = c
	return c, nil
}

func (r *memConnections) FindByID(_ context.Context, id string) (model.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.connections[id]
	if !ok {
		return model.Connection{}, faults.Database("store.connections.find_by_id", "connection "+id, ErrNotFound)
	}
	return c, nil
}

func (r *memConnections) ListByDevice(_ context.Context, deviceID string) ([]model.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.Connection{}
	for _, c := range r.m.connections {
		if c.SourceDeviceID == deviceID || c.TargetDeviceID == deviceID {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (r *memConnections) List(_ context.Context) ([]model.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.listConnectionsLocked(), nil
}

func (m *Memory) listConnectionsLocked() []model.Connection {
	out := make([]model.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	sortConnections(out)
	return out
}

func (r *memConnections) Delete(_ context.Context, id string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.connections[id]; !ok {
		return 0, nil
	}
	delete(r.m.connections, id)
	return 1, nil
}

func sortConnections(conns []model.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if !conns[i].FirstSeenAt.Equal(conns[j].FirstSeenAt) {
			return conns[i].FirstSeenAt.Before(conns[j].FirstSeenAt)
		}
		return conns[i].ID < conns[j].ID
	})
}

type memTelemetry struct{ m *Memory }

func (r *memTelemetry) CreateBatch(_ context.Context, recs []model.TelemetryRecord) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, rec := range recs {
		if _, exists := r.m.telemetry[rec.ID]; exists {
			continue
		}
		r.m.telemetry[rec.ID] = rec
	}
	return nil
}

func (r *memTelemetry) MarkProcessed(_ context.Context, ids []uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, id := range ids {
		if rec, ok := r.m.telemetry[id]; ok {
			rec.Processed = true
			r.m.telemetry[id] = rec
		}
	}
	return nil
}

func (r *memTelemetry) ListUnprocessed(_ context.Context, limit int) ([]model.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.TelemetryRecord{}
	for _, rec := range r.m.telemetry {
		if !rec.Processed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memTelemetry) Delete(_ context.Context, cutoff time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, rec := range r.m.telemetry {
		if rec.Timestamp.Before(cutoff) {
			delete(r.m.telemetry, id)
			n++
		}
	}
	return n, nil
}

type memAlerts struct{ m *Memory }

func (r *memAlerts) Create(_ context.Context, a model.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.alerts[a.ID] = a
	return nil
}

func (r *memAlerts) Acknowledge(_ context.Context, id, by string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.alerts[id]
	if !ok {
		return faults.Database("store.alerts.acknowledge", "alert "+id, ErrNotFound)
	}
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = at.UTC()
	r.m.alerts[id] = a
	return nil
}

func (r *memAlerts) Resolve(_ context.Context, id, by string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.alerts[id]
	if !ok {
		return faults.Database("store.alerts.resolve", "alert "+id, ErrNotFound)
	}
	a.Resolved = true
	a.ResolvedBy = by
	a.ResolvedAt = at.UTC()
	r.m.alerts[id] = a
	return nil
}

func (r *memAlerts) FindUnresolved(_ context.Context) ([]model.Alert, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.Alert{}
	for _, a := range r.m.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (r *memAlerts) FindByDevice(_ context.Context, deviceID string) ([]model.Alert, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.Alert{}
	for _, a := range r.m.alerts {
		if a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func sortAlerts(alerts []model.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

type memZones struct{ m *Memory }

func (r *memZones) Upsert(_ context.Context, z model.ZoneDefinition) error {
	if err := z.Validate(); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.zones[z.Name] = z
	return nil
}

func (r *memZones) List(_ context.Context) ([]model.ZoneDefinition, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.listZonesLocked(), nil
}

func (m *Memory) listZonesLocked() []model.ZoneDefinition {
	out := make([]model.ZoneDefinition, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type memSnapshots struct{ m *Memory }

func (r *memSnapshots) Create(_ context.Context) (model.TopologySnapshot, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	snap := model.NewTopologySnapshot(r.m.clock.Now(),
		r.m.listDevicesLocked(), r.m.listConnectionsLocked(), r.m.listZonesLocked())
	if err := snap.Validate(); err != nil {
		return model.TopologySnapshot{}, err
	}
	r.m.snapshots = append(r.m.snapshots, snap)
	return snap, nil
}

func (r *memSnapshots) Latest(_ context.Context) (model.TopologySnapshot, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if len(r.m.snapshots) == 0 {
		return model.TopologySnapshot{}, faults.Database("store.snapshots.latest", "no snapshots", ErrNotFound)
	}
	return r.m.snapshots[len(r.m.snapshots)-1], nil
}

func (r *memSnapshots) FindByID(_ context.Context, id string) (model.TopologySnapshot, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.snapshots {
		if s.ID == id {
			return s, nil
		}
	}
	return model.TopologySnapshot{}, faults.Database("store.snapshots.find_by_id", "snapshot "+id, ErrNotFound)
}

type memAudit struct{ m *Memory }

func (r *memAudit) Record(_ context.Context, at time.Time, kind, detail string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.audits = append(r.m.audits, AuditEntry{At: at.UTC(), Kind: kind, Detail: detail})
	return nil
}

func cloneDevice(d model.Device) model.Device {
	out := d
	if d.Interfaces != nil {
		out.Interfaces = make([]model.NetworkInterface, len(d.Interfaces))
		copy(out.Interfaces, d.Interfaces)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
