package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

type pgSnapshots struct {
	db *DB
}

// Create reads devices, connections, and zones inside one serializable
// transaction so the snapshot is a consistent capture, then writes the
// result as an immutable row. A serialization failure (40001) retries
// through the transient path upstream of this call.
func (r *pgSnapshots) Create(ctx context.Context) (model.TopologySnapshot, error) {
	var snap model.TopologySnapshot
	err := r.db.retry(ctx, "snapshots", "create", func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, r.db.pool,
			pgx.TxOptions{IsoLevel: pgx.Serializable},
			func(tx pgx.Tx) error {
				devices, err := snapshotDevices(ctx, tx)
				if err != nil {
					return err
				}
				connections, err := snapshotConnections(ctx, tx)
				if err != nil {
					return err
				}
				zones, err := snapshotZones(ctx, tx)
				if err != nil {
					return err
				}
				s := model.NewTopologySnapshot(r.db.clock.Now(), devices, connections, zones)
				if err := s.Validate(); err != nil {
					return err
				}
				body, err := json.Marshal(s)
				if err != nil {
					return faults.Database("store.snapshots.create", "snapshot not encodable", err)
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO topology_snapshots (id, taken_at, device_count, connection_count, zone_count, body)
					VALUES ($1,$2,$3,$4,$5,$6)`,
					s.ID, s.TakenAt, s.Summary.DeviceCount, s.Summary.ConnectionCount,
					s.Summary.ZoneCount, body); err != nil {
					return faults.Database("store.snapshots.create", "insert failed", err)
				}
				snap = s
				return nil
			})
	})
	return snap, err
}

func (r *pgSnapshots) Latest(ctx context.Context) (model.TopologySnapshot, error) {
	return r.findOne(ctx, "latest", `
		SELECT body FROM topology_snapshots ORDER BY taken_at DESC LIMIT 1`)
}

func (r *pgSnapshots) FindByID(ctx context.Context, id string) (model.TopologySnapshot, error) {
	return r.findOne(ctx, "find_by_id", `
		SELECT body FROM topology_snapshots WHERE id = $1`, id)
}

func (r *pgSnapshots) findOne(ctx context.Context, op, sql string, args ...any) (model.TopologySnapshot, error) {
	var snap model.TopologySnapshot
	err := r.db.retry(ctx, "snapshots", op, func(ctx context.Context) error {
		var body []byte
		if err := r.db.pool.QueryRow(ctx, sql, args...).Scan(&body); err != nil {
			return notFound("store.snapshots."+op, err)
		}
		if err := json.Unmarshal(body, &snap); err != nil {
			return faults.Database("store.snapshots."+op, "stored snapshot undecodable", err)
		}
		return nil
	})
	return snap, err
}

func snapshotDevices(ctx context.Context, tx pgx.Tx) ([]model.Device, error) {
	rows, err := tx.Query(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY discovered_at`)
	if err != nil {
		return nil, faults.Database("store.snapshots.create", "device read failed", err)
	}
	defer rows.Close()
	devices := []model.Device{}
	index := map[string]int{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, faults.Database("store.snapshots.create", "device scan failed", err)
		}
		index[d.ID] = len(devices)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Database("store.snapshots.create", "device iteration failed", err)
	}
	rows.Close()

	ifRows, err := tx.Query(ctx, `
		SELECT device_id, name, mac, ip, netmask, gateway, vlan, speed_mbps,
			duplex, admin_up, oper_up
		FROM interfaces ORDER BY device_id, position`)
	if err != nil {
		return nil, faults.Database("store.snapshots.create", "interface read failed", err)
	}
	defer ifRows.Close()
	for ifRows.Next() {
		var deviceID string
		var ifc model.NetworkInterface
		if err := ifRows.Scan(&deviceID, &ifc.Name, &ifc.MAC, &ifc.IP, &ifc.Netmask,
			&ifc.Gateway, &ifc.VLAN, &ifc.SpeedMbps, &ifc.Duplex, &ifc.AdminUp, &ifc.OperUp); err != nil {
			return nil, faults.Database("store.snapshots.create", "interface scan failed", err)
		}
		if i, ok := index[deviceID]; ok {
			devices[i].Interfaces = append(devices[i].Interfaces, ifc)
		}
	}
	return devices, ifRows.Err()
}

func snapshotConnections(ctx context.Context, tx pgx.Tx) ([]model.Connection, error) {
	rows, err := tx.Query(ctx, `SELECT `+connectionCols+` FROM connections ORDER BY first_seen_at`)
	if err != nil {
		return nil, faults.Database("store.snapshots.create", "connection read failed", err)
	}
	defer rows.Close()
	conns := []model.Connection{}
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, faults.Database("store.snapshots.create", "connection scan failed", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func snapshotZones(ctx context.Context, tx pgx.Tx) ([]model.ZoneDefinition, error) {
	rows, err := tx.Query(ctx, `
		SELECT name, purdue_level, security_zone, subnets, firewall_rules
		FROM zones ORDER BY name`)
	if err != nil {
		return nil, faults.Database("store.snapshots.create", "zone read failed", err)
	}
	defer rows.Close()
	zones := []model.ZoneDefinition{}
	for rows.Next() {
		var (
			z     model.ZoneDefinition
			level int16
		)
		if err := rows.Scan(&z.Name, &level, &z.SecurityZone, &z.Subnets, &z.FirewallRules); err != nil {
			return nil, faults.Database("store.snapshots.create", "zone scan failed", err)
		}
		z.PurdueLevel = model.PurdueLevel(level)
		zones = append(zones, z)
	}
	return zones, rows.Err()
}
