package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

const deviceCols = `id, name, hostname, type, vendor, model, firmware, serial,
	purdue_level, security_zone, status, location, metadata, risk_score,
	risk_assessed_at, discovered_at, last_seen_at`

type pgDevices struct {
	db *DB
}

func (r *pgDevices) Create(ctx context.Context, d model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.db.retry(ctx, "devices", "create", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO devices (`+deviceCols+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
				deviceArgs(d)...); err != nil {
				return faults.Database("store.devices.create", "insert failed", err)
			}
			return insertInterfaces(ctx, tx, d)
		})
	})
}

func (r *pgDevices) Update(ctx context.Context, d model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return r.db.retry(ctx, "devices", "update", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				UPDATE devices SET name=$2, hostname=$3, type=$4, vendor=$5,
					model=$6, firmware=$7, serial=$8, purdue_level=$9,
					security_zone=$10, status=$11, location=$12, metadata=$13,
					risk_score=$14, risk_assessed_at=$15, discovered_at=$16,
					last_seen_at=$17
				WHERE id = $1`,
				deviceArgs(d)...)
			if err != nil {
				return faults.Database("store.devices.update", "update failed", err)
			}
			if tag.RowsAffected() == 0 {
				return faults.Database("store.devices.update", "device "+d.ID, ErrNotFound)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM interfaces WHERE device_id = $1`, d.ID); err != nil {
				return faults.Database("store.devices.update", "interface sweep failed", err)
			}
			return insertInterfaces(ctx, tx, d)
		})
	})
}

func (r *pgDevices) FindByID(ctx context.Context, id string) (model.Device, error) {
	return r.findOne(ctx, "find_by_id", `SELECT `+deviceCols+` FROM devices WHERE id = $1`, id)
}

func (r *pgDevices) FindByIP(ctx context.Context, ip string) (model.Device, error) {
	return r.findOne(ctx, "find_by_ip", `
		SELECT `+deviceCols+` FROM devices
		WHERE id IN (SELECT device_id FROM interfaces WHERE ip = $1)
		ORDER BY last_seen_at DESC LIMIT 1`, ip)
}

func (r *pgDevices) FindByMAC(ctx context.Context, mac string) (model.Device, error) {
	return r.findOne(ctx, "find_by_mac", `
		SELECT `+deviceCols+` FROM devices
		WHERE id IN (SELECT device_id FROM interfaces WHERE mac = $1)
		ORDER BY last_seen_at DESC LIMIT 1`, mac)
}

func (r *pgDevices) FindByHostname(ctx context.Context, name string) ([]model.Device, error) {
	return r.list(ctx, "find_by_hostname", `
		SELECT `+deviceCols+` FROM devices
		WHERE hostname = $1 OR name = $1
		ORDER BY last_seen_at DESC`, name)
}

func (r *pgDevices) findOne(ctx context.Context, op, sql string, arg any) (model.Device, error) {
	var d model.Device
	err := r.db.retry(ctx, "devices", op, func(ctx context.Context) error {
		got, err := scanDevice(r.db.pool.QueryRow(ctx, sql, arg))
		if err != nil {
			return notFound("store.devices."+op, err)
		}
		got.Interfaces, err = loadInterfaces(ctx, r.db.pool, got.ID)
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	return d, err
}

func (r *pgDevices) Search(ctx context.Context, q SearchQuery) ([]model.Device, error) {
	sql := `SELECT ` + deviceCols + ` FROM devices WHERE TRUE`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Text != "" {
		p := next("%" + q.Text + "%")
		sql += fmt.Sprintf(` AND (name ILIKE %[1]s OR hostname ILIKE %[1]s OR vendor ILIKE %[1]s OR model ILIKE %[1]s)`, p)
	}
	if q.Type != "" {
		sql += ` AND type = ` + next(string(q.Type))
	}
	if q.Zone != "" {
		sql += ` AND security_zone = ` + next(string(q.Zone))
	}
	if q.Level != nil {
		sql += ` AND purdue_level = ` + next(int16(*q.Level))
	}
	sql += ` ORDER BY last_seen_at DESC`
	if q.Limit > 0 {
		sql += ` LIMIT ` + next(q.Limit)
	}
	return r.list(ctx, "search", sql, args...)
}

func (r *pgDevices) List(ctx context.Context) ([]model.Device, error) {
	return r.list(ctx, "list", `SELECT `+deviceCols+` FROM devices ORDER BY discovered_at`)
}

func (r *pgDevices) list(ctx context.Context, op, sql string, args ...any) ([]model.Device, error) {
	var out []model.Device
	err := r.db.retry(ctx, "devices", op, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, sql, args...)
		if err != nil {
			return faults.Database("store.devices."+op, "query failed", err)
		}
		defer rows.Close()

		devices := []model.Device{}
		index := map[string]int{}
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return faults.Database("store.devices."+op, "scan failed", err)
			}
			index[d.ID] = len(devices)
			devices = append(devices, d)
		}
		if err := rows.Err(); err != nil {
			return faults.Database("store.devices."+op, "row iteration failed", err)
		}
		if len(devices) == 0 {
			out = devices
			return nil
		}

		ids := make([]string, 0, len(devices))
		for _, d := range devices {
			ids = append(ids, d.ID)
		}
		ifRows, err := r.db.pool.Query(ctx, `
			SELECT device_id, name, mac, ip, netmask, gateway, vlan, speed_mbps,
				duplex, admin_up, oper_up
			FROM interfaces WHERE device_id = ANY($1::uuid[])
			ORDER BY device_id, position`, ids)
		if err != nil {
			return faults.Database("store.devices."+op, "interface query failed", err)
		}
		defer ifRows.Close()
		for ifRows.Next() {
			var deviceID string
			var ifc model.NetworkInterface
			if err := ifRows.Scan(&deviceID, &ifc.Name, &ifc.MAC, &ifc.IP, &ifc.Netmask,
				&ifc.Gateway, &ifc.VLAN, &ifc.SpeedMbps, &ifc.Duplex, &ifc.AdminUp, &ifc.OperUp); err != nil {
				return faults.Database("store.devices."+op, "interface scan failed", err)
			}
			if i, ok := index[deviceID]; ok {
				devices[i].Interfaces = append(devices[i].Interfaces, ifc)
			}
		}
		if err := ifRows.Err(); err != nil {
			return faults.Database("store.devices."+op, "interface iteration failed", err)
		}
		out = devices
		return nil
	})
	return out, err
}

func (r *pgDevices) UpdateLastSeen(ctx context.Context, id string, ts time.Time) error {
	return r.db.retry(ctx, "devices", "update_last_seen", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `
			UPDATE devices SET last_seen_at = GREATEST(last_seen_at, $2) WHERE id = $1`,
			id, ts.UTC())
		if err != nil {
			return faults.Database("store.devices.update_last_seen", "update failed", err)
		}
		if tag.RowsAffected() == 0 {
			return faults.Database("store.devices.update_last_seen", "device "+id, ErrNotFound)
		}
		return nil
	})
}

func (r *pgDevices) UpdateRisk(ctx context.Context, id string, score int, assessedAt time.Time) error {
	return r.db.retry(ctx, "devices", "update_risk", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `
			UPDATE devices SET risk_score = $2, risk_assessed_at = $3 WHERE id = $1`,
			id, score, assessedAt.UTC())
		if err != nil {
			return faults.Database("store.devices.update_risk", "update failed", err)
		}
		if tag.RowsAffected() == 0 {
			return faults.Database("store.devices.update_risk", "device "+id, ErrNotFound)
		}
		return nil
	})
}

// Delete executes exactly one statement and reports the true row count;
// interfaces go with the device through the cascade.
func (r *pgDevices) Delete(ctx context.Context, id string) (int64, error) {
	var n int64
	err := r.db.retry(ctx, "devices", "delete", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
		if err != nil {
			return faults.Database("store.devices.delete", "delete failed", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func deviceArgs(d model.Device) []any {
	return []any{
		d.ID, d.Name, d.Hostname, string(d.Type), d.Vendor, d.Model, d.Firmware,
		d.Serial, int16(d.PurdueLevel), string(d.SecurityZone), string(d.Status),
		d.Location, d.Metadata, d.RiskScore, nullableTime(d.RiskAssessedAt),
		d.DiscoveredAt.UTC(), d.LastSeenAt.UTC(),
	}
}

func scanDevice(row pgx.Row) (model.Device, error) {
	var (
		d          model.Device
		level      int16
		assessedAt *time.Time
	)
	err := row.Scan(&d.ID, &d.Name, &d.Hostname, &d.Type, &d.Vendor, &d.Model,
		&d.Firmware, &d.Serial, &level, &d.SecurityZone, &d.Status, &d.Location,
		&d.Metadata, &d.RiskScore, &assessedAt, &d.DiscoveredAt, &d.LastSeenAt)
	if err != nil {
		return model.Device{}, err
	}
	d.PurdueLevel = model.PurdueLevel(level)
	if assessedAt != nil {
		d.RiskAssessedAt = assessedAt.UTC()
	}
	d.DiscoveredAt = d.DiscoveredAt.UTC()
	d.LastSeenAt = d.LastSeenAt.UTC()
	return d, nil
}

func insertInterfaces(ctx context.Context, tx pgx.Tx, d model.Device) error {
	for i, ifc := range d.Interfaces {
		if _, err := tx.Exec(ctx, `
			INSERT INTO interfaces (device_id, position, name, mac, ip, netmask,
				gateway, vlan, speed_mbps, duplex, admin_up, oper_up)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			d.ID, i, ifc.Name, ifc.MAC, ifc.IP, ifc.Netmask, ifc.Gateway,
			ifc.VLAN, int64(ifc.SpeedMbps), ifc.Duplex, ifc.AdminUp, ifc.OperUp); err != nil {
			return faults.Database("store.devices", "interface insert failed", err)
		}
	}
	return nil
}

func loadInterfaces(ctx context.Context, q querier, deviceID string) ([]model.NetworkInterface, error) {
	rows, err := q.Query(ctx, `
		SELECT name, mac, ip, netmask, gateway, vlan, speed_mbps, duplex, admin_up, oper_up
		FROM interfaces WHERE device_id = $1 ORDER BY position`, deviceID)
	if err != nil {
		return nil, faults.Database("store.devices", "interface query failed", err)
	}
	defer rows.Close()
	var out []model.NetworkInterface
	for rows.Next() {
		var ifc model.NetworkInterface
		if err := rows.Scan(&ifc.Name, &ifc.MAC, &ifc.IP, &ifc.Netmask, &ifc.Gateway,
			&ifc.VLAN, &ifc.SpeedMbps, &ifc.Duplex, &ifc.AdminUp, &ifc.OperUp); err != nil {
			return nil, faults.Database("store.devices", "interface scan failed", err)
		}
		out = append(out, ifc)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Database("store.devices", "interface iteration failed", err)
	}
	return out, nil
}

// querier is the subset of pool and tx used by shared helpers.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
