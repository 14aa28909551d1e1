package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

const connectionCols = `id, source_device_id, target_device_id, type, protocol,
	port, vlan, bandwidth_mbps, latency_ms, secure, encryption, metadata,
	first_seen_at, last_seen_at`

type pgConnections struct {
	db *DB
}

// Upsert keys on (source, target, protocol, port). A lost insert race
// surfaces as a unique violation; the row is reloaded and merged once, per
// the constraint-violation contract.
func (r *pgConnections) Upsert(ctx context.Context, c model.Connection) (model.Connection, error) {
	if err := c.Validate(); err != nil {
		return model.Connection{}, err
	}
	var out model.Connection
	err := r.db.retry(ctx, "connections", "upsert", func(ctx context.Context) error {
		existing, err := r.findByKey(ctx, c)
		if err == nil {
			out = mergeConnection(existing, c)
			return r.update(ctx, out)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if insErr := r.insert(ctx, c); insErr != nil {
			if !isUniqueViolation(insErr) {
				return faults.Database("store.connections.upsert", "insert failed", insErr)
			}
			// Lost the race: reload and merge.
			existing, err = r.findByKey(ctx, c)
			if err != nil {
				return err
			}
			out = mergeConnection(existing, c)
			return r.update(ctx, out)
		}
		out = c
		return nil
	})
	return out, err
}

func (r *pgConnections) findByKey(ctx context.Context, c model.Connection) (model.Connection, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT `+connectionCols+` FROM connections
		WHERE source_device_id = $1 AND target_device_id = $2 AND protocol = $3 AND port = $4`,
		c.SourceDeviceID, c.TargetDeviceID, c.Protocol, c.Port)
	got, err := scanConnection(row)
	if err != nil {
		return model.Connection{}, notFound("store.connections.find_by_key", err)
	}
	return got, nil
}

func (r *pgConnections) insert(ctx context.Context, c model.Connection) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO connections (`+connectionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		connectionArgs(c)...)
	return err
}

func (r *pgConnections) update(ctx context.Context, c model.Connection) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE connections SET type=$4, vlan=$7, bandwidth_mbps=$8, latency_ms=$9,
			secure=$10, encryption=$11, metadata=$12, first_seen_at=$13, last_seen_at=$14
		WHERE source_device_id=$2 AND target_device_id=$3 AND protocol=$5 AND port=$6 AND id=$1`,
		connectionArgs(c)...)
	if err != nil {
		return faults.Database("store.connections.update", "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Database("store.connections.update", "connection "+c.ID, ErrNotFound)
	}
	return nil
}

func (r *pgConnections) FindByID(ctx context.Context, id string) (model.Connection, error) {
	var out model.Connection
	err := r.db.retry(ctx, "connections", "find_by_id", func(ctx context.Context) error {
		row := r.db.pool.QueryRow(ctx, `SELECT `+connectionCols+` FROM connections WHERE id = $1`, id)
		got, err := scanConnection(row)
		if err != nil {
			return notFound("store.connections.find_by_id", err)
		}
		out = got
		return nil
	})
	return out, err
}

func (r *pgConnections) ListByDevice(ctx context.Context, deviceID string) ([]model.Connection, error) {
	return r.list(ctx, "list_by_device", `
		SELECT `+connectionCols+` FROM connections
		WHERE source_device_id = $1 OR target_device_id = $1
		ORDER BY first_seen_at`, deviceID)
}

func (r *pgConnections) List(ctx context.Context) ([]model.Connection, error) {
	return r.list(ctx, "list", `SELECT `+connectionCols+` FROM connections ORDER BY first_seen_at`)
}

func (r *pgConnections) list(ctx context.Context, op, sql string, args ...any) ([]model.Connection, error) {
	var out []model.Connection
	err := r.db.retry(ctx, "connections", op, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, sql, args...)
		if err != nil {
			return faults.Database("store.connections."+op, "query failed", err)
		}
		defer rows.Close()
		conns := []model.Connection{}
		for rows.Next() {
			c, err := scanConnection(rows)
			if err != nil {
				return faults.Database("store.connections."+op, "scan failed", err)
			}
			conns = append(conns, c)
		}
		if err := rows.Err(); err != nil {
			return faults.Database("store.connections."+op, "row iteration failed", err)
		}
		out = conns
		return nil
	})
	return out, err
}

func (r *pgConnections) Delete(ctx context.Context, id string) (int64, error) {
	var n int64
	err := r.db.retry(ctx, "connections", "delete", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
		if err != nil {
			return faults.Database("store.connections.delete", "delete failed", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func connectionArgs(c model.Connection) []any {
	return []any{
		c.ID, c.SourceDeviceID, c.TargetDeviceID, string(c.Type), c.Protocol,
		c.Port, c.VLAN, c.BandwidthMbps, c.LatencyMS, c.Secure, c.Encryption,
		c.Metadata, c.FirstSeenAt.UTC(), c.LastSeenAt.UTC(),
	}
}

func scanConnection(row pgx.Row) (model.Connection, error) {
	var c model.Connection
	err := row.Scan(&c.ID, &c.SourceDeviceID, &c.TargetDeviceID, &c.Type,
		&c.Protocol, &c.Port, &c.VLAN, &c.BandwidthMbps, &c.LatencyMS,
		&c.Secure, &c.Encryption, &c.Metadata, &c.FirstSeenAt, &c.LastSeenAt)
	if err != nil {
		return model.Connection{}, err
	}
	c.FirstSeenAt = c.FirstSeenAt.UTC()
	c.LastSeenAt = c.LastSeenAt.UTC()
	return c, nil
}

// mergeConnection folds an incoming observation into the stored row:
// counters accumulate, the seen window widens, and descriptive fields fill
// in only where the stored row was empty.
func mergeConnection(stored, in model.Connection) model.Connection {
	stored.Metadata.Bytes += in.Metadata.Bytes
	stored.Metadata.Packets += in.Metadata.Packets
	if in.Metadata.Industrial {
		stored.Metadata.Industrial = true
	}
	if stored.Metadata.IndustrialProtocol == "" {
		stored.Metadata.IndustrialProtocol = in.Metadata.IndustrialProtocol
	}
	if in.FirstSeenAt.Before(stored.FirstSeenAt) {
		stored.FirstSeenAt = in.FirstSeenAt
	}
	if in.LastSeenAt.After(stored.LastSeenAt) {
		stored.LastSeenAt = in.LastSeenAt
	}
	if stored.Type == model.ConnectionUnknown && in.Type != model.ConnectionUnknown {
		stored.Type = in.Type
	}
	if stored.VLAN == 0 {
		stored.VLAN = in.VLAN
	}
	if in.Secure {
		stored.Secure = true
	}
	if stored.Encryption == "" {
		stored.Encryption = in.Encryption
	}
	return stored
}
