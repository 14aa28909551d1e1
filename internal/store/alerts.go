package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

const alertCols = `id, type, severity, title, description, device_id,
	connection_id, details, remediation, acknowledged, acknowledged_by,
	acknowledged_at, resolved, resolved_by, resolved_at, created_at`

type pgAlerts struct {
	db *DB
}

func (r *pgAlerts) Create(ctx context.Context, a model.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return r.db.retry(ctx, "alerts", "create", func(ctx context.Context) error {
		_, err := r.db.pool.Exec(ctx, `
			INSERT INTO alerts (`+alertCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			a.ID, string(a.Type), string(a.Severity), a.Title, a.Description,
			nullableStr(a.DeviceID), nullableStr(a.ConnectionID), a.Details,
			a.Remediation, a.Acknowledged, a.AcknowledgedBy,
			nullableTime(a.AcknowledgedAt), a.Resolved, a.ResolvedBy,
			nullableTime(a.ResolvedAt), a.CreatedAt.UTC())
		if err != nil {
			return faults.Database("store.alerts.create", "insert failed", err)
		}
		return nil
	})
}

func (r *pgAlerts) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	return r.db.retry(ctx, "alerts", "acknowledge", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `
			UPDATE alerts SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
			WHERE id = $1`, id, by, at.UTC())
		if err != nil {
			return faults.Database("store.alerts.acknowledge", "update failed", err)
		}
		if tag.RowsAffected() == 0 {
			return faults.Database("store.alerts.acknowledge", "alert "+id, ErrNotFound)
		}
		return nil
	})
}

func (r *pgAlerts) Resolve(ctx context.Context, id, by string, at time.Time) error {
	return r.db.retry(ctx, "alerts", "resolve", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `
			UPDATE alerts SET resolved = TRUE, resolved_by = $2, resolved_at = $3
			WHERE id = $1`, id, by, at.UTC())
		if err != nil {
			return faults.Database("store.alerts.resolve", "update failed", err)
		}
		if tag.RowsAffected() == 0 {
			return faults.Database("store.alerts.resolve", "alert "+id, ErrNotFound)
		}
		return nil
	})
}

func (r *pgAlerts) FindUnresolved(ctx context.Context) ([]model.Alert, error) {
	return r.list(ctx, "find_unresolved", `
		SELECT `+alertCols+` FROM alerts WHERE NOT resolved ORDER BY created_at`)
}

func (r *pgAlerts) FindByDevice(ctx context.Context, deviceID string) ([]model.Alert, error) {
	return r.list(ctx, "find_by_device", `
		SELECT `+alertCols+` FROM alerts WHERE device_id = $1 ORDER BY created_at`, deviceID)
}

func (r *pgAlerts) list(ctx context.Context, op, sql string, args ...any) ([]model.Alert, error) {
	var out []model.Alert
	err := r.db.retry(ctx, "alerts", op, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, sql, args...)
		if err != nil {
			return faults.Database("store.alerts."+op, "query failed", err)
		}
		defer rows.Close()
		alerts := []model.Alert{}
		for rows.Next() {
			a, err := scanAlert(rows)
			if err != nil {
				return faults.Database("store.alerts."+op, "scan failed", err)
			}
			alerts = append(alerts, a)
		}
		if err := rows.Err(); err != nil {
			return faults.Database("store.alerts."+op, "row iteration failed", err)
		}
		out = alerts
		return nil
	})
	return out, err
}

func scanAlert(row pgx.Row) (model.Alert, error) {
	var (
		a              model.Alert
		deviceID       *string
		connectionID   *string
		acknowledgedAt *time.Time
		resolvedAt     *time.Time
	)
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Title, &a.Description,
		&deviceID, &connectionID, &a.Details, &a.Remediation, &a.Acknowledged,
		&a.AcknowledgedBy, &acknowledgedAt, &a.Resolved, &a.ResolvedBy,
		&resolvedAt, &a.CreatedAt)
	if err != nil {
		return model.Alert{}, err
	}
	if deviceID != nil {
		a.DeviceID = *deviceID
	}
	if connectionID != nil {
		a.ConnectionID = *connectionID
	}
	if acknowledgedAt != nil {
		a.AcknowledgedAt = acknowledgedAt.UTC()
	}
	if resolvedAt != nil {
		a.ResolvedAt = resolvedAt.UTC()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
