package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

type pgTelemetry struct {
	db *DB
}

// CreateBatch pipelines the inserts over one round trip. The full record
// is stored as JSONB so the payload survives with its source-tagged
// encoding.
func (r *pgTelemetry) CreateBatch(ctx context.Context, recs []model.TelemetryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.db.retry(ctx, "telemetry", "create_batch", func(ctx context.Context) error {
		b := &pgx.Batch{}
		for _, rec := range recs {
			body, err := json.Marshal(rec)
			if err != nil {
				return faults.Validation("store.telemetry.create_batch", "record not encodable", err)
			}
			b.Queue(`
				INSERT INTO telemetry (id, source, timestamp, processed, record)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (id) DO NOTHING`,
				rec.ID.String(), string(rec.Source), rec.Timestamp.UTC(), rec.Processed, body)
		}
		br := r.db.pool.SendBatch(ctx, b)
		defer br.Close()
		for range recs {
			if _, err := br.Exec(); err != nil {
				return faults.Database("store.telemetry.create_batch", "batch insert failed", err)
			}
		}
		return nil
	})
}

func (r *pgTelemetry) MarkProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return r.db.retry(ctx, "telemetry", "mark_processed", func(ctx context.Context) error {
		_, err := r.db.pool.Exec(ctx, `
			UPDATE telemetry SET processed = TRUE WHERE id = ANY($1::uuid[])`, strs)
		if err != nil {
			return faults.Database("store.telemetry.mark_processed", "update failed", err)
		}
		return nil
	})
}

func (r *pgTelemetry) ListUnprocessed(ctx context.Context, limit int) ([]model.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.TelemetryRecord
	err := r.db.retry(ctx, "telemetry", "list_unprocessed", func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, `
			SELECT record FROM telemetry WHERE NOT processed ORDER BY timestamp LIMIT $1`, limit)
		if err != nil {
			return faults.Database("store.telemetry.list_unprocessed", "query failed", err)
		}
		defer rows.Close()
		recs := []model.TelemetryRecord{}
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				return faults.Database("store.telemetry.list_unprocessed", "scan failed", err)
			}
			var rec model.TelemetryRecord
			if err := json.Unmarshal(body, &rec); err != nil {
				return faults.Database("store.telemetry.list_unprocessed", "stored record undecodable", err)
			}
			recs = append(recs, rec)
		}
		if err := rows.Err(); err != nil {
			return faults.Database("store.telemetry.list_unprocessed", "row iteration failed", err)
		}
		out = recs
		return nil
	})
	return out, err
}

func (r *pgTelemetry) Delete(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.retry(ctx, "telemetry", "delete", func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, `DELETE FROM telemetry WHERE timestamp < $1`, cutoff.UTC())
		if err != nil {
			return faults.Database("store.telemetry.delete", "delete failed", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
