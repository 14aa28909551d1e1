package store

import (
	"context"
	"time"

	"github.com/fieldlight/otgraph/internal/faults"
)

type pgAudit struct {
	db *DB
}

func (r *pgAudit) Record(ctx context.Context, at time.Time, kind, detail string) error {
	return r.db.retry(ctx, "audit", "record", func(ctx context.Context) error {
		_, err := r.db.pool.Exec(ctx, `
			INSERT INTO audit_logs (at, kind, detail) VALUES ($1,$2,$3)`,
			at.UTC(), kind, detail)
		if err != nil {
			return faults.Database("store.audit.record", "insert failed", err)
		}
		return nil
	})
}
