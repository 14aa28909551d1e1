package store

import (
	"context"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

type pgZones struct {
	db *DB
}

func (r *pgZones) Upsert(ctx context.Context, z model.ZoneDefinition) error {
	if err := z.Validate(); err != nil {
		return err
	}
	return r.db.retry(ctx, "zones", "upsert", func(ctx context.Context) error {
		_, err := r.db.pool.Exec(ctx, `
			INSERT INTO zones (name, purdue_level, security_zone, subnets, firewall_rules)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (name) DO UPDATE SET
				purdue_level = EXCLUDED.purdue_level,
				security_zone = EXCLUDED.security_zone,
				subnets = EXCLUDED.subnets,
				firewall_rules = EXCLUDED.firewall_rules`,
			z.Name, int16(z.PurdueLevel), string(z.SecurityZone), z.Subnets, z.FirewallRules)
		if err != nil {
			return faults.Database("store.zones.upsert", "upsert failed", err)
		}
		return nil
	})
}

func (r *pgZones) List(ctx context.Context) ([]model.ZoneDefinition, error) {
	var out []model.ZoneDefinition
	err := r.db.retry(ctx, "zones", "list", func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, `
			SELECT name, purdue_level, security_zone, subnets, firewall_rules
			FROM zones ORDER BY name`)
		if err != nil {
			return faults.Database("store.zones.list", "query failed", err)
		}
		defer rows.Close()
		zones := []model.ZoneDefinition{}
		for rows.Next() {
			var (
				z     model.ZoneDefinition
				level int16
			)
			if err := rows.Scan(&z.Name, &level, &z.SecurityZone, &z.Subnets, &z.FirewallRules); err != nil {
				return faults.Database("store.zones.list", "scan failed", err)
			}
			z.PurdueLevel = model.PurdueLevel(level)
			zones = append(zones, z)
		}
		if err := rows.Err(); err != nil {
			return faults.Database("store.zones.list", "row iteration failed", err)
		}
		out = zones
		return nil
	})
	return out, err
}
