package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/faults"
)

// SnapshotSummary is the metadata block of a snapshot.
type SnapshotSummary struct {
	DeviceCount     int           `json:"deviceCount"`
	ConnectionCount int           `json:"connectionCount"`
	ZoneCount       int           `json:"zoneCount"`
	Sources         []string      `json:"sources,omitempty"`
	CaptureDuration time.Duration `json:"captureDuration,omitempty"`
}

// TopologySnapshot is a consistent capture of the graph at a single logical
// instant. Immutable once written.
type TopologySnapshot struct {
	ID          string           `json:"id"`
	TakenAt     time.Time        `json:"takenAt"`
	Devices     []Device         `json:"devices"`
	Connections []Connection     `json:"connections"`
	Zones       []ZoneDefinition `json:"zones,omitempty"`
	Summary     SnapshotSummary  `json:"summary"`
}

func NewTopologySnapshot(ts time.Time, devices []Device, connections []Connection, zones []ZoneDefinition) TopologySnapshot {
	return TopologySnapshot{
		ID:          uuid.NewString(),
		TakenAt:     ts.UTC().Truncate(time.Millisecond),
		Devices:     devices,
		Connections: connections,
		Zones:       zones,
		Summary: SnapshotSummary{
			DeviceCount:     len(devices),
			ConnectionCount: len(connections),
			ZoneCount:       len(zones),
		},
	}
}

// Validate checks referential consistency: every connection endpoint must be
// present in the snapshot's device set.
func (s TopologySnapshot) Validate() error {
	if s.ID == "" {
		return faults.Validation("model.snapshot", "id is required", nil)
	}
	ids := make(map[string]struct{}, len(s.Devices))
	for _, d := range s.Devices {
		ids[d.ID] = struct{}{}
	}
	for _, c := range s.Connections {
		if _, ok := ids[c.SourceDeviceID]; !ok {
			return faults.Validation("model.snapshot", "connection "+c.ID+" references missing source device", nil)
		}
		if _, ok := ids[c.TargetDeviceID]; !ok {
			return faults.Validation("model.snapshot", "connection "+c.ID+" references missing target device", nil)
		}
	}
	return nil
}
