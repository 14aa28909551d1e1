package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/faults"
)

type ConnectionType string

const (
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionSerial   ConnectionType = "serial"
	ConnectionModbus   ConnectionType = "modbus"
	ConnectionProfinet ConnectionType = "profinet"
	ConnectionProfibus ConnectionType = "profibus"
	ConnectionFieldbus ConnectionType = "fieldbus"
	ConnectionWireless ConnectionType = "wireless"
	ConnectionFiber    ConnectionType = "fiber"
	ConnectionUnknown  ConnectionType = "unknown"
)

// ConnectionMetadata carries traffic counters and industrial-protocol
// recognition for a connection.
type ConnectionMetadata struct {
	Bytes              uint64 `json:"bytes,omitempty"`
	Packets            uint64 `json:"packets,omitempty"`
	Industrial         bool   `json:"industrial,omitempty"`
	IndustrialProtocol string `json:"industrialProtocol,omitempty"`
}

// Connection is a directed edge between two devices. Uniqueness is on
// (source, target, protocol, port).
type Connection struct {
	ID             string             `json:"id"`
	SourceDeviceID string             `json:"sourceDeviceId"`
	TargetDeviceID string             `json:"targetDeviceId"`
	Type           ConnectionType     `json:"type"`
	Protocol       string             `json:"protocol,omitempty"`
	Port           int                `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	VLAN           int                `json:"vlan,omitempty" validate:"omitempty,min=1,max=4094"`
	BandwidthMbps  uint64             `json:"bandwidthMbps,omitempty"`
	LatencyMS      float64            `json:"latencyMs,omitempty"`
	Secure         bool               `json:"secure"`
	Encryption     string             `json:"encryption,omitempty"`
	FirstSeenAt    time.Time          `json:"firstSeenAt"`
	LastSeenAt     time.Time          `json:"lastSeenAt"`
	Metadata       ConnectionMetadata `json:"metadata"`
}

// NewConnection creates an edge first observed at ts.
func NewConnection(ts time.Time, sourceID, targetID string, typ ConnectionType) Connection {
	ts = ts.UTC().Truncate(time.Millisecond)
	return Connection{
		ID:             uuid.NewString(),
		SourceDeviceID: sourceID,
		TargetDeviceID: targetID,
		Type:           typ,
		FirstSeenAt:    ts,
		LastSeenAt:     ts,
	}
}

// Validate enforces distinct existing endpoints and field bounds.
func (c Connection) Validate() error {
	if c.ID == "" {
		return faults.Validation("model.connection", "id is required", nil)
	}
	if c.SourceDeviceID == "" || c.TargetDeviceID == "" {
		return faults.Validation("model.connection", "both endpoint ids are required", nil)
	}
	if c.SourceDeviceID == c.TargetDeviceID {
		return faults.Validation("model.connection", "endpoints must be distinct devices", nil)
	}
	if err := validate.Struct(c); err != nil {
		return faults.Validation("model.connection", "field validation failed", err)
	}
	return nil
}
