package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/faults"
)

type TelemetrySource string

const (
	SourceSNMP     TelemetrySource = "snmp"
	SourceARP      TelemetrySource = "arp"
	SourceMACTable TelemetrySource = "mac_table"
	SourceNetFlow  TelemetrySource = "netflow"
	SourceSyslog   TelemetrySource = "syslog"
	SourceRouting  TelemetrySource = "routing"
	SourceOPCUA    TelemetrySource = "opcua"
	SourceModbus   TelemetrySource = "modbus"
	SourceManual   TelemetrySource = "manual"
)

// Payload is the typed data carried by a TelemetryRecord. There is exactly
// one variant per TelemetrySource; the record's JSON encoding dispatches on
// the source tag so decode restores the same variant.
type Payload interface {
	Source() TelemetrySource
	Validate() error
}

// SNMPInterface is one ifTable row.
type SNMPInterface struct {
	Index       int    `json:"index"`
	Descr       string `json:"descr,omitempty"`
	Type        int    `json:"type,omitempty"`
	SpeedBps    uint64 `json:"speedBps,omitempty"`
	MAC         string `json:"mac,omitempty"`
	AdminStatus int    `json:"adminStatus" validate:"omitempty,min=1,max=3"`
	OperStatus  int    `json:"operStatus" validate:"omitempty,min=1,max=7"`
	InOctets    uint64 `json:"inOctets,omitempty"`
	OutOctets   uint64 `json:"outOctets,omitempty"`
}

// ARPEntry is a neighbor-table row, from either the local kernel cache or a
// device's ipNetToMedia table.
type ARPEntry struct {
	IP        string        `json:"ip" validate:"required,ipv4"`
	MAC       string        `json:"mac" validate:"required"`
	Interface string        `json:"interface,omitempty"`
	VLAN      int           `json:"vlan,omitempty" validate:"omitempty,min=1,max=4094"`
	Kind      string        `json:"kind,omitempty" validate:"omitempty,oneof=dynamic static"`
	Age       time.Duration `json:"age,omitempty"`
}

// FDBEntry is a bridge forwarding-database row.
type FDBEntry struct {
	MAC       string `json:"mac" validate:"required"`
	Interface string `json:"interface,omitempty"`
	VLAN      int    `json:"vlan,omitempty" validate:"omitempty,min=1,max=4094"`
}

// LLDPNeighbor is an lldpRemTable row.
type LLDPNeighbor struct {
	LocalPort string `json:"localPort,omitempty"`
	ChassisID string `json:"chassisId,omitempty"`
	PortID    string `json:"portId,omitempty"`
	SysName   string `json:"sysName,omitempty"`
	SysDescr  string `json:"sysDescr,omitempty"`
}

// EntityInfo is the distilled entPhysicalTable identity of a target.
type EntityInfo struct {
	Vendor   string `json:"vendor,omitempty"`
	Model    string `json:"model,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// SNMPPayload is one full walk of a target. Partial marks a walk that
// failed partway; whatever was collected up to the failure is kept.
type SNMPPayload struct {
	Target      string          `json:"target"`
	SysDescr    string          `json:"sysDescr,omitempty"`
	SysObjectID string          `json:"sysObjectId,omitempty"`
	SysUpTime   uint32          `json:"sysUpTime,omitempty"`
	SysName     string          `json:"sysName,omitempty"`
	SysLocation string          `json:"sysLocation,omitempty"`
	SysServices int             `json:"sysServices,omitempty"`
	Interfaces  []SNMPInterface `json:"interfaces,omitempty" validate:"dive"`
	ARPEntries  []ARPEntry      `json:"arpEntries,omitempty" validate:"dive"`
	FDBEntries  []FDBEntry      `json:"fdbEntries,omitempty" validate:"dive"`
	Neighbors   []LLDPNeighbor  `json:"neighbors,omitempty"`
	Entity      *EntityInfo     `json:"entity,omitempty"`
	Partial     bool            `json:"partial,omitempty"`
}

func (p *SNMPPayload) Source() TelemetrySource { return SourceSNMP }
func (p *SNMPPayload) Validate() error         { return validatePayload(p) }

type ARPPayload struct {
	Host    string     `json:"host,omitempty"`
	Entries []ARPEntry `json:"entries" validate:"dive"`
}

func (p *ARPPayload) Source() TelemetrySource { return SourceARP }
func (p *ARPPayload) Validate() error         { return validatePayload(p) }

type MACTablePayload struct {
	Host    string     `json:"host,omitempty"`
	Entries []FDBEntry `json:"entries" validate:"dive"`
}

func (p *MACTablePayload) Source() TelemetrySource { return SourceMACTable }
func (p *MACTablePayload) Validate() error         { return validatePayload(p) }

// FlowPayload is one (possibly aggregated) NetFlow record.
type FlowPayload struct {
	SrcIP              string    `json:"srcIp" validate:"required,ipv4"`
	DstIP              string    `json:"dstIp" validate:"required,ipv4"`
	SrcPort            int       `json:"srcPort" validate:"min=1,max=65535"`
	DstPort            int       `json:"dstPort" validate:"min=1,max=65535"`
	Protocol           int       `json:"protocol" validate:"min=0,max=255"`
	Bytes              uint64    `json:"bytes"`
	Packets            uint64    `json:"packets"`
	First              time.Time `json:"first"`
	Last               time.Time `json:"last"`
	TCPFlags           uint8     `json:"tcpFlags,omitempty"`
	ToS                uint8     `json:"tos,omitempty"`
	Industrial         bool      `json:"industrial,omitempty"`
	IndustrialProtocol string    `json:"industrialProtocol,omitempty"`
	Exporter           string    `json:"exporter,omitempty"`
}

func (p *FlowPayload) Source() TelemetrySource { return SourceNetFlow }
func (p *FlowPayload) Validate() error         { return validatePayload(p) }

// FiveTuple keys flow aggregation.
func (p *FlowPayload) FiveTuple() string {
	return fmt.Sprintf("%s:%d>%s:%d/%d", p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, p.Protocol)
}

type SyslogPayload struct {
	Facility      int                          `json:"facility" validate:"min=0,max=23"`
	Severity      int                          `json:"severity" validate:"min=0,max=7"`
	Timestamp     time.Time                    `json:"timestamp"`
	Hostname      string                       `json:"hostname,omitempty"`
	AppName       string                       `json:"appName,omitempty"`
	ProcID        string                       `json:"procId,omitempty"`
	MsgID         string                       `json:"msgId,omitempty"`
	Message       string                       `json:"message,omitempty"`
	Structured    map[string]map[string]string `json:"structured,omitempty"`
	Client        string                       `json:"client,omitempty"`
	SecurityEvent bool                         `json:"securityEvent,omitempty"`
}

func (p *SyslogPayload) Source() TelemetrySource { return SourceSyslog }
func (p *SyslogPayload) Validate() error         { return validatePayload(p) }

type RouteEntry struct {
	Destination string `json:"destination,omitempty" validate:"omitempty,cidrv4"`
	Gateway     string `json:"gateway,omitempty" validate:"omitempty,ipv4"`
	Interface   string `json:"interface,omitempty"`
	Metric      int    `json:"metric,omitempty"`
	Proto       string `json:"proto,omitempty"`
}

type RoutingPayload struct {
	Host   string       `json:"host,omitempty"`
	Routes []RouteEntry `json:"routes" validate:"dive"`
}

func (p *RoutingPayload) Source() TelemetrySource { return SourceRouting }
func (p *RoutingPayload) Validate() error         { return validatePayload(p) }

// OPCUAPayload is one sampled node value. Value is the rendered form;
// Numeric is set when the variant was numeric.
type OPCUAPayload struct {
	Endpoint   string    `json:"endpoint"`
	NodeID     string    `json:"nodeId" validate:"required"`
	Value      string    `json:"value,omitempty"`
	Numeric    *float64  `json:"numeric,omitempty"`
	DataType   string    `json:"dataType,omitempty"`
	Quality    uint32    `json:"quality,omitempty"`
	SourceTime time.Time `json:"sourceTime,omitzero"`
}

func (p *OPCUAPayload) Source() TelemetrySource { return SourceOPCUA }
func (p *OPCUAPayload) Validate() error         { return validatePayload(p) }

// RegisterReading is one decoded Modbus register group.
type RegisterReading struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind" validate:"oneof=coil discrete_input holding input"`
	Address uint16  `json:"address"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit,omitempty"`
}

type ModbusPayload struct {
	Target   string            `json:"target"`
	UnitID   int               `json:"unitId" validate:"min=0,max=255"`
	Readings []RegisterReading `json:"readings" validate:"dive"`
}

func (p *ModbusPayload) Source() TelemetrySource { return SourceModbus }
func (p *ModbusPayload) Validate() error         { return validatePayload(p) }

// ManualPayload is an operator-entered device registration.
type ManualPayload struct {
	Hostname    string       `json:"hostname,omitempty"`
	IP          string       `json:"ip,omitempty" validate:"omitempty,ipv4"`
	MAC         string       `json:"mac,omitempty"`
	Type        DeviceType   `json:"type,omitempty"`
	Vendor      string       `json:"vendor,omitempty"`
	Model       string       `json:"model,omitempty"`
	PurdueLevel *PurdueLevel `json:"purdueLevel,omitempty"`
	Notes       string       `json:"notes,omitempty"`
}

func (p *ManualPayload) Source() TelemetrySource { return SourceManual }
func (p *ManualPayload) Validate() error         { return validatePayload(p) }

func validatePayload(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return faults.Validation("model.payload", fmt.Sprintf("%s payload invalid", p.Source()), err)
	}
	return nil
}

// newPayload returns the zero variant for a source tag.
func newPayload(src TelemetrySource) (Payload, error) {
	switch src {
	case SourceSNMP:
		return &SNMPPayload{}, nil
	case SourceARP:
		return &ARPPayload{}, nil
	case SourceMACTable:
		return &MACTablePayload{}, nil
	case SourceNetFlow:
		return &FlowPayload{}, nil
	case SourceSyslog:
		return &SyslogPayload{}, nil
	case SourceRouting:
		return &RoutingPayload{}, nil
	case SourceOPCUA:
		return &OPCUAPayload{}, nil
	case SourceModbus:
		return &ModbusPayload{}, nil
	case SourceManual:
		return &ManualPayload{}, nil
	}
	return nil, faults.Validation("model.telemetry", fmt.Sprintf("unknown source %q", src), nil)
}

// timestampLayout is ISO-8601 UTC with millisecond precision, the wire form
// for every timestamp this system publishes.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// TelemetryRecord is the immutable unit flowing through the pipeline. Once
// persisted it is marked processed and treated as read-only.
type TelemetryRecord struct {
	ID        uuid.UUID
	Source    TelemetrySource
	Timestamp time.Time
	Data      Payload
	Raw       []byte
	Processed bool
	Metadata  map[string]string
}

// NewTelemetryRecord validates the payload and stamps a fresh record.
// Timestamps are normalized to UTC millisecond precision so encode/decode
// round-trips compare equal.
func NewTelemetryRecord(ts time.Time, data Payload) (TelemetryRecord, error) {
	if data == nil {
		return TelemetryRecord{}, faults.Validation("model.telemetry", "payload is required", nil)
	}
	if err := data.Validate(); err != nil {
		return TelemetryRecord{}, err
	}
	return TelemetryRecord{
		ID:        uuid.New(),
		Source:    data.Source(),
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		Data:      data,
		Metadata:  map[string]string{},
	}, nil
}

// SetMeta annotates the record, allocating the map when needed.
func (r *TelemetryRecord) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	r.Metadata[key] = value
}

type telemetryWire struct {
	ID        uuid.UUID         `json:"id"`
	Source    TelemetrySource   `json:"source"`
	Timestamp string            `json:"timestamp"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Raw       []byte            `json:"raw,omitempty"`
	Processed bool              `json:"processed"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (r TelemetryRecord) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(telemetryWire{
		ID:        r.ID,
		Source:    r.Source,
		Timestamp: r.Timestamp.UTC().Format(timestampLayout),
		Data:      data,
		Raw:       r.Raw,
		Processed: r.Processed,
		Metadata:  r.Metadata,
	})
}

func (r *TelemetryRecord) UnmarshalJSON(b []byte) error {
	var w telemetryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return faults.Validation("model.telemetry", "malformed record", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return faults.Validation("model.telemetry", fmt.Sprintf("bad timestamp %q", w.Timestamp), err)
	}
	var data Payload
	if len(w.Data) > 0 {
		data, err = newPayload(w.Source)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(w.Data, data); err != nil {
			return faults.Validation("model.telemetry", fmt.Sprintf("malformed %s payload", w.Source), err)
		}
	}
	r.ID = w.ID
	r.Source = w.Source
	r.Timestamp = ts.UTC().Truncate(time.Millisecond)
	r.Data = data
	r.Raw = w.Raw
	r.Processed = w.Processed
	r.Metadata = w.Metadata
	return nil
}
