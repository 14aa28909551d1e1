// Package model holds the entities shared by every pipeline stage: devices,
// connections, telemetry records, alerts, zones, snapshots, and risk
// assessments, together with their validation rules and canonical forms.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/faults"
)

type DeviceType string

const (
	DeviceTypeSensor      DeviceType = "sensor"
	DeviceTypeActuator    DeviceType = "actuator"
	DeviceTypePLC         DeviceType = "plc"
	DeviceTypeRTU         DeviceType = "rtu"
	DeviceTypeDCS         DeviceType = "dcs"
	DeviceTypeController  DeviceType = "controller"
	DeviceTypeSCADAServer DeviceType = "scada_server"
	DeviceTypeHMI         DeviceType = "hmi"
	DeviceTypeHistorian   DeviceType = "historian"
	DeviceTypeMES         DeviceType = "mes"
	DeviceTypeSwitch      DeviceType = "switch"
	DeviceTypeRouter      DeviceType = "router"
	DeviceTypeFirewall    DeviceType = "firewall"
	DeviceTypeGateway     DeviceType = "gateway"
	DeviceTypeDataDiode   DeviceType = "data_diode"
	DeviceTypeJumpServer  DeviceType = "jump_server"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// IsBoundaryDevice reports whether the type is allowed to bridge security
// zones without raising a cross-zone alert.
func (t DeviceType) IsBoundaryDevice() bool {
	switch t {
	case DeviceTypeFirewall, DeviceTypeGateway, DeviceTypeDataDiode:
		return true
	}
	return false
}

type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusDegraded    DeviceStatus = "degraded"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusUnknown     DeviceStatus = "unknown"
)

// PurdueLevel is a level of the Purdue reference hierarchy, 0 through 5,
// plus the industrial DMZ. The DMZ sits outside the numeric ladder; it
// marshals as the string "dmz" while the numeric levels marshal as numbers.
type PurdueLevel int8

const (
	PurdueLevel0   PurdueLevel = 0
	PurdueLevel1   PurdueLevel = 1
	PurdueLevel2   PurdueLevel = 2
	PurdueLevel3   PurdueLevel = 3
	PurdueLevel4   PurdueLevel = 4
	PurdueLevel5   PurdueLevel = 5
	PurdueLevelDMZ PurdueLevel = 6
)

func (l PurdueLevel) Valid() bool { return l >= PurdueLevel0 && l <= PurdueLevelDMZ }

func (l PurdueLevel) String() string {
	if l == PurdueLevelDMZ {
		return "dmz"
	}
	return fmt.Sprintf("%d", int8(l))
}

func (l PurdueLevel) MarshalJSON() ([]byte, error) {
	if l == PurdueLevelDMZ {
		return json.Marshal("dmz")
	}
	return json.Marshal(int8(l))
}

func (l *PurdueLevel) UnmarshalJSON(b []byte) error {
	var n int8
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 || n > 5 {
			return faults.Validation("model.purdue", fmt.Sprintf("level %d out of range", n), nil)
		}
		*l = PurdueLevel(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return faults.Validation("model.purdue", "level must be 0-5 or \"dmz\"", err)
	}
	if s != "dmz" && s != "DMZ" {
		return faults.Validation("model.purdue", fmt.Sprintf("unknown level %q", s), nil)
	}
	*l = PurdueLevelDMZ
	return nil
}

// ParsePurdueLevel accepts "0".."5" and "dmz" (any case).
func ParsePurdueLevel(s string) (PurdueLevel, error) {
	switch s {
	case "0", "1", "2", "3", "4", "5":
		return PurdueLevel(s[0] - '0'), nil
	case "dmz", "DMZ", "Dmz":
		return PurdueLevelDMZ, nil
	}
	return 0, faults.Validation("model.purdue", fmt.Sprintf("unknown level %q", s), nil)
}

type SecurityZone string

const (
	ZoneProcess     SecurityZone = "process"
	ZoneControl     SecurityZone = "control"
	ZoneSupervisory SecurityZone = "supervisory"
	ZoneOperations  SecurityZone = "operations"
	ZoneEnterprise  SecurityZone = "enterprise"
	ZoneDMZ         SecurityZone = "dmz"
	ZoneUntrusted   SecurityZone = "untrusted"
)

// TrustLevel orders zones by trust. Cross-zone detection compares these.
func (z SecurityZone) TrustLevel() int {
	switch z {
	case ZoneProcess:
		return 1
	case ZoneControl:
		return 2
	case ZoneSupervisory:
		return 3
	case ZoneOperations:
		return 4
	case ZoneDMZ:
		return 5
	case ZoneEnterprise:
		return 6
	}
	return 0
}

// ZoneForLevel is the fixed Purdue-level to security-zone mapping. A device
// whose level changes must have its zone recomputed through this function.
func ZoneForLevel(l PurdueLevel) SecurityZone {
	switch l {
	case PurdueLevel0:
		return ZoneProcess
	case PurdueLevel1:
		return ZoneControl
	case PurdueLevel2:
		return ZoneSupervisory
	case PurdueLevel3:
		return ZoneOperations
	case PurdueLevel4, PurdueLevel5:
		return ZoneEnterprise
	case PurdueLevelDMZ:
		return ZoneDMZ
	}
	return ZoneUntrusted
}

// NetworkInterface is one port of a device. MAC is always canonical
// (lowercase, colon separated); VLAN zero means untagged.
type NetworkInterface struct {
	Name      string `json:"name"`
	MAC       string `json:"mac,omitempty"`
	IP        string `json:"ip,omitempty" validate:"omitempty,ipv4"`
	Netmask   string `json:"netmask,omitempty"`
	Gateway   string `json:"gateway,omitempty" validate:"omitempty,ipv4"`
	VLAN      int    `json:"vlan,omitempty" validate:"omitempty,min=1,max=4094"`
	SpeedMbps uint64 `json:"speedMbps,omitempty"`
	Duplex    string `json:"duplex,omitempty"`
	AdminUp   bool   `json:"adminUp"`
	OperUp    bool   `json:"operUp"`
}

// Metadata keys with meaning to the risk analyzer. Every other key in
// Device.Metadata is opaque operator data.
const (
	MetaFirmwareDate  = "firmwareDate"
	MetaSNMPVersion   = "snmpVersion"
	MetaSNMPCommunity = "snmpCommunity"
)

// Device is a node of the topology graph. Identity attributes are owned by
// the correlation engine; status and risk fields by their updaters. A device
// row leaves the store only when an identity merge absorbs it.
type Device struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Hostname       string             `json:"hostname,omitempty"`
	Type           DeviceType         `json:"type"`
	Vendor         string             `json:"vendor,omitempty"`
	Model          string             `json:"model,omitempty"`
	Firmware       string             `json:"firmware,omitempty"`
	Serial         string             `json:"serial,omitempty"`
	PurdueLevel    PurdueLevel        `json:"purdueLevel"`
	SecurityZone   SecurityZone       `json:"securityZone"`
	Status         DeviceStatus       `json:"status"`
	Interfaces     []NetworkInterface `json:"interfaces,omitempty" validate:"dive"`
	Location       string             `json:"location,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	RiskScore      int                `json:"riskScore"`
	RiskAssessedAt time.Time          `json:"riskAssessedAt,omitzero"`
	DiscoveredAt   time.Time          `json:"discoveredAt"`
	LastSeenAt     time.Time          `json:"lastSeenAt"`
}

// NewDevice creates a device first observed at ts with a fresh identity.
func NewDevice(ts time.Time, name string) Device {
	ts = ts.UTC().Truncate(time.Millisecond)
	return Device{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         DeviceTypeUnknown,
		PurdueLevel:  PurdueLevel5,
		SecurityZone: ZoneEnterprise,
		Status:       DeviceStatusOnline,
		Metadata:     map[string]string{},
		DiscoveredAt: ts,
		LastSeenAt:   ts,
	}
}

// Touch advances lastSeenAt, never letting it fall behind discoveredAt or
// move backwards.
func (d *Device) Touch(ts time.Time) {
	ts = ts.UTC().Truncate(time.Millisecond)
	if ts.After(d.LastSeenAt) {
		d.LastSeenAt = ts
	}
	if d.LastSeenAt.Before(d.DiscoveredAt) {
		d.LastSeenAt = d.DiscoveredAt
	}
}

// HasMAC reports whether any interface carries the canonical MAC.
func (d *Device) HasMAC(mac string) bool {
	for _, ifc := range d.Interfaces {
		if ifc.MAC == mac {
			return true
		}
	}
	return false
}

// IPs returns the interface addresses in interface order.
func (d *Device) IPs() []string {
	var out []string
	for _, ifc := range d.Interfaces {
		if ifc.IP != "" {
			out = append(out, ifc.IP)
		}
	}
	return out
}

// UpsertInterface merges an interface by MAC (falling back to name when the
// MAC is empty), filling empty fields of the stored entry and appending when
// no match exists. Reports whether the interface set changed.
func (d *Device) UpsertInterface(in NetworkInterface) bool {
	for i := range d.Interfaces {
		ex := &d.Interfaces[i]
		if (in.MAC != "" && ex.MAC == in.MAC) || (in.MAC == "" && in.Name != "" && ex.Name == in.Name) {
			changed := false
			if ex.Name == "" && in.Name != "" {
				ex.Name, changed = in.Name, true
			}
			if ex.IP == "" && in.IP != "" {
				ex.IP, changed = in.IP, true
			}
			if ex.Netmask == "" && in.Netmask != "" {
				ex.Netmask, changed = in.Netmask, true
			}
			if ex.Gateway == "" && in.Gateway != "" {
				ex.Gateway, changed = in.Gateway, true
			}
			if ex.VLAN == 0 && in.VLAN != 0 {
				ex.VLAN, changed = in.VLAN, true
			}
			if ex.SpeedMbps == 0 && in.SpeedMbps != 0 {
				ex.SpeedMbps, changed = in.SpeedMbps, true
			}
			if ex.MAC == "" && in.MAC != "" {
				ex.MAC, changed = in.MAC, true
			}
			if ex.AdminUp != in.AdminUp || ex.OperUp != in.OperUp {
				ex.AdminUp, ex.OperUp, changed = in.AdminUp, in.OperUp, true
			}
			return changed
		}
	}
	d.Interfaces = append(d.Interfaces, in)
	return true
}

// Validate checks field bounds and invariants. Interface MACs must already
// be canonical.
func (d Device) Validate() error {
	if d.ID == "" {
		return faults.Validation("model.device", "id is required", nil)
	}
	if !d.PurdueLevel.Valid() {
		return faults.Validation("model.device", fmt.Sprintf("purdue level %d out of range", d.PurdueLevel), nil)
	}
	if d.LastSeenAt.Before(d.DiscoveredAt) {
		return faults.Validation("model.device", "lastSeenAt precedes discoveredAt", nil)
	}
	for _, ifc := range d.Interfaces {
		if ifc.MAC != "" {
			canon, err := CanonicalMAC(ifc.MAC)
			if err != nil {
				return err
			}
			if canon != ifc.MAC {
				return faults.Validation("model.device", fmt.Sprintf("interface mac %q not canonical", ifc.MAC), nil)
			}
		}
	}
	if err := validate.Struct(d); err != nil {
		return faults.Validation("model.device", "field validation failed", err)
	}
	return nil
}
