// Package parse normalizes telemetry payloads into correlation evidence.
// Every parser is a pure function of its record; ordering within a source
// is preserved by feeding each source through its own lane.
package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

// Observation is the evidence extracted from one telemetry record. Slices
// keep the payload's order.
type Observation struct {
	Source         model.TelemetrySource
	ObservedAt     time.Time
	Devices        []DeviceEvidence
	Flows          []FlowEvidence
	Neighbors      []NeighborEvidence
	SecurityEvents []SecurityEvidence
	Routes         []RouteEvidence
}

// Empty reports whether the observation carries no evidence at all.
func (o Observation) Empty() bool {
	return len(o.Devices) == 0 && len(o.Flows) == 0 && len(o.Neighbors) == 0 &&
		len(o.SecurityEvents) == 0 && len(o.Routes) == 0
}

// DeviceEvidence is what one record said about a single device. Identity
// fields may be partially filled; the correlator resolves them in MAC,
// IP, hostname, sysName order. MACs are canonical.
type DeviceEvidence struct {
	MACs       []string
	IPs        []string
	Hostname   string
	SysName    string
	Vendor     string
	Model      string
	Serial     string
	Firmware   string
	TypeHint   model.DeviceType
	Location   string
	Interfaces []model.NetworkInterface
	Uptime     time.Duration
	Level      *model.PurdueLevel
	Notes      string
}

// FlowEvidence is one aggregated flow between two addresses.
type FlowEvidence struct {
	SrcIP              string
	DstIP              string
	SrcPort            int
	DstPort            int
	Protocol           int
	Bytes              uint64
	Packets            uint64
	First              time.Time
	Last               time.Time
	Industrial         bool
	IndustrialProtocol string
	Exporter           string
}

// NeighborEvidence is a layer-2 adjacency reported by a polled device,
// either an LLDP remote entry or a bridge FDB row.
type NeighborEvidence struct {
	LocalHost   string
	LocalPort   string
	PeerMAC     string
	PeerSysName string
	PeerPortID  string
	PeerDescr   string
	VLAN        int
	Kind        string
}

const (
	NeighborLLDP = "lldp"
	NeighborFDB  = "fdb"
)

// SecurityEvidence is a syslog message that crossed the security threshold.
type SecurityEvidence struct {
	Facility  int
	Severity  int
	Timestamp time.Time
	Hostname  string
	AppName   string
	Message   string
	Client    string
}

// RouteEvidence is one routing-table row from a monitored host.
type RouteEvidence struct {
	Host        string
	Destination string
	Gateway     string
	Interface   string
	Metric      int
	Proto       string
}

// Parse normalizes rec into correlation evidence. A validation fault means
// the record is undecodable and should be dropped; Parse never returns
// partial evidence alongside an error.
func Parse(rec model.TelemetryRecord) (Observation, error) {
	if rec.Data == nil {
		return Observation{}, faults.Validation("parse", "record has no payload", nil)
	}
	obs := Observation{Source: rec.Source, ObservedAt: rec.Timestamp}
	var err error
	switch p := rec.Data.(type) {
	case *model.SNMPPayload:
		parseSNMP(&obs, p)
	case *model.ARPPayload:
		parseARPEntries(&obs, p.Entries)
	case *model.MACTablePayload:
		parseFDBEntries(&obs, p.Host, p.Entries)
	case *model.FlowPayload:
		parseFlow(&obs, p)
	case *model.SyslogPayload:
		parseSyslog(&obs, p)
	case *model.RoutingPayload:
		parseRouting(&obs, p)
	case *model.OPCUAPayload:
		parseOPCUA(&obs, p)
	case *model.ModbusPayload:
		parseModbus(&obs, p)
	case *model.ManualPayload:
		err = parseManual(&obs, p)
	default:
		return Observation{}, faults.Validation("parse", fmt.Sprintf("no parser for source %q", rec.Source), nil)
	}
	if err != nil {
		return Observation{}, err
	}
	return obs, nil
}

// ifStatusUp is the ifAdminStatus/ifOperStatus "up" enum value.
const ifStatusUp = 1

// sysUpTime is in timeticks, hundredths of a second.
const timetick = 10 * time.Millisecond

func parseSNMP(obs *Observation, p *model.SNMPPayload) {
	dev := DeviceEvidence{
		SysName:  p.SysName,
		Location: p.SysLocation,
		TypeHint: snmpTypeHint(p.SysDescr, p.SysServices),
		Uptime:   time.Duration(p.SysUpTime) * timetick,
	}
	if p.Target != "" {
		dev.IPs = append(dev.IPs, p.Target)
	}
	if e := p.Entity; e != nil {
		dev.Vendor = e.Vendor
		dev.Model = e.Model
		dev.Serial = e.Serial
		dev.Firmware = e.Firmware
	}
	for _, in := range p.Interfaces {
		iface := model.NetworkInterface{
			Name:      in.Descr,
			SpeedMbps: in.SpeedBps / 1_000_000,
			AdminUp:   in.AdminStatus == ifStatusUp,
			OperUp:    in.OperStatus == ifStatusUp,
		}
		if mac, ok := usableMAC(in.MAC); ok {
			iface.MAC = mac
			dev.MACs = append(dev.MACs, mac)
		}
		dev.Interfaces = append(dev.Interfaces, iface)
	}
	if dev.Vendor == "" {
		dev.Vendor = VendorFromText(p.SysDescr)
	}
	if dev.Vendor == "" && len(dev.MACs) > 0 {
		dev.Vendor = VendorFromOUI(dev.MACs[0])
	}
	obs.Devices = append(obs.Devices, dev)

	parseARPEntries(obs, p.ARPEntries)
	parseFDBEntries(obs, p.Target, p.FDBEntries)
	for _, n := range p.Neighbors {
		ev := NeighborEvidence{
			LocalHost:   p.Target,
			LocalPort:   n.LocalPort,
			PeerSysName: n.SysName,
			PeerPortID:  n.PortID,
			PeerDescr:   n.SysDescr,
			Kind:        NeighborLLDP,
		}
		if mac, ok := usableMAC(n.ChassisID); ok {
			ev.PeerMAC = mac
		}
		obs.Neighbors = append(obs.Neighbors, ev)
	}
}

// parseARPEntries turns IP-MAC bindings into per-host device evidence. A
// binding identifies a device without describing it; vendor comes from the
// OUI when known.
func parseARPEntries(obs *Observation, entries []model.ARPEntry) {
	for _, e := range entries {
		mac, ok := usableMAC(e.MAC)
		if !ok {
			continue
		}
		obs.Devices = append(obs.Devices, DeviceEvidence{
			MACs:   []string{mac},
			IPs:    []string{e.IP},
			Vendor: VendorFromOUI(mac),
		})
	}
}

func parseFDBEntries(obs *Observation, host string, entries []model.FDBEntry) {
	for _, e := range entries {
		mac, ok := usableMAC(e.MAC)
		if !ok {
			continue
		}
		obs.Neighbors = append(obs.Neighbors, NeighborEvidence{
			LocalHost: host,
			LocalPort: e.Interface,
			PeerMAC:   mac,
			VLAN:      e.VLAN,
			Kind:      NeighborFDB,
		})
	}
}

func parseFlow(obs *Observation, p *model.FlowPayload) {
	obs.Flows = append(obs.Flows, FlowEvidence{
		SrcIP:              p.SrcIP,
		DstIP:              p.DstIP,
		SrcPort:            p.SrcPort,
		DstPort:            p.DstPort,
		Protocol:           p.Protocol,
		Bytes:              p.Bytes,
		Packets:            p.Packets,
		First:              p.First,
		Last:               p.Last,
		Industrial:         p.Industrial,
		IndustrialProtocol: p.IndustrialProtocol,
		Exporter:           p.Exporter,
	})
}

func parseSyslog(obs *Observation, p *model.SyslogPayload) {
	// A message binds its hostname to the sending address.
	if p.Hostname != "" {
		dev := DeviceEvidence{Hostname: p.Hostname}
		if net.ParseIP(p.Client) != nil {
			dev.IPs = append(dev.IPs, p.Client)
		}
		obs.Devices = append(obs.Devices, dev)
	}
	if p.SecurityEvent {
		obs.SecurityEvents = append(obs.SecurityEvents, SecurityEvidence{
			Facility:  p.Facility,
			Severity:  p.Severity,
			Timestamp: p.Timestamp,
			Hostname:  p.Hostname,
			AppName:   p.AppName,
			Message:   p.Message,
			Client:    p.Client,
		})
	}
}

func parseRouting(obs *Observation, p *model.RoutingPayload) {
	seen := map[string]struct{}{}
	for _, r := range p.Routes {
		obs.Routes = append(obs.Routes, RouteEvidence{
			Host:        p.Host,
			Destination: r.Destination,
			Gateway:     r.Gateway,
			Interface:   r.Interface,
			Metric:      r.Metric,
			Proto:       r.Proto,
		})
		// A next hop evidences a router.
		if r.Gateway == "" {
			continue
		}
		if _, dup := seen[r.Gateway]; dup {
			continue
		}
		seen[r.Gateway] = struct{}{}
		obs.Devices = append(obs.Devices, DeviceEvidence{
			IPs:      []string{r.Gateway},
			TypeHint: model.DeviceTypeRouter,
		})
	}
}

func parseOPCUA(obs *Observation, p *model.OPCUAPayload) {
	host := endpointHost(p.Endpoint)
	if net.ParseIP(host) == nil {
		return
	}
	obs.Devices = append(obs.Devices, DeviceEvidence{IPs: []string{host}})
}

func parseModbus(obs *Observation, p *model.ModbusPayload) {
	host := p.Target
	if h, _, err := net.SplitHostPort(p.Target); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return
	}
	// A responding Modbus server is controller-class hardware.
	obs.Devices = append(obs.Devices, DeviceEvidence{
		IPs:      []string{host},
		TypeHint: model.DeviceTypePLC,
	})
}

func parseManual(obs *Observation, p *model.ManualPayload) error {
	dev := DeviceEvidence{
		Hostname: p.Hostname,
		TypeHint: p.Type,
		Vendor:   p.Vendor,
		Model:    p.Model,
		Level:    p.PurdueLevel,
		Notes:    p.Notes,
	}
	if p.IP != "" {
		dev.IPs = append(dev.IPs, p.IP)
	}
	if p.MAC != "" {
		mac, err := model.CanonicalMAC(p.MAC)
		if err != nil {
			return faults.Validation("parse.manual", "bad mac in manual registration", err)
		}
		dev.MACs = append(dev.MACs, mac)
	}
	if len(dev.MACs) == 0 && len(dev.IPs) == 0 && dev.Hostname == "" {
		return faults.Validation("parse.manual", "manual registration carries no identity", nil)
	}
	obs.Devices = append(obs.Devices, dev)
	return nil
}

// usableMAC canonicalizes s and rejects group (multicast/broadcast)
// addresses, which never identify a single device.
func usableMAC(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	mac, err := model.CanonicalMAC(s)
	if err != nil {
		return "", false
	}
	// Low bit of the first octet marks a group address.
	hw, _ := net.ParseMAC(mac)
	if len(hw) > 0 && hw[0]&0x01 != 0 {
		return "", false
	}
	return mac, true
}

func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}
