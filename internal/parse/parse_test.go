package parse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/parse"
)

var testStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func record(t *testing.T, data model.Payload) model.TelemetryRecord {
	t.Helper()
	rec, err := model.NewTelemetryRecord(testStart, data)
	require.NoError(t, err)
	return rec
}

func TestParse_SNMP_DeviceEvidence(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.SNMPPayload{
		Target:      "10.0.10.5",
		SysDescr:    "Siemens SIMATIC S7-1500 CPU 1516-3",
		SysName:     "plc-line1",
		SysLocation: "Plant-A/Line-1",
		SysUpTime:   360000, // one hour of timeticks
		Interfaces: []model.SNMPInterface{
			{Index: 1, Descr: "X1", SpeedBps: 100_000_000, MAC: "28:63:36:AA:BB:CC", AdminStatus: 1, OperStatus: 1},
			{Index: 2, Descr: "X2", AdminStatus: 2, OperStatus: 2},
		},
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Equal(t, model.SourceSNMP, obs.Source)
	require.Equal(t, rec.Timestamp, obs.ObservedAt)
	require.Len(t, obs.Devices, 1)

	dev := obs.Devices[0]
	require.Equal(t, []string{"28:63:36:aa:bb:cc"}, dev.MACs)
	require.Equal(t, []string{"10.0.10.5"}, dev.IPs)
	require.Equal(t, "plc-line1", dev.SysName)
	require.Equal(t, "Siemens", dev.Vendor)
	require.Equal(t, model.DeviceTypePLC, dev.TypeHint)
	require.Equal(t, "Plant-A/Line-1", dev.Location)
	require.Equal(t, time.Hour, dev.Uptime)

	require.Len(t, dev.Interfaces, 2)
	require.Equal(t, "X1", dev.Interfaces[0].Name)
	require.Equal(t, "28:63:36:aa:bb:cc", dev.Interfaces[0].MAC)
	require.Equal(t, uint64(100), dev.Interfaces[0].SpeedMbps)
	require.True(t, dev.Interfaces[0].OperUp)
	require.False(t, dev.Interfaces[1].AdminUp)
}

func TestParse_SNMP_EntityBeatsSysDescr(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.SNMPPayload{
		Target:   "10.0.10.6",
		SysDescr: "generic embedded controller",
		Entity: &model.EntityInfo{
			Vendor:   "Rockwell Automation",
			Model:    "1756-L85E",
			Serial:   "C0FFEE01",
			Firmware: "32.011",
		},
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	dev := obs.Devices[0]
	require.Equal(t, "Rockwell Automation", dev.Vendor)
	require.Equal(t, "1756-L85E", dev.Model)
	require.Equal(t, "C0FFEE01", dev.Serial)
	require.Equal(t, "32.011", dev.Firmware)
}

func TestParse_SNMP_NeighborsAndTables(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.SNMPPayload{
		Target:      "10.0.20.1",
		SysDescr:    "Moxa EDS-518E managed switch",
		SysServices: 2,
		ARPEntries: []model.ARPEntry{
			{IP: "10.0.20.7", MAC: "00:01:05:11:22:33"},
			{IP: "10.0.20.255", MAC: "ff:ff:ff:ff:ff:ff"}, // broadcast, dropped
		},
		FDBEntries: []model.FDBEntry{
			{MAC: "00:30:de:00:00:01", Interface: "port3", VLAN: 20},
		},
		Neighbors: []model.LLDPNeighbor{
			{LocalPort: "port1", ChassisID: "00:90:e8:01:02:03", SysName: "sw-cell2", SysDescr: "Moxa"},
		},
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)

	require.Equal(t, model.DeviceTypeSwitch, obs.Devices[0].TypeHint)

	// One device evidence for the switch itself, one per usable ARP row.
	require.Len(t, obs.Devices, 2)
	require.Equal(t, []string{"00:01:05:11:22:33"}, obs.Devices[1].MACs)
	require.Equal(t, []string{"10.0.20.7"}, obs.Devices[1].IPs)
	require.Equal(t, "Beckhoff", obs.Devices[1].Vendor)

	require.Len(t, obs.Neighbors, 2)
	fdb := obs.Neighbors[0]
	require.Equal(t, parse.NeighborFDB, fdb.Kind)
	require.Equal(t, "10.0.20.1", fdb.LocalHost)
	require.Equal(t, "port3", fdb.LocalPort)
	require.Equal(t, "00:30:de:00:00:01", fdb.PeerMAC)
	require.Equal(t, 20, fdb.VLAN)

	lldp := obs.Neighbors[1]
	require.Equal(t, parse.NeighborLLDP, lldp.Kind)
	require.Equal(t, "port1", lldp.LocalPort)
	require.Equal(t, "00:90:e8:01:02:03", lldp.PeerMAC)
	require.Equal(t, "sw-cell2", lldp.PeerSysName)
}

func TestParse_ARP_SkipsGroupAddresses(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.ARPPayload{
		Host: "gw1",
		Entries: []model.ARPEntry{
			{IP: "192.168.1.10", MAC: "28:63:36:00:00:01"},
			{IP: "224.0.0.251", MAC: "01:00:5e:00:00:fb"}, // multicast
			{IP: "192.168.1.11", MAC: "00:50:56:aa:bb:01"},
		},
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Devices, 2)
	require.Equal(t, "Siemens", obs.Devices[0].Vendor)
	require.Equal(t, "VMware", obs.Devices[1].Vendor)
}

func TestParse_Flow_MapsThrough(t *testing.T) {
	t.Parallel()

	first := testStart.Add(-10 * time.Second)
	rec := record(t, &model.FlowPayload{
		SrcIP: "10.0.30.4", DstIP: "10.0.10.5",
		SrcPort: 49152, DstPort: 502, Protocol: 6,
		Bytes: 900, Packets: 12,
		First: first, Last: testStart,
		Industrial: true, IndustrialProtocol: "Modbus",
		Exporter: "10.0.0.1",
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Flows, 1)
	f := obs.Flows[0]
	require.Equal(t, "10.0.30.4", f.SrcIP)
	require.Equal(t, 502, f.DstPort)
	require.Equal(t, uint64(900), f.Bytes)
	require.Equal(t, first, f.First)
	require.True(t, f.Industrial)
	require.Equal(t, "Modbus", f.IndustrialProtocol)
}

func TestParse_Syslog_SecurityEvent(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.SyslogPayload{
		Facility: 4, Severity: 2,
		Timestamp:     testStart,
		Hostname:      "fw-zone2",
		AppName:       "sshd",
		Message:       "Failed password for root",
		Client:        "10.0.40.2",
		SecurityEvent: true,
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)

	require.Len(t, obs.Devices, 1)
	require.Equal(t, "fw-zone2", obs.Devices[0].Hostname)
	require.Equal(t, []string{"10.0.40.2"}, obs.Devices[0].IPs)

	require.Len(t, obs.SecurityEvents, 1)
	ev := obs.SecurityEvents[0]
	require.Equal(t, 2, ev.Severity)
	require.Equal(t, "fw-zone2", ev.Hostname)
	require.Equal(t, "Failed password for root", ev.Message)
}

func TestParse_Syslog_InfoMessageYieldsNoSecurityEvent(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.SyslogPayload{
		Facility: 1, Severity: 6,
		Timestamp: testStart,
		Hostname:  "hist01",
		Message:   "backup complete",
		Client:    "10.0.30.9",
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Devices, 1)
	require.Empty(t, obs.SecurityEvents)
}

func TestParse_Routing_GatewaysEvidenceRouters(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.RoutingPayload{
		Host: "hist01",
		Routes: []model.RouteEntry{
			{Destination: "", Gateway: "10.0.30.1", Interface: "eth0", Proto: "dhcp"},
			{Destination: "10.0.40.0/24", Gateway: "10.0.30.1", Interface: "eth0"},
			{Destination: "10.0.30.0/24", Interface: "eth0", Proto: "kernel"},
		},
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Routes, 3)
	require.Equal(t, "hist01", obs.Routes[0].Host)

	// Duplicate gateway collapses into one router evidence.
	require.Len(t, obs.Devices, 1)
	require.Equal(t, []string{"10.0.30.1"}, obs.Devices[0].IPs)
	require.Equal(t, model.DeviceTypeRouter, obs.Devices[0].TypeHint)
}

func TestParse_OPCUA_EndpointHost(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.OPCUAPayload{
		Endpoint: "opc.tcp://10.0.10.40:4840",
		NodeID:   "ns=2;s=Line1.Speed",
		Value:    "412.5",
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Devices, 1)
	require.Equal(t, []string{"10.0.10.40"}, obs.Devices[0].IPs)
}

func TestParse_Modbus_TargetIsPLCEvidence(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.ModbusPayload{
		Target: "10.0.10.50:502",
		UnitID: 1,
		Readings: []model.RegisterReading{
			{Name: "line_speed", Kind: "holding", Address: 40, Value: 41.2, Unit: "m/min"},
		},
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Devices, 1)
	require.Equal(t, []string{"10.0.10.50"}, obs.Devices[0].IPs)
	require.Equal(t, model.DeviceTypePLC, obs.Devices[0].TypeHint)
}

func TestParse_Manual_Verbatim(t *testing.T) {
	t.Parallel()

	level := model.PurdueLevel(2)
	rec := record(t, &model.ManualPayload{
		Hostname:    "hmi-aux",
		IP:          "10.0.20.15",
		MAC:         "00:00:BC:10:20:30",
		Type:        model.DeviceTypeHMI,
		Vendor:      "Rockwell Automation",
		PurdueLevel: &level,
		Notes:       "panel in electrical room",
	})

	obs, err := parse.Parse(rec)
	require.NoError(t, err)
	require.Len(t, obs.Devices, 1)
	dev := obs.Devices[0]
	require.Equal(t, "hmi-aux", dev.Hostname)
	require.Equal(t, []string{"00:00:bc:10:20:30"}, dev.MACs)
	require.Equal(t, model.DeviceTypeHMI, dev.TypeHint)
	require.NotNil(t, dev.Level)
	require.Equal(t, level, *dev.Level)
	require.Equal(t, "panel in electrical room", dev.Notes)
}

func TestParse_Manual_RejectsEmptyIdentity(t *testing.T) {
	t.Parallel()

	rec := record(t, &model.ManualPayload{Notes: "no identity at all"})

	_, err := parse.Parse(rec)
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestParse_NilPayloadIsValidationFault(t *testing.T) {
	t.Parallel()

	_, err := parse.Parse(model.TelemetryRecord{Source: model.SourceSNMP})
	require.Error(t, err)
	require.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestParse_VendorTables(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Siemens", parse.VendorFromOUI("28:63:36:aa:bb:cc"))
	require.Equal(t, "Moxa", parse.VendorFromOUI("00:90:e8:00:00:01"))
	require.Equal(t, "", parse.VendorFromOUI("02:42:ac:11:00:02"))

	require.Equal(t, "Schneider Electric", parse.VendorFromText("Modicon M580 ePAC"))
	require.Equal(t, "Rockwell Automation", parse.VendorFromText("Allen-Bradley CompactLogix"))
	require.Equal(t, "", parse.VendorFromText("white-box industrial pc"))
}
