package correlate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fieldlight/otgraph/internal/classify"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/parse"
	"github.com/fieldlight/otgraph/internal/store"
)

// securePorts are well-known TLS-wrapped service ports; traffic to them is
// recorded as encrypted.
var securePorts = map[int]struct{}{
	443:  {}, // https
	4843: {}, // opc ua over tls
	5671: {}, // amqps
	8883: {}, // mqtt over tls
}

// applyFlow turns one aggregated flow into a connection edge. Flows never
// create devices: an edge needs both endpoints already discovered, so a
// flow between strangers waits until a discovery source finds them.
func (e *Engine) applyFlow(ctx context.Context, obs parse.Observation, f parse.FlowEvidence) error {
	src, ok, err := e.resolveIP(ctx, f.SrcIP)
	if err != nil || !ok {
		return err
	}
	dst, ok, err := e.resolveIP(ctx, f.DstIP)
	if err != nil || !ok {
		return err
	}
	if src.ID == dst.ID {
		return nil
	}

	first, last := f.First, f.Last
	if first.IsZero() {
		first = obs.ObservedAt
	}
	if last.IsZero() {
		last = obs.ObservedAt
	}

	conn := model.NewConnection(first, src.ID, dst.ID, flowConnectionType(f))
	conn.LastSeenAt = last.UTC().Truncate(time.Millisecond)
	conn.Protocol = protocolName(f.Protocol)
	conn.Port = f.DstPort
	conn.Metadata = model.ConnectionMetadata{
		Bytes:              f.Bytes,
		Packets:            f.Packets,
		Industrial:         f.Industrial,
		IndustrialProtocol: f.IndustrialProtocol,
	}
	if _, tls := securePorts[f.DstPort]; tls {
		conn.Secure = true
		conn.Encryption = "tls"
	}

	stored, err := e.cfg.Store.Connections.Upsert(ctx, conn)
	if err != nil {
		return err
	}
	metrics.ConnectionsUpserted.Inc()
	e.changes++

	// Traffic proves both ends are alive.
	e.touch(ctx, src.ID, last)
	e.touch(ctx, dst.ID, last)

	e.connectionAlerts(ctx, obs, stored, src, dst)
	return nil
}

// applyNeighbor lands a layer-2 adjacency. LLDP rows become edges; FDB
// rows only prove the peer was on the wire, since a forwarding entry says
// nothing about where the peer is plugged in beyond the reporting switch.
func (e *Engine) applyNeighbor(ctx context.Context, obs parse.Observation, n parse.NeighborEvidence) error {
	local, ok, err := e.resolveHost(ctx, n.LocalHost)
	if err != nil || !ok {
		return err
	}
	peer, ok, err := e.resolveNeighborPeer(ctx, n)
	if err != nil || !ok {
		return err
	}
	if local.ID == peer.ID {
		return nil
	}

	if n.Kind == parse.NeighborFDB {
		e.touch(ctx, peer.ID, obs.ObservedAt)
		return nil
	}

	// An adjacency is symmetric; order endpoints canonically so the same
	// link reported from either side lands on one row.
	a, b := local, peer
	if b.ID < a.ID {
		a, b = b, a
	}
	conn := model.NewConnection(obs.ObservedAt, a.ID, b.ID, model.ConnectionEthernet)
	conn.VLAN = n.VLAN
	stored, err := e.cfg.Store.Connections.Upsert(ctx, conn)
	if err != nil {
		return err
	}
	metrics.ConnectionsUpserted.Inc()
	e.changes++
	e.touch(ctx, peer.ID, obs.ObservedAt)
	e.connectionAlerts(ctx, obs, stored, a, b)
	return nil
}

func (e *Engine) resolveNeighborPeer(ctx context.Context, n parse.NeighborEvidence) (model.Device, bool, error) {
	if n.PeerMAC != "" {
		d, err := e.cfg.Store.Devices.FindByMAC(ctx, n.PeerMAC)
		if err == nil {
			return d, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Device{}, false, err
		}
	}
	if n.PeerSysName != "" {
		return e.resolveHost(ctx, n.PeerSysName)
	}
	return model.Device{}, false, nil
}

// applyRoute lands one routing-table row. The next hop itself arrives as
// device evidence, so what remains is stamping the gateway onto the
// reporting host's interface. Only a known interface is filled; appending
// a synthesized row here would collide with a later SNMP poll of the same
// port.
func (e *Engine) applyRoute(ctx context.Context, obs parse.Observation, rt parse.RouteEvidence) error {
	if rt.Gateway == "" || rt.Interface == "" || !defaultRoute(rt.Destination) {
		return nil
	}
	host, ok, err := e.resolveHost(ctx, rt.Host)
	if err != nil || !ok {
		return err
	}

	changed := false
	for i := range host.Interfaces {
		ifc := &host.Interfaces[i]
		if ifc.Name != rt.Interface {
			continue
		}
		if ifc.Gateway == "" {
			ifc.Gateway = rt.Gateway
			changed = true
		}
		break
	}
	if !changed {
		e.touch(ctx, host.ID, obs.ObservedAt)
		return nil
	}

	host.Touch(obs.ObservedAt)
	if err := e.cfg.Store.Devices.Update(ctx, host); err != nil {
		return err
	}
	metrics.DevicesUpdated.Inc()
	e.changes++
	e.notifyRisk(host.ID)
	return nil
}

// defaultRoute reports whether dest names the all-traffic destination.
func defaultRoute(dest string) bool {
	switch dest {
	case "", "default", "0.0.0.0/0":
		return true
	}
	return false
}

func (e *Engine) touch(ctx context.Context, deviceID string, ts time.Time) {
	if err := e.cfg.Store.Devices.UpdateLastSeen(ctx, deviceID, ts); err != nil {
		e.log.Debug("last-seen update failed", "device", deviceID, "error", err)
	}
}

// connectionAlerts raises the zone and protocol alerts an edge warrants.
// Each fires once per connection; counters accumulating on a known-bad
// edge are not news.
func (e *Engine) connectionAlerts(ctx context.Context, obs parse.Observation, conn model.Connection, src, dst model.Device) {
	if classify.CrossZone(src, dst) {
		if _, dup := e.crossZoneAlerted[conn.ID]; !dup {
			e.crossZoneAlerted[conn.ID] = struct{}{}
			desc := fmt.Sprintf("%s zone reaches %s zone", src.SecurityZone, dst.SecurityZone)
			if conn.Protocol != "" {
				desc += fmt.Sprintf(" over %s port %d", conn.Protocol, conn.Port)
			}
			a := model.NewAlert(obs.ObservedAt, model.AlertCrossZoneConnection, model.SeverityHigh,
				fmt.Sprintf("cross-zone connection: %s to %s", src.Name, dst.Name), desc)
			a.DeviceID = dst.ID
			a.ConnectionID = conn.ID
			a.Details["sourceZone"] = string(src.SecurityZone)
			a.Details["targetZone"] = string(dst.SecurityZone)
			a.Remediation = "route this traffic through a firewall or data diode between the zones"
			e.emitAlert(ctx, a)
		}
	}

	if conn.Metadata.Industrial && !conn.Secure {
		if _, dup := e.insecureAlerted[conn.ID]; !dup {
			e.insecureAlerted[conn.ID] = struct{}{}
			a := model.NewAlert(obs.ObservedAt, model.AlertInsecureProtocol, model.SeverityMedium,
				fmt.Sprintf("unencrypted %s traffic: %s to %s", conn.Metadata.IndustrialProtocol, src.Name, dst.Name),
				"industrial protocol without transport encryption")
			a.DeviceID = dst.ID
			a.ConnectionID = conn.ID
			a.Details["protocol"] = conn.Metadata.IndustrialProtocol
			a.Details["port"] = strconv.Itoa(conn.Port)
			a.Remediation = "tunnel the protocol through TLS or restrict the segment to trusted hosts"
			e.emitAlert(ctx, a)
		}
	}
}

// applySecurityEvent raises an alert for a security-grade syslog message.
// The alert lands even when no known device matches; unattributed events
// still need eyes on them.
func (e *Engine) applySecurityEvent(ctx context.Context, obs parse.Observation, sec parse.SecurityEvidence) {
	ts := sec.Timestamp
	if ts.IsZero() {
		ts = obs.ObservedAt
	}
	title := "security event"
	if sec.AppName != "" {
		title = "security event from " + sec.AppName
	}

	a := model.NewAlert(ts, model.AlertSecurityViolation, syslogSeverity(sec.Severity), title, sec.Message)
	if d, ok := e.resolveSecuritySource(ctx, sec); ok {
		a.DeviceID = d.ID
		e.touch(ctx, d.ID, ts)
	}
	a.Details["facility"] = strconv.Itoa(sec.Facility)
	a.Details["syslogSeverity"] = strconv.Itoa(sec.Severity)
	if sec.Hostname != "" {
		a.Details["hostname"] = sec.Hostname
	}
	if sec.Client != "" {
		a.Details["client"] = sec.Client
	}
	e.emitAlert(ctx, a)
}

// resolveSecuritySource tries the message's own hostname first, then the
// sending address.
func (e *Engine) resolveSecuritySource(ctx context.Context, sec parse.SecurityEvidence) (model.Device, bool) {
	if sec.Hostname != "" {
		if d, ok, err := e.resolveHost(ctx, sec.Hostname); err == nil && ok {
			return d, true
		}
	}
	if sec.Client != "" && isIPv4(sec.Client) {
		if d, ok, err := e.resolveIP(ctx, sec.Client); err == nil && ok {
			return d, true
		}
	}
	return model.Device{}, false
}

// syslogSeverity maps RFC 5424 severities onto alert bands: emergency and
// alert are critical, critical maps to high, error to medium, everything
// softer to low.
func syslogSeverity(sev int) model.Severity {
	switch {
	case sev <= 1:
		return model.SeverityCritical
	case sev == 2:
		return model.SeverityHigh
	case sev == 3:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// protocolName renders an IP protocol number the way operators write it.
func protocolName(proto int) string {
	switch proto {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	default:
		return strconv.Itoa(proto)
	}
}

func flowConnectionType(f parse.FlowEvidence) model.ConnectionType {
	if !f.Industrial {
		return model.ConnectionEthernet
	}
	switch f.IndustrialProtocol {
	case "Modbus":
		return model.ConnectionModbus
	case "PROFINET":
		return model.ConnectionProfinet
	default:
		return model.ConnectionEthernet
	}
}
