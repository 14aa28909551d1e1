package correlate

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldlight/otgraph/internal/classify"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/parse"
	"github.com/fieldlight/otgraph/internal/store"
)

// applyDevice lands one piece of device evidence: no candidate creates a
// device, one candidate updates it, several merge into one.
func (e *Engine) applyDevice(ctx context.Context, obs parse.Observation, ev parse.DeviceEvidence) error {
	candidates, err := e.findCandidates(ctx, ev)
	if err != nil {
		return err
	}
	switch len(candidates) {
	case 0:
		return e.createDevice(ctx, obs, ev)
	case 1:
		return e.updateDevice(ctx, obs, candidates[0], ev, false)
	default:
		return e.mergeDevices(ctx, obs, candidates, ev)
	}
}

// findCandidates resolves identity in evidence-strength order: MAC, then
// IP, then hostname, then sysName qualified by vendor. Every distinct
// device any signal points at is a candidate; more than one means the
// evidence just proved two records describe the same physical device.
func (e *Engine) findCandidates(ctx context.Context, ev parse.DeviceEvidence) ([]model.Device, error) {
	var out []model.Device
	seen := map[string]struct{}{}
	add := func(d model.Device) {
		if _, dup := seen[d.ID]; dup {
			return
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}

	for _, mac := range ev.MACs {
		d, err := e.cfg.Store.Devices.FindByMAC(ctx, mac)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		add(d)
	}
	for _, ip := range ev.IPs {
		if !isIPv4(ip) {
			continue
		}
		d, ok, err := e.resolveIP(ctx, ip)
		if err != nil {
			return nil, err
		}
		if ok {
			add(d)
		}
	}
	if ev.Hostname != "" {
		matches, err := e.cfg.Store.Devices.FindByHostname(ctx, ev.Hostname)
		if err != nil {
			return nil, err
		}
		for _, d := range matches {
			add(d)
		}
	}
	if ev.SysName != "" && ev.Vendor != "" {
		matches, err := e.cfg.Store.Devices.FindByHostname(ctx, ev.SysName)
		if err != nil {
			return nil, err
		}
		for _, d := range matches {
			if d.Vendor == ev.Vendor {
				add(d)
			}
		}
	}
	return out, nil
}

func (e *Engine) createDevice(ctx context.Context, obs parse.Observation, ev parse.DeviceEvidence) error {
	d := model.NewDevice(obs.ObservedAt, deviceName(ev))
	fillIdentity(&d, ev)
	applyInterfaces(&d, ev)
	if ev.Level != nil {
		setLevel(&d, *ev.Level)
	} else {
		level, _ := classify.Classify(d, e.zones)
		setLevel(&d, level)
	}

	if err := e.cfg.Store.Devices.Create(ctx, d); err != nil {
		return err
	}
	metrics.DevicesCreated.Inc()
	e.changes++
	for _, ip := range d.IPs() {
		e.cacheIP(ip, d.ID)
	}
	e.notifyRisk(d.ID)
	e.log.Info("device discovered",
		"device", d.ID, "name", d.Name, "type", d.Type,
		"level", d.PurdueLevel, "source", obs.Source,
	)

	a := model.NewAlert(obs.ObservedAt, model.AlertNewDevice, model.SeverityInfo,
		fmt.Sprintf("new device discovered: %s", d.Name),
		fmt.Sprintf("first observed via %s, classified level %s in the %s zone", obs.Source, d.PurdueLevel, d.SecurityZone))
	a.DeviceID = d.ID
	a.Details["source"] = string(obs.Source)
	a.Details["level"] = d.PurdueLevel.String()
	a.Details["zone"] = string(d.SecurityZone)
	e.emitAlert(ctx, a)
	return nil
}

// updateDevice folds evidence into an existing device. Attributes only
// fill where empty; a level change reclassifies the zone and raises a
// configuration-change alert. dirty forces a write even when the evidence
// itself adds nothing, which merges need after absorbing a duplicate.
func (e *Engine) updateDevice(ctx context.Context, obs parse.Observation, d model.Device, ev parse.DeviceEvidence, dirty bool) error {
	changed := dirty
	if fillIdentity(&d, ev) {
		changed = true
	}
	if applyInterfaces(&d, ev) {
		changed = true
	}

	levelChanged := false
	if ev.Level != nil && *ev.Level != d.PurdueLevel {
		setLevel(&d, *ev.Level)
		levelChanged = true
		changed = true
	} else if changed {
		if level, _ := classify.Classify(d, e.zones); level != d.PurdueLevel {
			setLevel(&d, level)
			levelChanged = true
		}
	}

	prevSeen := d.LastSeenAt
	d.Touch(obs.ObservedAt)

	if changed {
		if err := e.cfg.Store.Devices.Update(ctx, d); err != nil {
			return err
		}
		metrics.DevicesUpdated.Inc()
		e.changes++
		e.notifyRisk(d.ID)
	} else if d.LastSeenAt.After(prevSeen) {
		if err := e.cfg.Store.Devices.UpdateLastSeen(ctx, d.ID, d.LastSeenAt); err != nil {
			return err
		}
	}

	for _, ip := range d.IPs() {
		e.cacheIP(ip, d.ID)
	}

	if levelChanged {
		a := model.NewAlert(obs.ObservedAt, model.AlertConfigurationChange, model.SeverityInfo,
			fmt.Sprintf("device reclassified: %s", d.Name),
			fmt.Sprintf("now level %s in the %s zone", d.PurdueLevel, d.SecurityZone))
		a.DeviceID = d.ID
		a.Details["level"] = d.PurdueLevel.String()
		a.Details["zone"] = string(d.SecurityZone)
		e.emitAlert(ctx, a)
	}
	return nil
}

// mergeDevices folds duplicates into the most recently discovered
// candidate, repoints its connections and cache entries, and then lands
// the triggering evidence on the survivor.
func (e *Engine) mergeDevices(ctx context.Context, obs parse.Observation, candidates []model.Device, ev parse.DeviceEvidence) error {
	survivor := candidates[0]
	for _, c := range candidates[1:] {
		if c.DiscoveredAt.After(survivor.DiscoveredAt) {
			survivor = c
		}
	}

	for _, c := range candidates {
		if c.ID == survivor.ID {
			continue
		}
		absorbDevice(&survivor, c)
		if err := e.repointConnections(ctx, c.ID, survivor.ID); err != nil {
			return err
		}
		if _, err := e.cfg.Store.Devices.Delete(ctx, c.ID); err != nil {
			return err
		}
		for _, ip := range c.IPs() {
			e.cacheIP(ip, survivor.ID)
		}
		if err := e.cfg.Store.Audit.Record(ctx, obs.ObservedAt, "merge",
			fmt.Sprintf("absorbed device %s into %s", c.ID, survivor.ID)); err != nil {
			e.log.Warn("audit write failed", "error", err)
		}
		metrics.DevicesMerged.Inc()
		e.changes++
		e.log.Info("devices merged", "absorbed", c.ID, "survivor", survivor.ID)
	}

	return e.updateDevice(ctx, obs, survivor, ev, true)
}

// absorbDevice copies everything src knows that dst does not. dst keeps
// its id; discovery time extends to the earliest of the pair.
func absorbDevice(dst *model.Device, src model.Device) {
	fill := func(d *string, v string) {
		if *d == "" && v != "" {
			*d = v
		}
	}
	fill(&dst.Hostname, src.Hostname)
	fill(&dst.Vendor, src.Vendor)
	fill(&dst.Model, src.Model)
	fill(&dst.Firmware, src.Firmware)
	fill(&dst.Serial, src.Serial)
	fill(&dst.Location, src.Location)
	if (dst.Type == "" || dst.Type == model.DeviceTypeUnknown) && src.Type != "" && src.Type != model.DeviceTypeUnknown {
		dst.Type = src.Type
	}
	for _, ifc := range src.Interfaces {
		dst.UpsertInterface(ifc)
	}
	if len(src.Metadata) > 0 && dst.Metadata == nil {
		dst.Metadata = map[string]string{}
	}
	for k, v := range src.Metadata {
		if dst.Metadata[k] == "" {
			dst.Metadata[k] = v
		}
	}
	if src.DiscoveredAt.Before(dst.DiscoveredAt) {
		dst.DiscoveredAt = src.DiscoveredAt
	}
	if src.LastSeenAt.After(dst.LastSeenAt) {
		dst.LastSeenAt = src.LastSeenAt
	}
}

// repointConnections moves every edge touching fromID onto toID. Edges
// whose endpoints collapse onto the same device disappear with the merge.
func (e *Engine) repointConnections(ctx context.Context, fromID, toID string) error {
	conns, err := e.cfg.Store.Connections.ListByDevice(ctx, fromID)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if _, err := e.cfg.Store.Connections.Delete(ctx, c.ID); err != nil {
			return err
		}
		if c.SourceDeviceID == fromID {
			c.SourceDeviceID = toID
		}
		if c.TargetDeviceID == fromID {
			c.TargetDeviceID = toID
		}
		if c.SourceDeviceID == c.TargetDeviceID {
			continue
		}
		if _, err := e.cfg.Store.Connections.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// fillIdentity copies evidence attributes into empty device fields and
// reports whether anything landed. Non-empty fields are never overwritten;
// later, weaker evidence must not clobber what a stronger source set.
func fillIdentity(d *model.Device, ev parse.DeviceEvidence) bool {
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&d.Hostname, ev.Hostname)
	fill(&d.Hostname, ev.SysName)
	fill(&d.Vendor, ev.Vendor)
	fill(&d.Model, ev.Model)
	fill(&d.Serial, ev.Serial)
	fill(&d.Firmware, ev.Firmware)
	fill(&d.Location, ev.Location)
	if (d.Type == "" || d.Type == model.DeviceTypeUnknown) && ev.TypeHint != "" && ev.TypeHint != model.DeviceTypeUnknown {
		d.Type = ev.TypeHint
		changed = true
	}
	if ev.Notes != "" && d.Metadata["notes"] == "" {
		if d.Metadata == nil {
			d.Metadata = map[string]string{}
		}
		d.Metadata["notes"] = ev.Notes
		changed = true
	}
	return changed
}

// applyInterfaces merges evidence interfaces into the device, then makes
// sure every evidence MAC and IP is represented by at least one entry.
// Bare addresses never touch existing entries: a synthetic row with zeroed
// status flags must not flip flags a real poll reported.
func applyInterfaces(d *model.Device, ev parse.DeviceEvidence) bool {
	changed := false
	for _, in := range ev.Interfaces {
		if in.IP != "" && !isIPv4(in.IP) {
			in.IP = ""
		}
		if d.UpsertInterface(in) {
			changed = true
		}
	}
	for _, mac := range ev.MACs {
		if !d.HasMAC(mac) && d.UpsertInterface(model.NetworkInterface{MAC: mac}) {
			changed = true
		}
	}
	for _, ip := range ev.IPs {
		if !isIPv4(ip) || hasIP(d, ip) {
			continue
		}
		if d.UpsertInterface(model.NetworkInterface{IP: ip}) {
			changed = true
		}
	}
	return changed
}

func hasIP(d *model.Device, ip string) bool {
	for _, ifc := range d.Interfaces {
		if ifc.IP == ip {
			return true
		}
	}
	return false
}

func setLevel(d *model.Device, level model.PurdueLevel) {
	d.PurdueLevel = level
	d.SecurityZone = model.ZoneForLevel(level)
}

// deviceName picks the human-facing name from the strongest identity the
// evidence carries.
func deviceName(ev parse.DeviceEvidence) string {
	if ev.Hostname != "" {
		return ev.Hostname
	}
	if ev.SysName != "" {
		return ev.SysName
	}
	for _, ip := range ev.IPs {
		if isIPv4(ip) {
			return ip
		}
	}
	if len(ev.MACs) > 0 {
		return ev.MACs[0]
	}
	return "device"
}
