// Package classify assigns Purdue levels and security zones by weighted
// scoring over four independent signals. Scoring is deterministic: the same
// device and zone table always yield the same level.
package classify

import (
	"regexp"
	"strings"

	"github.com/fieldlight/otgraph/internal/model"
)

// Signal weights. A signal contributes its full weight to exactly one
// level; the level with the highest total wins.
const (
	PointsDeviceType = 40
	PointsHostname   = 25
	PointsVendor     = 20
	PointsSubnet     = 15
)

// Signal is one scored classification input, kept for explainability.
type Signal struct {
	Name   string            `json:"name"`
	Level  model.PurdueLevel `json:"level"`
	Points int               `json:"points"`
}

// deviceTypeLevels is the fixed type-to-level table. Switches and routers
// are absent: network gear lives at every level, so type carries no signal
// for it.
var deviceTypeLevels = map[model.DeviceType]model.PurdueLevel{
	model.DeviceTypeSensor:      model.PurdueLevel0,
	model.DeviceTypeActuator:    model.PurdueLevel0,
	model.DeviceTypePLC:         model.PurdueLevel1,
	model.DeviceTypeRTU:         model.PurdueLevel1,
	model.DeviceTypeDCS:         model.PurdueLevel1,
	model.DeviceTypeController:  model.PurdueLevel1,
	model.DeviceTypeSCADAServer: model.PurdueLevel2,
	model.DeviceTypeHMI:         model.PurdueLevel2,
	model.DeviceTypeHistorian:   model.PurdueLevel3,
	model.DeviceTypeMES:         model.PurdueLevel3,
	model.DeviceTypeFirewall:    model.PurdueLevelDMZ,
	model.DeviceTypeGateway:     model.PurdueLevelDMZ,
	model.DeviceTypeDataDiode:   model.PurdueLevelDMZ,
	model.DeviceTypeJumpServer:  model.PurdueLevelDMZ,
}

// hostnamePatterns is scanned in order; the first match wins, so the
// control-floor names come before the broader IT alternations.
var hostnamePatterns = []struct {
	re    *regexp.Regexp
	level model.PurdueLevel
}{
	{regexp.MustCompile(`plc|rtu|ctrl`), model.PurdueLevel1},
	{regexp.MustCompile(`sensor|meter|valve`), model.PurdueLevel0},
	{regexp.MustCompile(`scada|hmi|ops`), model.PurdueLevel2},
	{regexp.MustCompile(`hist|mes|eng`), model.PurdueLevel3},
	{regexp.MustCompile(`dmz|jump|proxy`), model.PurdueLevelDMZ},
	{regexp.MustCompile(`erp|crm`), model.PurdueLevel4},
	{regexp.MustCompile(`mail|web|dc\d`), model.PurdueLevel5},
}

// vendorLevels biases known vendors. Field-equipment makers pull toward the
// control floor, industrial-network makers toward supervisory, IT staples
// toward enterprise.
var vendorLevels = []struct {
	substr string
	level  model.PurdueLevel
}{
	{"siemens", model.PurdueLevel1},
	{"rockwell", model.PurdueLevel1},
	{"allen-bradley", model.PurdueLevel1},
	{"honeywell", model.PurdueLevel1},
	{"emerson", model.PurdueLevel1},
	{"yokogawa", model.PurdueLevel1},
	{"abb", model.PurdueLevel1},
	{"schneider", model.PurdueLevel1},
	{"mitsubishi", model.PurdueLevel1},
	{"omron", model.PurdueLevel1},
	{"phoenix contact", model.PurdueLevel1},
	{"beckhoff", model.PurdueLevel1},
	{"wago", model.PurdueLevel1},
	{"ge", model.PurdueLevel1},
	{"moxa", model.PurdueLevel2},
	{"hirschmann", model.PurdueLevel2},
	{"belden", model.PurdueLevel2},
	{"cisco", model.PurdueLevel5},
	{"juniper", model.PurdueLevel5},
	{"dell", model.PurdueLevel5},
	{"hp", model.PurdueLevel5},
	{"lenovo", model.PurdueLevel5},
	{"vmware", model.PurdueLevel5},
	{"microsoft", model.PurdueLevel5},
}

// Classify scores d against the four signal tables and returns the winning
// Purdue level with the signals that contributed. Ties break toward the
// higher level so ambiguity fails toward stricter isolation; no signal at
// all defaults to level 5.
func Classify(d model.Device, zones []model.ZoneDefinition) (model.PurdueLevel, []Signal) {
	var signals []Signal

	if level, ok := deviceTypeLevels[d.Type]; ok {
		signals = append(signals, Signal{Name: "device_type", Level: level, Points: PointsDeviceType})
	}
	if level, ok := hostnameLevel(d); ok {
		signals = append(signals, Signal{Name: "hostname", Level: level, Points: PointsHostname})
	}
	if level, ok := vendorLevel(d.Vendor); ok {
		signals = append(signals, Signal{Name: "vendor", Level: level, Points: PointsVendor})
	}
	if level, ok := subnetLevel(d, zones); ok {
		signals = append(signals, Signal{Name: "subnet", Level: level, Points: PointsSubnet})
	}

	if len(signals) == 0 {
		return model.PurdueLevel5, nil
	}

	scores := map[model.PurdueLevel]int{}
	for _, s := range signals {
		scores[s.Level] += s.Points
	}
	best := signals[0].Level
	for level, score := range scores {
		if score > scores[best] || (score == scores[best] && level > best) {
			best = level
		}
	}
	return best, signals
}

func hostnameLevel(d model.Device) (model.PurdueLevel, bool) {
	name := strings.ToLower(d.Hostname)
	if name == "" {
		name = strings.ToLower(d.Name)
	}
	if name == "" {
		return 0, false
	}
	for _, p := range hostnamePatterns {
		if p.re.MatchString(name) {
			return p.level, true
		}
	}
	return 0, false
}

func vendorLevel(vendor string) (model.PurdueLevel, bool) {
	if vendor == "" {
		return 0, false
	}
	lower := strings.ToLower(vendor)
	for _, v := range vendorLevels {
		if strings.Contains(lower, v.substr) {
			return v.level, true
		}
	}
	return 0, false
}

func subnetLevel(d model.Device, zones []model.ZoneDefinition) (model.PurdueLevel, bool) {
	ips := d.IPs()
	if len(ips) == 0 {
		return 0, false
	}
	for _, z := range zones {
		for _, ip := range ips {
			if z.Contains(ip) {
				return z.PurdueLevel, true
			}
		}
	}
	return 0, false
}

// CrossZone reports whether a connection between src and dst violates zone
// isolation: trust levels differing by more than one step, or a DMZ
// boundary crossed without a firewall, gateway, or data diode on either
// end.
func CrossZone(src, dst model.Device) bool {
	diff := src.SecurityZone.TrustLevel() - dst.SecurityZone.TrustLevel()
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		return true
	}
	crossesDMZ := (src.SecurityZone == model.ZoneDMZ) != (dst.SecurityZone == model.ZoneDMZ)
	if crossesDMZ && !src.Type.IsBoundaryDevice() && !dst.Type.IsBoundaryDevice() {
		return true
	}
	return false
}
