// Package risk scores devices across four weighted categories and raises
// security alerts when a score crosses a severity band. Assessment is a
// pure function of the device and its topology neighborhood; the scheduler
// drives recomputation.
package risk

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fieldlight/otgraph/internal/classify"
	"github.com/fieldlight/otgraph/internal/model"
)

// Category weights. They must sum to 1.0; RiskAssessment.Validate enforces
// the invariant on every assessment built here.
const (
	WeightVulnerability = 0.35
	WeightConfiguration = 0.25
	WeightExposure      = 0.25
	WeightCompliance    = 0.15
)

// firmwareGraceYears is how old firmware may be before the age penalty
// starts accruing.
const firmwareGraceYears = 3

const firmwareDateLayout = "2006-01-02"

// Context is the topology neighborhood a device is scored against:
// the connections touching it, the devices on their far ends, and the
// operator-documented zones.
type Context struct {
	Connections []model.Connection
	Peers       map[string]model.Device
	Zones       []model.ZoneDefinition
}

// Assess computes the four factor scores and the weighted overall score
// for d. It is deterministic for a given now, device, and context.
func Assess(now time.Time, d model.Device, topo Context) model.RiskAssessment {
	factors := []model.RiskFactor{
		vulnerability(now, d),
		configuration(d, topo),
		exposure(d, topo),
		compliance(d, topo),
	}
	return model.RiskAssessment{
		DeviceID:        d.ID,
		OverallScore:    model.WeightedScore(factors),
		Factors:         factors,
		Recommendations: recommendations(factors),
		AssessedAt:      now.UTC().Truncate(time.Millisecond),
	}
}

// SeverityForScore maps an overall score to its alert severity band.
// Scores below 20 do not alert.
func SeverityForScore(score int) (model.Severity, bool) {
	switch {
	case score >= 90:
		return model.SeverityCritical, true
	case score >= 70:
		return model.SeverityHigh, true
	case score >= 40:
		return model.SeverityMedium, true
	case score >= 20:
		return model.SeverityLow, true
	}
	return "", false
}

// AssessmentAlert builds the security alert for an assessment. The second
// return is false when the score sits below the lowest band.
func AssessmentAlert(a model.RiskAssessment, d model.Device) (model.Alert, bool) {
	sev, due := SeverityForScore(a.OverallScore)
	if !due {
		return model.Alert{}, false
	}
	name := d.Name
	if name == "" {
		name = d.ID
	}
	alert := model.NewAlert(a.AssessedAt, model.AlertSecurity, sev,
		fmt.Sprintf("risk score %d on %s", a.OverallScore, name),
		factorSummary(a.Factors))
	alert.DeviceID = a.DeviceID
	alert.Details["overallScore"] = strconv.Itoa(a.OverallScore)
	for _, f := range a.Factors {
		alert.Details[string(f.Category)] = strconv.Itoa(f.Score)
	}
	if len(a.Recommendations) > 0 {
		alert.Remediation = a.Recommendations[0]
	}
	return alert, true
}

// deviceTypeBase is the vulnerability floor per device type. Legacy
// controllers sit highest: they run unpatched for years and speak
// protocols with no authentication story.
var deviceTypeBase = map[model.DeviceType]int{
	model.DeviceTypePLC:         60,
	model.DeviceTypeRTU:         60,
	model.DeviceTypeDCS:         60,
	model.DeviceTypeController:  55,
	model.DeviceTypeSensor:      50,
	model.DeviceTypeActuator:    50,
	model.DeviceTypeSCADAServer: 45,
	model.DeviceTypeHMI:         45,
	model.DeviceTypeHistorian:   40,
	model.DeviceTypeMES:         40,
	model.DeviceTypeUnknown:     40,
	model.DeviceTypeSwitch:      30,
	model.DeviceTypeRouter:      30,
	model.DeviceTypeFirewall:    20,
	model.DeviceTypeGateway:     20,
	model.DeviceTypeDataDiode:   20,
	model.DeviceTypeJumpServer:  20,
}

// advisories are vendor/model pairs with published vulnerabilities severe
// enough to dominate the factor. Matching is substring on lowercased
// fields.
var advisories = []struct {
	vendor string
	model  string
	label  string
}{
	{"siemens", "s7-300", "S7-300 legacy firmware line"},
	{"siemens", "s7-400", "S7-400 legacy firmware line"},
	{"schneider", "modicon", "Modicon legacy firmware line"},
	{"rockwell", "micrologix", "MicroLogix legacy firmware line"},
	{"moxa", "nport", "NPort serial server firmware line"},
}

func vulnerability(now time.Time, d model.Device) model.RiskFactor {
	score, ok := deviceTypeBase[d.Type]
	if !ok {
		score = deviceTypeBase[model.DeviceTypeUnknown]
	}
	findings := []string{fmt.Sprintf("%s base %d", d.Type, score)}

	if raw := d.Metadata[model.MetaFirmwareDate]; raw != "" {
		if built, err := time.Parse(firmwareDateLayout, raw); err == nil {
			years := int(now.Sub(built).Hours() / (24 * 365))
			if years > firmwareGraceYears {
				penalty := 10 * (years - firmwareGraceYears)
				score += penalty
				findings = append(findings, fmt.Sprintf("firmware %d years old (+%d)", years, penalty))
			}
		}
	}

	vendor, mdl := strings.ToLower(d.Vendor), strings.ToLower(d.Model)
	for _, adv := range advisories {
		if strings.Contains(vendor, adv.vendor) && strings.Contains(mdl, adv.model) {
			if score < 90 {
				score = 90
			}
			findings = append(findings, "known advisories for "+adv.label)
			break
		}
	}

	return factor(model.RiskVulnerability, WeightVulnerability, score, findings)
}

func configuration(d model.Device, topo Context) model.RiskFactor {
	score := 10
	var findings []string

	var plaintext, secured int
	for _, c := range topo.Connections {
		if !c.Metadata.Industrial {
			continue
		}
		if c.Secure {
			secured++
		} else {
			plaintext++
		}
	}
	if plaintext > 0 {
		score += min(plaintext*15, 45)
		findings = append(findings, fmt.Sprintf("%d plaintext industrial connections", plaintext))
	}
	if secured > 0 {
		score -= min(secured*5, 15)
		findings = append(findings, fmt.Sprintf("%d TLS-wrapped industrial connections", secured))
	}

	if v := d.Metadata[model.MetaSNMPVersion]; v == "1" || v == "2c" {
		score += 20
		findings = append(findings, "SNMPv"+v+" agent")
	}
	switch strings.ToLower(d.Metadata[model.MetaSNMPCommunity]) {
	case "public", "private":
		score += 15
		findings = append(findings, "default SNMP community string")
	}

	return factor(model.RiskConfiguration, WeightConfiguration, score, findings)
}

func exposure(d model.Device, topo Context) model.RiskFactor {
	var cross, fromHigherTrust int
	enterprisePath := false

	for _, c := range topo.Connections {
		peer, ok := topo.Peers[peerID(c, d.ID)]
		if !ok || !classify.CrossZone(d, peer) {
			continue
		}
		cross++
		if c.SourceDeviceID == peer.ID && peer.SecurityZone.TrustLevel() > d.SecurityZone.TrustLevel() {
			fromHigherTrust++
		}
		if d.PurdueLevel <= model.PurdueLevel1 && peer.SecurityZone == model.ZoneEnterprise {
			enterprisePath = true
		}
	}

	score := min(cross*15, 60) + min(fromHigherTrust*10, 20)
	var findings []string
	if cross > 0 {
		findings = append(findings, fmt.Sprintf("%d cross-zone connections", cross))
	}
	if fromHigherTrust > 0 {
		findings = append(findings, fmt.Sprintf("%d inbound from higher-trust zones", fromHigherTrust))
	}
	if enterprisePath {
		score += 25
		findings = append(findings, "enterprise zone reaches a level 0/1 device")
	}

	return factor(model.RiskExposure, WeightExposure, score, findings)
}

func compliance(d model.Device, topo Context) model.RiskFactor {
	score := 0
	var findings []string

	if ips := d.IPs(); len(ips) > 0 && !subnetDocumented(ips, topo.Zones) {
		score += 35
		findings = append(findings, "subnet not documented in any zone")
	}

	var uncovered int
	for _, c := range topo.Connections {
		peer, ok := topo.Peers[peerID(c, d.ID)]
		if !ok || !classify.CrossZone(d, peer) {
			continue
		}
		src, dst := d, peer
		if c.SourceDeviceID == peer.ID {
			src, dst = peer, d
		}
		if !ruleCovers(topo.Zones, src.SecurityZone, dst.SecurityZone, c) {
			uncovered++
		}
	}
	if uncovered > 0 {
		score += min(uncovered*20, 40)
		findings = append(findings, fmt.Sprintf("%d cross-zone connections without a firewall rule", uncovered))
	}

	var missing int
	for _, field := range []string{d.Vendor, d.Model, d.Firmware, d.Hostname} {
		if field == "" {
			missing++
		}
	}
	if missing > 0 {
		score += 5 * missing
		findings = append(findings, fmt.Sprintf("%d identity fields undocumented", missing))
	}

	return factor(model.RiskCompliance, WeightCompliance, score, findings)
}

func subnetDocumented(ips []string, zones []model.ZoneDefinition) bool {
	for _, z := range zones {
		for _, ip := range ips {
			if z.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// ruleCovers reports whether any documented allow rule permits traffic from
// the source zone to the destination zone. Empty rule protocol or zero rule
// port are wildcards.
func ruleCovers(zones []model.ZoneDefinition, from, to model.SecurityZone, c model.Connection) bool {
	for _, z := range zones {
		for _, r := range z.FirewallRules {
			if r.Action != "allow" || r.FromZone != from || r.ToZone != to {
				continue
			}
			if r.Protocol != "" && !strings.EqualFold(r.Protocol, c.Protocol) {
				continue
			}
			if r.Port != 0 && r.Port != c.Port {
				continue
			}
			return true
		}
	}
	return false
}

func peerID(c model.Connection, deviceID string) string {
	if c.SourceDeviceID == deviceID {
		return c.TargetDeviceID
	}
	return c.SourceDeviceID
}

func factor(cat model.RiskCategory, weight float64, score int, findings []string) model.RiskFactor {
	desc := "no findings"
	if len(findings) > 0 {
		desc = strings.Join(findings, "; ")
	}
	return model.RiskFactor{
		Name:        string(cat),
		Category:    cat,
		Score:       clamp(score),
		Weight:      weight,
		Description: desc,
	}
}

func factorSummary(factors []model.RiskFactor) string {
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		parts = append(parts, fmt.Sprintf("%s %d", f.Category, f.Score))
	}
	return strings.Join(parts, ", ")
}

var categoryAdvice = map[model.RiskCategory]string{
	model.RiskVulnerability: "schedule a firmware update; this device is past the patch window",
	model.RiskConfiguration: "move industrial protocols to their TLS-wrapped variants and rotate SNMP credentials",
	model.RiskExposure:      "segment cross-zone traffic through a firewall or data diode",
	model.RiskCompliance:    "document the device subnet as a zone and add firewall rules for its cross-zone paths",
}

func recommendations(factors []model.RiskFactor) []string {
	var out []string
	for _, f := range factors {
		if f.Score >= 50 {
			out = append(out, categoryAdvice[f.Category])
		}
	}
	return out
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
