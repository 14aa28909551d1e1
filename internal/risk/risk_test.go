package risk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/risk"
)

var assessAt = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func riskDevice(t *testing.T, name string, mutate func(*model.Device)) model.Device {
	t.Helper()
	d := model.NewDevice(assessAt.Add(-24*time.Hour), name)
	if mutate != nil {
		mutate(&d)
	}
	require.NoError(t, d.Validate())
	return d
}

func factorByCategory(t *testing.T, a model.RiskAssessment, cat model.RiskCategory) model.RiskFactor {
	t.Helper()
	for _, f := range a.Factors {
		if f.Category == cat {
			return f
		}
	}
	t.Fatalf("assessment has no %s factor", cat)
	return model.RiskFactor{}
}

func TestSeverityForScore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		score int
		want  model.Severity
		due   bool
	}{
		{100, model.SeverityCritical, true},
		{90, model.SeverityCritical, true},
		{89, model.SeverityHigh, true},
		{70, model.SeverityHigh, true},
		{69, model.SeverityMedium, true},
		{40, model.SeverityMedium, true},
		{39, model.SeverityLow, true},
		{20, model.SeverityLow, true},
		{19, "", false},
		{0, "", false},
	}
	for _, tc := range cases {
		sev, due := risk.SeverityForScore(tc.score)
		require.Equal(t, tc.due, due, "score %d", tc.score)
		require.Equal(t, tc.want, sev, "score %d", tc.score)
	}
}

func TestWeightedScoreVector(t *testing.T) {
	t.Parallel()

	factors := []model.RiskFactor{
		{Name: "vulnerability", Category: model.RiskVulnerability, Score: 80, Weight: risk.WeightVulnerability},
		{Name: "configuration", Category: model.RiskConfiguration, Score: 60, Weight: risk.WeightConfiguration},
		{Name: "exposure", Category: model.RiskExposure, Score: 40, Weight: risk.WeightExposure},
		{Name: "compliance", Category: model.RiskCompliance, Score: 20, Weight: risk.WeightCompliance},
	}

	overall := model.WeightedScore(factors)
	require.Equal(t, 56, overall)

	a := model.RiskAssessment{
		DeviceID:     "dev-1",
		OverallScore: overall,
		Factors:      factors,
		AssessedAt:   assessAt,
	}
	require.NoError(t, a.Validate())

	sev, due := risk.SeverityForScore(overall)
	require.True(t, due)
	require.Equal(t, model.SeverityMedium, sev)
}

func TestAssess_IsDeterministicAndValid(t *testing.T) {
	t.Parallel()

	d := riskDevice(t, "plc-01", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
		d.Vendor = "Siemens"
		d.Model = "SIMATIC S7-1500"
		d.Interfaces = []model.NetworkInterface{{Name: "eth0", IP: "10.20.1.15"}}
	})

	a := risk.Assess(assessAt, d, risk.Context{})
	require.NoError(t, a.Validate())
	require.Equal(t, d.ID, a.DeviceID)
	require.Equal(t, assessAt, a.AssessedAt)
	require.Len(t, a.Factors, 4)

	again := risk.Assess(assessAt, d, risk.Context{})
	require.Equal(t, a, again)
}

func TestAssess_FirmwareAgePenalty(t *testing.T) {
	t.Parallel()

	fresh := riskDevice(t, "plc-01", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
	})
	aged := riskDevice(t, "plc-02", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
		d.Metadata[model.MetaFirmwareDate] = "2021-03-14"
	})

	freshVuln := factorByCategory(t, risk.Assess(assessAt, fresh, risk.Context{}), model.RiskVulnerability)
	agedVuln := factorByCategory(t, risk.Assess(assessAt, aged, risk.Context{}), model.RiskVulnerability)

	require.Equal(t, 60, freshVuln.Score)
	// Five years old: two years past the grace window.
	require.Equal(t, 80, agedVuln.Score)
	require.Contains(t, agedVuln.Description, "firmware 5 years old")
}

func TestAssess_AdvisoryDominatesVulnerability(t *testing.T) {
	t.Parallel()

	d := riskDevice(t, "plc-legacy", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
		d.Vendor = "Siemens"
		d.Model = "SIMATIC S7-300"
	})

	vuln := factorByCategory(t, risk.Assess(assessAt, d, risk.Context{}), model.RiskVulnerability)
	require.Equal(t, 90, vuln.Score)
	require.Contains(t, vuln.Description, "S7-300")
}

func TestAssess_PlaintextIndustrialRaisesConfiguration(t *testing.T) {
	t.Parallel()

	d := riskDevice(t, "plc-01", func(d *model.Device) { d.Type = model.DeviceTypePLC })

	plaintext := model.NewConnection(assessAt, d.ID, "hmi-id", model.ConnectionEthernet)
	plaintext.Protocol = "tcp"
	plaintext.Port = 502
	plaintext.Metadata = model.ConnectionMetadata{Industrial: true, IndustrialProtocol: "modbus"}

	wrapped := plaintext
	wrapped.Port = 802
	wrapped.Secure = true
	wrapped.Encryption = "tls1.3"

	open := factorByCategory(t,
		risk.Assess(assessAt, d, risk.Context{Connections: []model.Connection{plaintext, plaintext}}),
		model.RiskConfiguration)
	require.Equal(t, 40, open.Score, "baseline 10 plus 15 per plaintext connection")
	require.Contains(t, open.Description, "plaintext industrial")

	tls := factorByCategory(t,
		risk.Assess(assessAt, d, risk.Context{Connections: []model.Connection{wrapped, wrapped}}),
		model.RiskConfiguration)
	require.Equal(t, 0, tls.Score, "TLS connections pull below the baseline")
}

func TestAssess_LegacySNMPConfiguration(t *testing.T) {
	t.Parallel()

	d := riskDevice(t, "switch-01", func(d *model.Device) {
		d.Type = model.DeviceTypeSwitch
		d.Metadata[model.MetaSNMPVersion] = "2c"
		d.Metadata[model.MetaSNMPCommunity] = "public"
	})

	cfg := factorByCategory(t, risk.Assess(assessAt, d, risk.Context{}), model.RiskConfiguration)
	require.Equal(t, 45, cfg.Score)
	require.Contains(t, cfg.Description, "SNMPv2c")
	require.Contains(t, cfg.Description, "default SNMP community")
}

func TestAssess_CrossZoneExposure(t *testing.T) {
	t.Parallel()

	plc := riskDevice(t, "plc-01", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
		d.PurdueLevel = model.PurdueLevel1
		d.SecurityZone = model.ZoneControl
	})
	erp := riskDevice(t, "erp-01", func(d *model.Device) {
		d.PurdueLevel = model.PurdueLevel4
		d.SecurityZone = model.ZoneEnterprise
	})

	inbound := model.NewConnection(assessAt, erp.ID, plc.ID, model.ConnectionEthernet)
	inbound.Protocol = "tcp"
	inbound.Port = 502

	topo := risk.Context{
		Connections: []model.Connection{inbound},
		Peers:       map[string]model.Device{erp.ID: erp},
	}
	exp := factorByCategory(t, risk.Assess(assessAt, plc, topo), model.RiskExposure)
	// One cross-zone edge, inbound from a higher-trust zone, reaching L1.
	require.Equal(t, 50, exp.Score)
	require.Contains(t, exp.Description, "enterprise zone reaches")

	isolated := factorByCategory(t, risk.Assess(assessAt, plc, risk.Context{}), model.RiskExposure)
	require.Equal(t, 0, isolated.Score)
}

func TestAssess_ComplianceFindings(t *testing.T) {
	t.Parallel()

	plc := riskDevice(t, "plc-01", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
		d.PurdueLevel = model.PurdueLevel1
		d.SecurityZone = model.ZoneControl
		d.Interfaces = []model.NetworkInterface{{Name: "eth0", IP: "10.20.1.15"}}
	})
	erp := riskDevice(t, "erp-01", func(d *model.Device) {
		d.PurdueLevel = model.PurdueLevel4
		d.SecurityZone = model.ZoneEnterprise
	})

	conn := model.NewConnection(assessAt, plc.ID, erp.ID, model.ConnectionEthernet)
	conn.Protocol = "tcp"
	conn.Port = 502

	bare := risk.Context{
		Connections: []model.Connection{conn},
		Peers:       map[string]model.Device{erp.ID: erp},
	}
	undocumented := factorByCategory(t, risk.Assess(assessAt, plc, bare), model.RiskCompliance)
	// Undocumented subnet 35, uncovered cross-zone rule 20, four missing
	// identity fields 20.
	require.Equal(t, 75, undocumented.Score)

	documented := bare
	documented.Zones = []model.ZoneDefinition{{
		Name:         "control",
		PurdueLevel:  model.PurdueLevel1,
		SecurityZone: model.ZoneControl,
		Subnets:      []string{"10.20.1.0/24"},
		FirewallRules: []model.FirewallRule{{
			Name:     "plc-to-erp",
			FromZone: model.ZoneControl,
			ToZone:   model.ZoneEnterprise,
			Protocol: "tcp",
			Port:     502,
			Action:   "allow",
		}},
	}}
	covered := factorByCategory(t, risk.Assess(assessAt, plc, documented), model.RiskCompliance)
	require.Equal(t, 20, covered.Score, "only the missing identity fields remain")
}

func TestAssess_RecommendationsFollowHighFactors(t *testing.T) {
	t.Parallel()

	d := riskDevice(t, "plc-legacy", func(d *model.Device) {
		d.Type = model.DeviceTypePLC
		d.Vendor = "Siemens"
		d.Model = "SIMATIC S7-300"
	})

	a := risk.Assess(assessAt, d, risk.Context{})
	require.NotEmpty(t, a.Recommendations)
	require.Contains(t, a.Recommendations[0], "firmware")
}

func TestAssessmentAlert(t *testing.T) {
	t.Parallel()

	d := riskDevice(t, "plc-01", nil)
	a := model.RiskAssessment{
		DeviceID:     d.ID,
		OverallScore: 56,
		Factors: []model.RiskFactor{
			{Name: "vulnerability", Category: model.RiskVulnerability, Score: 80, Weight: risk.WeightVulnerability},
			{Name: "configuration", Category: model.RiskConfiguration, Score: 60, Weight: risk.WeightConfiguration},
			{Name: "exposure", Category: model.RiskExposure, Score: 40, Weight: risk.WeightExposure},
			{Name: "compliance", Category: model.RiskCompliance, Score: 20, Weight: risk.WeightCompliance},
		},
		Recommendations: []string{"segment cross-zone traffic"},
		AssessedAt:      assessAt,
	}

	alert, due := risk.AssessmentAlert(a, d)
	require.True(t, due)
	require.Equal(t, model.AlertSecurity, alert.Type)
	require.Equal(t, model.SeverityMedium, alert.Severity)
	require.Equal(t, d.ID, alert.DeviceID)
	require.Contains(t, alert.Title, "risk score 56")
	require.Equal(t, "56", alert.Details["overallScore"])
	require.Equal(t, "80", alert.Details["vulnerability"])
	require.Equal(t, "segment cross-zone traffic", alert.Remediation)

	a.OverallScore = 19
	_, due = risk.AssessmentAlert(a, d)
	require.False(t, due)
}
