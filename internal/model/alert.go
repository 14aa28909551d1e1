package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/faults"
)

type AlertType string

const (
	AlertSecurity            AlertType = "security"
	AlertConnectivity        AlertType = "connectivity"
	AlertCompliance          AlertType = "compliance"
	AlertPerformance         AlertType = "performance"
	AlertConfiguration       AlertType = "configuration"
	AlertDeviceOffline       AlertType = "device_offline"
	AlertInsecureProtocol    AlertType = "insecure_protocol"
	AlertCrossZoneConnection AlertType = "cross_zone_connection"
	AlertNewDevice           AlertType = "new_device"
	AlertFirmwareOutdated    AlertType = "firmware_outdated"
	AlertConfigurationChange AlertType = "configuration_change"
	AlertSecurityViolation   AlertType = "security_violation"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities for comparison; critical is highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Alert is append-only from the pipeline's perspective; acknowledgement and
// resolution arrive from external user actions.
type Alert struct {
	ID             string            `json:"id"`
	Type           AlertType         `json:"type"`
	Severity       Severity          `json:"severity"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	DeviceID       string            `json:"deviceId,omitempty"`
	ConnectionID   string            `json:"connectionId,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	Remediation    string            `json:"remediation,omitempty"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedBy string            `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt time.Time         `json:"acknowledgedAt,omitzero"`
	Resolved       bool              `json:"resolved"`
	ResolvedBy     string            `json:"resolvedBy,omitempty"`
	ResolvedAt     time.Time         `json:"resolvedAt,omitzero"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func NewAlert(ts time.Time, typ AlertType, sev Severity, title, description string) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Type:        typ,
		Severity:    sev,
		Title:       title,
		Description: description,
		Details:     map[string]string{},
		CreatedAt:   ts.UTC().Truncate(time.Millisecond),
	}
}

func (a Alert) Validate() error {
	if a.ID == "" || a.Title == "" {
		return faults.Validation("model.alert", "id and title are required", nil)
	}
	switch a.Severity {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
	default:
		return faults.Validation("model.alert", "unknown severity", nil)
	}
	return nil
}
