package model

import (
	"fmt"
	"math"
	"time"

	"github.com/fieldlight/otgraph/internal/faults"
)

type RiskCategory string

const (
	RiskVulnerability RiskCategory = "vulnerability"
	RiskConfiguration RiskCategory = "configuration"
	RiskExposure      RiskCategory = "exposure"
	RiskCompliance    RiskCategory = "compliance"
)

type RiskFactor struct {
	Name        string       `json:"name"`
	Category    RiskCategory `json:"category"`
	Score       int          `json:"score" validate:"min=0,max=100"`
	Weight      float64      `json:"weight" validate:"min=0,max=1"`
	Description string       `json:"description,omitempty"`
}

type RiskAssessment struct {
	DeviceID        string       `json:"deviceId"`
	OverallScore    int          `json:"overallScore" validate:"min=0,max=100"`
	Factors         []RiskFactor `json:"factors" validate:"dive"`
	Recommendations []string     `json:"recommendations,omitempty"`
	AssessedAt      time.Time    `json:"assessedAt"`
}

// WeightedScore returns the overall score as round(Σ score × weight).
func WeightedScore(factors []RiskFactor) int {
	var sum float64
	for _, f := range factors {
		sum += float64(f.Score) * f.Weight
	}
	return int(math.Round(sum))
}

// Validate enforces the weight-sum invariant (1.0 ± 0.01) and that the
// overall score matches the weighted factor sum.
func (a RiskAssessment) Validate() error {
	if a.DeviceID == "" {
		return faults.Validation("model.risk", "device id is required", nil)
	}
	var weights float64
	for _, f := range a.Factors {
		weights += f.Weight
	}
	if math.Abs(weights-1.0) > 0.01 {
		return faults.Validation("model.risk", fmt.Sprintf("factor weights sum to %.3f, want 1.0", weights), nil)
	}
	if a.OverallScore != WeightedScore(a.Factors) {
		return faults.Validation("model.risk", "overall score does not match weighted factor sum", nil)
	}
	if err := validate.Struct(a); err != nil {
		return faults.Validation("model.risk", "field validation failed", err)
	}
	return nil
}
