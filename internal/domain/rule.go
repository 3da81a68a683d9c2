package domain

import "time"

// RuleConfig defines a typology rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL predicate over dataset-derived variables
	Expression string `json:"expression"`

	// Confidence reported on the evidence block when the rule fires
	Confidence float64 `json:"confidence"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// EvidenceBlock records one triggered rule and the facts that support it.
// RuleID is unique within a single evaluation.
type EvidenceBlock struct {
	RuleID          string    `json:"rule_id"`
	RuleName        string    `json:"rule_name"`
	ConfidenceScore float64   `json:"confidence_score"`
	Evidence        []string  `json:"evidence"`
	TriggeredAt     time.Time `json:"triggered_at"`
	RuleVersion     string    `json:"rule_version"`
}

// Clone returns a deep copy of the block.
func (b EvidenceBlock) Clone() EvidenceBlock {
	out := b
	if b.Evidence != nil {
		out.Evidence = append([]string(nil), b.Evidence...)
	}
	return out
}

// RuleIDs returns the ids of the given blocks in order.
func RuleIDs(blocks []EvidenceBlock) []string {
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.RuleID)
	}
	return ids
}

// RiskLevel is the bucketed risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskAssessment is the deterministic scoring result for one pipeline run.
type RiskAssessment struct {
	RiskScore           float64            `json:"risk_score"`
	RiskLevel           RiskLevel          `json:"risk_level"`
	ContributingFactors map[string]float64 `json:"contributing_factors"`
	Rationale           []string           `json:"rationale"`
}
