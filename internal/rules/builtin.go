package rules

import (
	"fmt"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/shopspring/decimal"
)

// RuleVersion is stamped on every evidence block from the built-in rules.
const RuleVersion = "v0.1"

// Built-in rule identifiers. Narrative citations are matched against these.
const (
	RuleStructuring       = "AML-001"
	RuleRapidMovement     = "AML-017"
	RuleHighRiskCorridor  = "AML-021"
	StructuringMinCount   = 20
	StructuringMaxDays    = 10.0
	RapidMovementMaxHours = 6.0
)

// StructuringCutoff is the amount below which a transaction counts as
// sub-threshold for structuring detection.
var StructuringCutoff = decimal.NewFromInt(100000)

// HighRiskCountries is the fixed high-risk corridor set (ISO alpha-2).
var HighRiskCountries = map[string]struct{}{
	"IR": {},
	"KP": {},
	"SY": {},
	"RU": {},
}

// BuiltinRules returns the three typology rules shipped with sarflow.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          RuleStructuring,
			Name:        "Structuring: Sub-Threshold Aggregation",
			Description: "Many sub-threshold transactions inside a short window",
			Version:     RuleVersion,
			Expression:  fmt.Sprintf("small_txn_count >= %d && period_days <= %.1f", StructuringMinCount, StructuringMaxDays),
			Confidence:  0.82,
			Enabled:     true,
		},
		{
			ID:          RuleRapidMovement,
			Name:        "Rapid Fund Movement",
			Description: "Outbound transfer shortly after the last inbound credit",
			Version:     RuleVersion,
			Expression:  fmt.Sprintf("has_flow && rapid_delta_hours >= 0.0 && rapid_delta_hours <= %.1f", RapidMovementMaxHours),
			Confidence:  0.79,
			Enabled:     true,
		},
		{
			ID:          RuleHighRiskCorridor,
			Name:        "High-Risk Corridor",
			Description: "Transactions linked to high-risk jurisdictions",
			Version:     RuleVersion,
			Expression:  "high_risk_count > 0",
			Confidence:  0.7,
			Enabled:     true,
		},
	}
}

var evidenceBuilders = map[string]EvidenceFunc{
	RuleStructuring: func(f *Facts) []string {
		return []string{
			fmt.Sprintf("%d transactions in %.1f-day window (threshold: %d)", f.SmallTxnCount, f.PeriodDays, StructuringMinCount),
			fmt.Sprintf("Average amount: %s", f.AverageAmount.StringFixed(2)),
			fmt.Sprintf("%d unique counterparties", f.UniqueCounterparties),
		}
	},
	RuleRapidMovement: func(f *Facts) []string {
		return []string{
			fmt.Sprintf("Immediate outbound transfer within %.2f hours", f.RapidDeltaHours),
			"No holding period observed",
		}
	},
	RuleHighRiskCorridor: func(f *Facts) []string {
		return []string{
			fmt.Sprintf("%d transactions linked to high-risk jurisdictions", f.HighRiskCount),
		}
	},
}

func genericEvidence(cfg *domain.RuleConfig) EvidenceFunc {
	return func(f *Facts) []string {
		return []string{
			fmt.Sprintf("Rule condition matched: %s", cfg.Expression),
			fmt.Sprintf("%d transactions over %.1f days", f.TransactionCount, f.PeriodDays),
		}
	}
}
