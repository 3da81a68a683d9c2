// Package risk computes the deterministic weighted risk assessment for a case.
package risk

import (
	"fmt"
	"math"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/rules"
	"github.com/shopspring/decimal"
)

// Factor names as reported in ContributingFactors.
const (
	FactorVelocity     = "transaction_velocity"
	FactorStructuring  = "structuring_pattern"
	FactorJurisdiction = "jurisdiction_risk"
	FactorPEP          = "pep_involvement"
	FactorHistorical   = "historical_deviation"
)

// Level thresholds, checked from highest to lowest.
const (
	ThresholdCritical = 85.0
	ThresholdHigh     = 60.0
	ThresholdMedium   = 30.0
)

// Factor caps. Each sub-score is bounded by its cap before weighting.
const (
	velocityCap     = 40.0
	structuringCap  = 30.0
	jurisdictionCap = 25.0
	pepCap          = 30.0
	historicalCap   = 40.0
)

// StructuringCutoff is the per-transaction amount below which a transaction
// counts toward the structuring factor.
var StructuringCutoff = decimal.NewFromInt(10000)

var million = decimal.NewFromInt(1_000_000)

// Weights are the factor weights. They sum to 100.
type Weights struct {
	Velocity     float64
	Structuring  float64
	Jurisdiction float64
	PEP          float64
	Historical   float64
}

// DefaultWeights returns the standard factor weighting.
func DefaultWeights() Weights {
	return Weights{
		Velocity:     22,
		Structuring:  20,
		Jurisdiction: 18,
		PEP:          20,
		Historical:   20,
	}
}

// Scorer produces risk assessments. It holds no mutable state.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the default weights.
func NewScorer() *Scorer {
	return &Scorer{weights: DefaultWeights()}
}

// NewScorerWithWeights creates a scorer with custom weights.
func NewScorerWithWeights(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Assess scores a dataset against the evidence produced for it.
func (s *Scorer) Assess(ds *domain.DecisionDataset, blocks []domain.EvidenceBlock) *domain.RiskAssessment {
	if ds == nil {
		ds = &domain.DecisionDataset{TotalAmount: decimal.Zero}
	}

	txnCount := len(ds.Transactions)
	period := math.Max(ds.PeriodDays, 1.0)

	velocity := math.Min(velocityCap, float64(txnCount)/period*4.0)

	structuring := 0.0
	if txnCount > 0 {
		small := 0
		for _, tx := range ds.Transactions {
			if tx.Amount.LessThan(StructuringCutoff) {
				small++
			}
		}
		structuring = math.Min(structuringCap, float64(small)/float64(txnCount)*30.0)
	}

	corridor := hasRule(blocks, rules.RuleHighRiskCorridor)
	jurisdiction := 5.0
	if corridor {
		jurisdiction = jurisdictionCap
	}

	pepFlagged := hasPEPFlags(ds.Customer)
	pep := 5.0
	if pepFlagged {
		pep = pepCap
	}

	amountMillions, _ := ds.TotalAmount.Div(million).Float64()
	historical := 10.0 + math.Min(30.0, float64(ds.UniqueCounterparties)*2.0+amountMillions)

	weighted := (share(velocity, velocityCap)*s.weights.Velocity +
		share(structuring, structuringCap)*s.weights.Structuring +
		share(jurisdiction, jurisdictionCap)*s.weights.Jurisdiction +
		share(pep, pepCap)*s.weights.PEP +
		share(historical, historicalCap)*s.weights.Historical) / 100.0

	score := clamp(round(weighted, 2))

	return &domain.RiskAssessment{
		RiskScore: score,
		RiskLevel: LevelFor(score),
		ContributingFactors: map[string]float64{
			FactorVelocity:     round(velocity, 2),
			FactorStructuring:  round(structuring, 2),
			FactorJurisdiction: round(jurisdiction, 2),
			FactorPEP:          round(pep, 2),
			FactorHistorical:   round(historical, 2),
		},
		Rationale: []string{
			fmt.Sprintf("Velocity factor: %.1f based on %d txns over %.1f days", velocity, txnCount, period),
			fmt.Sprintf("Structuring factor: %.1f from sub-threshold patterns", structuring),
			fmt.Sprintf("Jurisdiction factor: %.1f (high-risk rule triggered: %t)", jurisdiction, corridor),
			fmt.Sprintf("PEP factor: %.1f (PEP flags present: %t)", pep, pepFlagged),
			fmt.Sprintf("Historical deviation: %.1f (counterparties=%d, total_amount=%s)",
				historical, ds.UniqueCounterparties, ds.TotalAmount.StringFixed(2)),
		},
	}
}

// LevelFor maps a score onto a risk level.
func LevelFor(score float64) domain.RiskLevel {
	switch {
	case score >= ThresholdCritical:
		return domain.RiskCritical
	case score >= ThresholdHigh:
		return domain.RiskHigh
	case score >= ThresholdMedium:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// share expresses a capped sub-score as a percentage of its cap.
func share(value, limit float64) float64 {
	return value / limit * 100.0
}

func hasRule(blocks []domain.EvidenceBlock, id string) bool {
	for _, b := range blocks {
		if b.RuleID == id {
			return true
		}
	}
	return false
}

// hasPEPFlags reports whether the profile carries a non-empty pep_flags value.
func hasPEPFlags(customer map[string]any) bool {
	v, ok := customer["pep_flags"]
	if !ok || v == nil {
		return false
	}
	switch flags := v.(type) {
	case []any:
		return len(flags) > 0
	case []string:
		return len(flags) > 0
	case map[string]any:
		return len(flags) > 0
	case string:
		return flags != ""
	case bool:
		return flags
	default:
		return true
	}
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
