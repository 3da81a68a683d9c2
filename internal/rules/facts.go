package rules

import (
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/shopspring/decimal"
)

// Facts are the dataset aggregates rule predicates are written against.
type Facts struct {
	TransactionCount     int
	SmallTxnCount        int
	PeriodDays           float64
	TotalAmount          decimal.Decimal
	AverageAmount        decimal.Decimal
	UniqueCounterparties int
	RiskRating           string

	// HasFlow is true when at least one inbound and one outbound transaction
	// carry a valid timestamp. RapidDeltaHours is only meaningful then.
	HasFlow         bool
	RapidDeltaHours float64

	HighRiskCount int
}

// DeriveFacts computes rule inputs from a dataset.
func DeriveFacts(ds *domain.DecisionDataset) *Facts {
	f := &Facts{
		TotalAmount:   decimal.Zero,
		AverageAmount: decimal.Zero,
	}
	if ds == nil {
		return f
	}

	f.TransactionCount = len(ds.Transactions)
	f.PeriodDays = ds.PeriodDays
	f.TotalAmount = ds.TotalAmount
	f.UniqueCounterparties = ds.UniqueCounterparties
	f.RiskRating = ds.RiskRating

	n := f.TransactionCount
	if n < 1 {
		n = 1
	}
	f.AverageAmount = ds.TotalAmount.Div(decimal.NewFromInt(int64(n)))

	var lastIn, firstOut *time.Time
	for i := range ds.Transactions {
		tx := &ds.Transactions[i]

		if tx.Amount.LessThan(StructuringCutoff) {
			f.SmallTxnCount++
		}
		if _, ok := HighRiskCountries[tx.Country]; ok {
			f.HighRiskCount++
		}

		if tx.Timestamp == nil {
			continue
		}
		switch tx.Direction {
		case domain.DirectionIn:
			if lastIn == nil || tx.Timestamp.After(*lastIn) {
				lastIn = tx.Timestamp
			}
		case domain.DirectionOut:
			if firstOut == nil || tx.Timestamp.Before(*firstOut) {
				firstOut = tx.Timestamp
			}
		}
	}

	if lastIn != nil && firstOut != nil {
		f.HasFlow = true
		f.RapidDeltaHours = firstOut.Sub(*lastIn).Hours()
	}

	return f
}

// Activation returns the CEL variable bindings for the facts.
func (f *Facts) Activation() map[string]any {
	total, _ := f.TotalAmount.Float64()
	avg, _ := f.AverageAmount.Float64()
	return map[string]any{
		"transaction_count":     int64(f.TransactionCount),
		"small_txn_count":       int64(f.SmallTxnCount),
		"period_days":           f.PeriodDays,
		"total_amount":          total,
		"average_amount":        avg,
		"unique_counterparties": int64(f.UniqueCounterparties),
		"has_flow":              f.HasFlow,
		"rapid_delta_hours":     f.RapidDeltaHours,
		"high_risk_count":       int64(f.HighRiskCount),
		"risk_rating":           f.RiskRating,
	}
}
