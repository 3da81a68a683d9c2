// Package dataset normalizes raw alerts into decision datasets.
package dataset

import (
	"strings"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultRiskRating is used when the alert carries no rating hint.
const DefaultRiskRating = "medium"

// Accepted timestamp layouts, tried in order. Layouts without a zone are read as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an alert timestamp. It returns nil for empty or
// unrecognized input.
func ParseTimestamp(raw string) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// Build produces the decision dataset for an alert. It never fails; anomalies
// in the input only degrade the aggregates. The alert is not modified.
func Build(alert *domain.Alert) *domain.DecisionDataset {
	ds := &domain.DecisionDataset{
		Customer:    map[string]any{},
		RiskRating:  DefaultRiskRating,
		TotalAmount: decimal.Zero,
	}
	if alert == nil {
		ds.Transactions = []domain.Transaction{}
		return ds
	}

	if alert.Customer != nil {
		ds.Customer = alert.Customer
	}
	if r := strings.TrimSpace(alert.RiskRating); r != "" {
		ds.RiskRating = r
	}

	ds.Transactions = make([]domain.Transaction, 0, len(alert.Transactions))
	counterparties := make(map[string]struct{})

	for _, raw := range alert.Transactions {
		tx := domain.Transaction{
			ID:        raw.ID,
			Amount:    raw.Amount,
			Direction: domain.Direction(strings.ToLower(strings.TrimSpace(string(raw.Direction)))),
			Country:   strings.ToUpper(strings.TrimSpace(raw.Country)),
			Timestamp: ParseTimestamp(string(raw.Timestamp)),
		}
		if raw.Counterparty != nil {
			cp := *raw.Counterparty
			tx.Counterparty = &cp
			counterparties[cp] = struct{}{}
		}

		ds.TotalAmount = ds.TotalAmount.Add(tx.Amount)

		if ts := tx.Timestamp; ts != nil {
			if ds.StartTS == nil || ts.Before(*ds.StartTS) {
				start := *ts
				ds.StartTS = &start
			}
			if ds.EndTS == nil || ts.After(*ds.EndTS) {
				end := *ts
				ds.EndTS = &end
			}
		}

		ds.Transactions = append(ds.Transactions, tx)
	}

	if ds.StartTS != nil && ds.EndTS != nil {
		ds.PeriodDays = ds.EndTS.Sub(*ds.StartTS).Hours() / 24.0
	}
	ds.UniqueCounterparties = len(counterparties)

	return ds
}
