package pipeline

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// StatusError marks a batch item whose run failed.
const StatusError = "ERROR"

// BatchResult is the outcome of one alert in a batch.
type BatchResult struct {
	CaseID    string           `json:"case_id"`
	Status    string           `json:"status"`
	RiskScore float64          `json:"risk_score"`
	RiskLevel domain.RiskLevel `json:"risk_level,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RunBatch processes alerts concurrently, bounded by the configured worker
// count. A failed alert never stops the others. Results are ordered by risk
// score, highest first, so reviewers see the riskiest cases at the top.
func (p *Pipeline) RunBatch(ctx context.Context, alerts []*domain.Alert) []BatchResult {
	p.metrics.ObserveBatch()

	results := make([]BatchResult, len(alerts))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, alert := range alerts {
		g.Go(func() error {
			results[i] = p.runOne(ctx, alert)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RiskScore > results[j].RiskScore
	})
	return results
}

func (p *Pipeline) runOne(ctx context.Context, alert *domain.Alert) BatchResult {
	c, err := p.Run(ctx, alert)
	if err != nil {
		res := BatchResult{Status: StatusError, Error: err.Error()}
		var se *StageError
		if errors.As(err, &se) {
			res.CaseID = se.CaseID
		}
		return res
	}
	return BatchResult{
		CaseID:    c.ID,
		Status:    string(c.Status),
		RiskScore: c.RiskScore(),
		RiskLevel: c.RiskLevel(),
	}
}
