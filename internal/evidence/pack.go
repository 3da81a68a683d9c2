// Package evidence assembles the narrative input from a dataset and the
// evidence blocks triggered against it.
package evidence

import (
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/pii"
)

// Assemble builds the evidence pack. The customer profile is masked and the
// blocks are deep-copied, so later changes to the pack never reach the
// snapshot already written to the audit log.
func Assemble(ds *domain.DecisionDataset, blocks []domain.EvidenceBlock, now time.Time) *domain.EvidencePack {
	pack := &domain.EvidencePack{
		CustomerProfile: map[string]any{},
		EvidenceBlocks:  make([]domain.EvidenceBlock, 0, len(blocks)),
		GeneratedAt:     now.UTC(),
	}

	if ds != nil {
		if masked := pii.MaskMap(ds.Customer); masked != nil {
			pack.CustomerProfile = masked
		}
		pack.Summary = domain.EvidenceSummary{
			RiskRating:           ds.RiskRating,
			PeriodStart:          copyTime(ds.StartTS),
			PeriodEnd:            copyTime(ds.EndTS),
			PeriodDays:           ds.PeriodDays,
			TransactionCount:     len(ds.Transactions),
			TotalAmount:          ds.TotalAmount,
			UniqueCounterparties: ds.UniqueCounterparties,
		}
	}

	for _, b := range blocks {
		pack.EvidenceBlocks = append(pack.EvidenceBlocks, b.Clone())
	}

	return pack
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
