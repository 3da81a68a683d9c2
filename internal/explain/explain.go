// Package explain links narrative statements to the evidence behind them.
package explain

import "github.com/opensource-finance/sarflow/internal/domain"

// StatementLimit is the maximum statement length, in runes, kept in a trace entry.
const StatementLimit = 240

// Link cross-references every section of the draft with every triggered
// rule. The trace is all-pairs: it records coverage, not semantic support.
func Link(draft *domain.NarrativeDraft, blocks []domain.EvidenceBlock) []domain.TraceEntry {
	trace := []domain.TraceEntry{}
	if draft == nil {
		return trace
	}

	unique := make([]domain.EvidenceBlock, 0, len(blocks))
	seen := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		if _, ok := seen[b.RuleID]; ok {
			continue
		}
		seen[b.RuleID] = struct{}{}
		unique = append(unique, b)
	}

	for _, section := range draft.Sections {
		statement := truncate(section.Text, StatementLimit)
		for _, b := range unique {
			trace = append(trace, domain.TraceEntry{
				Section:              section.ID,
				Statement:            statement,
				SupportingEvidenceID: b.RuleID,
				RuleTriggered:        b.RuleName,
				ConfidenceWeight:     b.ConfidenceScore,
				EvidenceDetails:      append([]string{}, b.Evidence...),
			})
		}
	}
	return trace
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
