package narrative

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
)

const notAvailable = "N/A"

// Fallback synthesizes every section from the evidence pack alone. The same
// pack always yields the same text, and no section is ever blank.
func Fallback(pack *domain.EvidencePack) map[string]string {
	if pack == nil {
		pack = &domain.EvidencePack{}
	}
	s := pack.Summary

	names := make([]string, 0, len(pack.EvidenceBlocks))
	for _, b := range pack.EvidenceBlocks {
		names = append(names, b.RuleName)
	}
	ids := domain.RuleIDs(pack.EvidenceBlocks)

	indicators := "No typology rules were triggered for this alert."
	if len(names) > 0 {
		indicators = strings.Join(names, "; ")
	}
	support := "No triggered rule evidence is available for citation."
	if len(ids) > 0 {
		support = strings.Join(ids, ", ")
	}

	sections := map[domain.SectionID]string{
		domain.SectionSubjectInformation: fmt.Sprintf(
			"Customer exhibits activity inconsistent with declared profile during %s to %s",
			formatTS(s.PeriodStart), formatTS(s.PeriodEnd)),
		domain.SectionAccountDetails: fmt.Sprintf(
			"Account handled %d transactions totaling %s across %d counterparties.",
			s.TransactionCount, s.TotalAmount.StringFixed(2), s.UniqueCounterparties),
		domain.SectionAlertSummary: fmt.Sprintf(
			"Alert triggered due to velocity and counterparty concentration over %.1f days.", s.PeriodDays),
		domain.SectionTransactionPattern:      "Patterns show compressed inbound followed by outbound movement consistent with structuring and layering.",
		domain.SectionSuspiciousIndicators:    indicators,
		domain.SectionSupportingEvidence:      support,
		domain.SectionRegulatoryJustification: "Activity meets reporting thresholds and typologies referenced in AML-001/AML-017 guidance.",
		domain.SectionInvestigatorAssessment:  "Narrative compiled with masked PII and bounded evidence set.",
		domain.SectionConclusion:              "File SAR and monitor for escalation; consider enhanced due diligence.",
	}

	out := make(map[string]string, len(sections))
	for id, text := range sections {
		out[id.Key()] = text
	}
	return out
}

func formatTS(t *time.Time) string {
	if t == nil {
		return notAvailable
	}
	return t.UTC().Format(time.RFC3339)
}
