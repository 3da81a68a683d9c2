package narrative

import (
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// NotProvided replaces any section the generator left out or left blank.
const NotProvided = "Not provided."

// DefaultConfidence is reported when no evidence block was triggered.
const DefaultConfidence = 0.5

// sectionAliases are additional normalized keys accepted for each section.
var sectionAliases = map[domain.SectionID][]string{
	domain.SectionSubjectInformation:      {"subject", "subject_info"},
	domain.SectionAccountDetails:          {"account", "account_information"},
	domain.SectionAlertSummary:            {"summary"},
	domain.SectionTransactionPattern:      {"transaction_pattern", "transaction_patterns", "pattern_analysis"},
	domain.SectionSuspiciousIndicators:    {"suspicious_behavior_indicators", "suspicious_indicators", "indicators"},
	domain.SectionSupportingEvidence:      {"evidence"},
	domain.SectionRegulatoryJustification: {"regulatory_basis"},
	domain.SectionInvestigatorAssessment:  {"assessment", "analyst_assessment"},
	domain.SectionConclusion:              {"conclusion_recommendation", "conclusion_and_recommendations", "conclusion", "recommendation"},
}

// Format maps generator output onto the fixed section schema and attaches
// the risk metadata and the citation list.
func Format(sections map[string]string, ra *domain.RiskAssessment, blocks []domain.EvidenceBlock) *domain.NarrativeDraft {
	normalized := normalizeKeys(sections)

	draft := &domain.NarrativeDraft{
		Sections:            make([]domain.Section, 0, len(domain.Sections())),
		ConfidenceLevel:     round2(Confidence(blocks)),
		EvidenceCitations:   domain.RuleIDs(blocks),
		ContributingFactors: map[string]float64{},
	}
	for _, id := range domain.Sections() {
		draft.Sections = append(draft.Sections, domain.Section{
			ID:   id,
			Text: AsParagraph(lookup(normalized, id)),
		})
	}

	if ra != nil {
		draft.RiskScore = round2(ra.RiskScore)
		draft.RiskLevel = ra.RiskLevel
		for k, v := range ra.ContributingFactors {
			draft.ContributingFactors[k] = v
		}
	}

	return draft
}

// Confidence is the mean block confidence, or DefaultConfidence without blocks.
func Confidence(blocks []domain.EvidenceBlock) float64 {
	if len(blocks) == 0 {
		return DefaultConfidence
	}
	sum := 0.0
	for _, b := range blocks {
		sum += b.ConfidenceScore
	}
	return sum / float64(len(blocks))
}

// AsParagraph trims text onto a single line, or returns NotProvided when
// nothing is left.
func AsParagraph(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return NotProvided
	}
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.ReplaceAll(text, "\r", " ")
}

// normalizeKeys indexes sections by normalized key. When two keys collide the
// first non-blank one in sorted key order wins.
func normalizeKeys(sections map[string]string) map[string]string {
	keys := make([]string, 0, len(sections))
	for k := range sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		nk := domain.NormalizeSectionKey(k)
		if existing, ok := out[nk]; ok && strings.TrimSpace(existing) != "" {
			continue
		}
		out[nk] = sections[k]
	}
	return out
}

func lookup(normalized map[string]string, id domain.SectionID) string {
	candidates := append([]string{id.Key()}, sectionAliases[id]...)
	for _, key := range candidates {
		if text, ok := normalized[key]; ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
