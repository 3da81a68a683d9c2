package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SectionID identifies one of the fixed SAR narrative sections.
type SectionID int

const (
	SectionSubjectInformation SectionID = iota
	SectionAccountDetails
	SectionAlertSummary
	SectionTransactionPattern
	SectionSuspiciousIndicators
	SectionSupportingEvidence
	SectionRegulatoryJustification
	SectionInvestigatorAssessment
	SectionConclusion
	sectionCount
)

var sectionTitles = [sectionCount]string{
	"Subject Information",
	"Account Details",
	"Alert Summary",
	"Transaction Pattern Analysis",
	"Suspicious Behaviour Indicators",
	"Supporting Evidence",
	"Regulatory Justification",
	"Investigator Assessment",
	"Conclusion & Recommendation",
}

// Sections returns every section in report order.
func Sections() []SectionID {
	out := make([]SectionID, sectionCount)
	for i := range out {
		out[i] = SectionID(i)
	}
	return out
}

// Title returns the display title of the section.
func (s SectionID) Title() string {
	if s < 0 || s >= sectionCount {
		return ""
	}
	return sectionTitles[s]
}

// Key returns the snake_case key generators use for the section,
// e.g. "conclusion_and_recommendation".
func (s SectionID) Key() string {
	return NormalizeSectionKey(s.Title())
}

// String implements fmt.Stringer.
func (s SectionID) String() string {
	return s.Title()
}

// MarshalText encodes the section as its title.
func (s SectionID) MarshalText() ([]byte, error) {
	if s < 0 || s >= sectionCount {
		return nil, fmt.Errorf("unknown section %d", int(s))
	}
	return []byte(s.Title()), nil
}

// UnmarshalText accepts a section title or key.
func (s *SectionID) UnmarshalText(text []byte) error {
	id, ok := ParseSection(string(text))
	if !ok {
		return fmt.Errorf("unknown section %q", string(text))
	}
	*s = id
	return nil
}

// ParseSection resolves a title or key to a section.
func ParseSection(name string) (SectionID, bool) {
	key := NormalizeSectionKey(name)
	for _, id := range Sections() {
		if id.Key() == key {
			return id, true
		}
	}
	return 0, false
}

// NormalizeSectionKey lower-cases name, spells out "&" and collapses every
// run of non-alphanumeric characters into a single underscore.
func NormalizeSectionKey(name string) string {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "&", " and ")
	var b strings.Builder
	pendingSep := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Section is the text of one narrative section.
type Section struct {
	ID   SectionID `json:"section"`
	Text string    `json:"text"`
}

// NarrativeDraft is a formatted SAR narrative with its risk metadata.
type NarrativeDraft struct {
	Sections            []Section          `json:"sections"`
	RiskScore           float64            `json:"risk_score"`
	RiskLevel           RiskLevel          `json:"risk_level"`
	ConfidenceLevel     float64            `json:"confidence_level"`
	EvidenceCitations   []string           `json:"evidence_citations"`
	ContributingFactors map[string]float64 `json:"contributing_factors"`
}

// Text returns the text of a section and whether it is present.
func (d *NarrativeDraft) Text(id SectionID) (string, bool) {
	for _, s := range d.Sections {
		if s.ID == id {
			return s.Text, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the draft.
func (d *NarrativeDraft) Clone() *NarrativeDraft {
	if d == nil {
		return nil
	}
	out := *d
	out.Sections = append([]Section(nil), d.Sections...)
	out.EvidenceCitations = append([]string(nil), d.EvidenceCitations...)
	if d.ContributingFactors != nil {
		out.ContributingFactors = make(map[string]float64, len(d.ContributingFactors))
		for k, v := range d.ContributingFactors {
			out.ContributingFactors[k] = v
		}
	}
	return &out
}

// EvidenceSummary is the compact numeric view of a dataset handed to narrative
// generation.
type EvidenceSummary struct {
	RiskRating           string          `json:"risk_rating"`
	PeriodStart          *time.Time      `json:"period_start"`
	PeriodEnd            *time.Time      `json:"period_end"`
	PeriodDays           float64         `json:"period_days"`
	TransactionCount     int             `json:"transaction_count"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	UniqueCounterparties int             `json:"unique_counterparties"`
}

// EvidencePack is the narrative input: masked profile, summary and a private
// copy of the evidence blocks.
type EvidencePack struct {
	Summary         EvidenceSummary `json:"summary"`
	CustomerProfile map[string]any  `json:"customer_profile"`
	EvidenceBlocks  []EvidenceBlock `json:"evidence_blocks"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// TraceEntry links a section statement to one supporting evidence block.
type TraceEntry struct {
	Section              SectionID `json:"section"`
	Statement            string    `json:"statement"`
	SupportingEvidenceID string    `json:"supporting_evidence_id"`
	RuleTriggered        string    `json:"rule_triggered"`
	ConfidenceWeight     float64   `json:"confidence_weight"`
	EvidenceDetails      []string  `json:"evidence_details"`
}

// ValidationResult is the outcome of narrative validation. Only Errors block.
type ValidationResult struct {
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Summary  string   `json:"summary"`
}

// Snippet is one ranked reference document returned by retrieval.
type Snippet struct {
	DocID      string   `json:"doc_id"`
	Text       string   `json:"text"`
	Similarity *float64 `json:"similarity"`
}
