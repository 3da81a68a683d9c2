package domain

import "time"

// CaseStatus is a state of the case lifecycle.
type CaseStatus string

const (
	StatusDraft            CaseStatus = "DRAFT"
	StatusReview           CaseStatus = "REVIEW"
	StatusApproved         CaseStatus = "APPROVED"
	StatusSubmitted        CaseStatus = "SUBMITTED"
	StatusRejected         CaseStatus = "REJECTED"
	StatusValidationFailed CaseStatus = "VALIDATION_FAILED"
)

// Valid reports whether s is a defined lifecycle state.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusReview, StatusApproved, StatusSubmitted, StatusRejected, StatusValidationFailed:
		return true
	}
	return false
}

// Case is the aggregate root for one alert. It has a single writer at a time;
// Version increases with every reviewer action.
type Case struct {
	ID        string     `json:"id"`
	Status    CaseStatus `json:"status"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Alert *Alert `json:"alert"`

	// Pipeline snapshots
	Dataset             *DecisionDataset  `json:"decision_data,omitempty"`
	Evidence            *EvidencePack     `json:"evidence_data,omitempty"`
	RetrievedContext    []Snippet         `json:"rag_context"`
	Risk                *RiskAssessment   `json:"risk,omitempty"`
	RuleConfidenceSum   float64           `json:"rule_confidence_sum"`
	DraftNarrative      *NarrativeDraft   `json:"draft_narrative,omitempty"`
	FinalNarrative      *NarrativeDraft   `json:"final_narrative,omitempty"`
	ExplainabilityTrace []TraceEntry      `json:"explainability_trace"`
	Validation          *ValidationResult `json:"validation_results,omitempty"`
	Document            string            `json:"sar_document,omitempty"`
	Generation          GenerationMeta    `json:"generation"`

	// Review
	AnalystComment string        `json:"analyst_comment,omitempty"`
	ReviewHistory  []ReviewEntry `json:"review_history"`
}

// RiskScore returns the assessed score, or 0 before assessment.
func (c *Case) RiskScore() float64 {
	if c.Risk == nil {
		return 0
	}
	return c.Risk.RiskScore
}

// RiskLevel returns the assessed level, or "" before assessment.
func (c *Case) RiskLevel() RiskLevel {
	if c.Risk == nil {
		return ""
	}
	return c.Risk.RiskLevel
}

// Narrative returns the final narrative when set, else the draft.
func (c *Case) Narrative() *NarrativeDraft {
	if c.FinalNarrative != nil {
		return c.FinalNarrative
	}
	return c.DraftNarrative
}

// ReviewEntry is one lifecycle action recorded on a case.
type ReviewEntry struct {
	User    string    `json:"user"`
	Action  string    `json:"action"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// GenerationMeta describes how the draft narrative was produced.
type GenerationMeta struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	LatencyMs   int64  `json:"latency_ms"`
	RawResponse string `json:"raw_response,omitempty"`
}

// CaseSummary is the list view of a case.
type CaseSummary struct {
	ID        string     `json:"id"`
	Status    CaseStatus `json:"status"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	RiskScore float64    `json:"risk_score"`
	RiskLevel RiskLevel  `json:"risk_level"`
}

// CaseFilter narrows ListCases results.
type CaseFilter struct {
	Status CaseStatus
	Limit  int
}
