package domain

import "time"

// Audit event types.
const (
	EventIngested          = "INGESTED"
	EventEnriched          = "ENRICHED"
	EventRuleTriggered     = "RULE_TRIGGERED"
	EventRiskAssessed      = "RISK_ASSESSED"
	EventEvidenceBuilt     = "EVIDENCE_BUILT"
	EventRetrievalComplete = "RETRIEVAL_COMPLETE"
	EventDraftGenerated    = "DRAFT_GENERATED"
	EventValidated         = "VALIDATED"
	EventError             = "ERROR"
	EventSubmitted         = "SUBMITTED"
	EventApproved          = "APPROVED"
	EventRejected          = "REJECTED"
	EventFinalized         = "FINALIZED"
	EventReopened          = "REOPENED"
)

// AuditEvent is an append-only record of a pipeline stage or lifecycle action.
// Payload is PII-masked before it is stored. Seq is assigned by the repository
// and orders events within a case.
type AuditEvent struct {
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}
