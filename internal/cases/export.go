package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/render"
)

// ErrUnsupportedFormat is returned for an unknown export format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Export formats.
const (
	FormatJSON  = "json"
	FormatAudit = "audit"
	FormatText  = "text"
)

// Export is a read-only rendering of a case for external consumers.
type Export struct {
	ContentType string
	Filename    string
	Body        []byte
}

type riskExport struct {
	Score      float64          `json:"score"`
	Level      domain.RiskLevel `json:"level"`
	Confidence float64          `json:"confidence"`
}

type caseBundle struct {
	CaseID              string                   `json:"case"`
	Status              domain.CaseStatus        `json:"status"`
	Version             int                      `json:"version"`
	Narrative           *domain.NarrativeDraft   `json:"narrative"`
	Risk                riskExport               `json:"risk"`
	ExplainabilityTrace []domain.TraceEntry      `json:"explainability_trace"`
	Validation          *domain.ValidationResult `json:"validation_results"`
	ReviewHistory       []domain.ReviewEntry     `json:"review_history"`
}

type auditBundle struct {
	CaseID    string                 `json:"case_id"`
	Timeline  []domain.AuditEvent    `json:"timeline"`
	Narrative *domain.NarrativeDraft `json:"narrative"`
}

// Export renders a case as a JSON bundle, an audit bundle or plain text.
// The final narrative is used when present, else the draft.
func (s *Service) Export(ctx context.Context, id, format string) (*Export, error) {
	c, err := s.repo.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	narrative := c.Narrative()

	switch format {
	case FormatJSON:
		bundle := caseBundle{
			CaseID:              c.ID,
			Status:              c.Status,
			Version:             c.Version,
			Narrative:           narrative,
			Risk:                riskExport{Score: c.RiskScore(), Level: c.RiskLevel()},
			ExplainabilityTrace: c.ExplainabilityTrace,
			Validation:          c.Validation,
			ReviewHistory:       c.ReviewHistory,
		}
		if narrative != nil {
			bundle.Risk.Confidence = narrative.ConfidenceLevel
		}
		return jsonExport(c.ID+".json", bundle)

	case FormatAudit:
		timeline, err := s.audit.Timeline(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return jsonExport(c.ID+"-audit.json", auditBundle{
			CaseID:    c.ID,
			Timeline:  timeline,
			Narrative: narrative,
		})

	case FormatText:
		return &Export{
			ContentType: "text/plain; charset=utf-8",
			Filename:    c.ID + ".txt",
			Body:        []byte(render.Text(narrative)),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func jsonExport(filename string, v any) (*Export, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	return &Export{
		ContentType: "application/json",
		Filename:    filename,
		Body:        body,
	}, nil
}
