// Package cases implements analyst review of persisted cases.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/sarflow/internal/audit"
	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/explain"
	"github.com/opensource-finance/sarflow/internal/lock"
	"github.com/opensource-finance/sarflow/internal/metrics"
	"github.com/opensource-finance/sarflow/internal/render"
	"github.com/opensource-finance/sarflow/internal/validation"
	"github.com/opensource-finance/sarflow/internal/workflow"
)

var (
	// ErrStaleVersion is returned when the caller acted on an outdated case.
	ErrStaleVersion = errors.New("stale case version")

	// ErrInvalidEdit is returned for an edited narrative that cannot be applied.
	ErrInvalidEdit = errors.New("invalid narrative edit")
)

// ActionRequest carries one reviewer action.
type ActionRequest struct {
	User    string `json:"user,omitempty"`
	Comment string `json:"comment,omitempty"`

	// ExpectedVersion, when set, must match the stored case version.
	ExpectedVersion *int `json:"expected_version,omitempty"`

	// Narrative is an analyst edit applied on approval.
	Narrative *NarrativeEdit `json:"narrative,omitempty"`
}

// NarrativeEdit replaces section texts and, when Citations is non-nil, the
// cited rule ids of the draft. Sections are keyed by title or snake_case key.
type NarrativeEdit struct {
	Sections  map[string]string `json:"sections,omitempty"`
	Citations []string          `json:"evidence_citations,omitempty"`
}

// Service applies lifecycle actions. Actions on one case are serialized.
type Service struct {
	repo    domain.Repository
	audit   *audit.Logger
	locks   *lock.KeyedMutex
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for history entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMetrics counts guard rejections of edited narratives.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a review service.
func NewService(repo domain.Repository, auditLog *audit.Logger, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		audit: auditLog,
		locks: lock.NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a case by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Case, error) {
	return s.repo.GetCase(ctx, id)
}

// List returns case summaries, newest first.
func (s *Service) List(ctx context.Context, filter domain.CaseFilter) ([]domain.CaseSummary, error) {
	return s.repo.ListCases(ctx, filter)
}

// Timeline returns the audit events of an existing case.
func (s *Service) Timeline(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	if _, err := s.repo.GetCase(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.Timeline(ctx, id)
}

// Submit sends a draft to review.
func (s *Service) Submit(ctx context.Context, id string, req ActionRequest) (*domain.Case, error) {
	return s.act(ctx, id, req, domain.StatusReview, workflow.ActionSubmitted, domain.EventSubmitted, nil)
}

// Approve accepts a case under review. Without an edit the draft becomes the
// final narrative; an edit must still cite only triggered rules and keep
// every section filled.
func (s *Service) Approve(ctx context.Context, id string, req ActionRequest) (*domain.Case, error) {
	return s.act(ctx, id, req, domain.StatusApproved, workflow.ActionApproved, domain.EventApproved, func(c *domain.Case) error {
		final, err := applyEdit(c.DraftNarrative, req.Narrative)
		if err != nil {
			return err
		}
		if req.Narrative != nil {
			blocks := evidenceBlocks(c)
			if err := validation.Guard(final, blocks); err != nil {
				s.metrics.ObserveHallucination()
				s.logEvent(ctx, c.ID, domain.EventError, map[string]any{
					"error":  err.Error(),
					"action": workflow.ActionApproved,
					"user":   req.User,
				})
				return err
			}
			trace := explain.Link(final, blocks)
			result := validation.Validate(final, trace)
			if !result.Passed {
				s.logEvent(ctx, c.ID, domain.EventError, map[string]any{
					"error":  "edited narrative failed validation",
					"errors": result.Errors,
					"action": workflow.ActionApproved,
					"user":   req.User,
				})
				return fmt.Errorf("%w: %s", ErrInvalidEdit, strings.Join(result.Errors, "; "))
			}
			c.ExplainabilityTrace = trace
			c.Validation = result
		}
		c.FinalNarrative = final
		c.Document = render.Text(final)
		return nil
	})
}

// Reject returns a case under review to the analyst queue.
func (s *Service) Reject(ctx context.Context, id string, req ActionRequest) (*domain.Case, error) {
	return s.act(ctx, id, req, domain.StatusRejected, workflow.ActionRejected, domain.EventRejected, nil)
}

// Finalize marks an approved case as submitted to the regulator.
func (s *Service) Finalize(ctx context.Context, id string, req ActionRequest) (*domain.Case, error) {
	return s.act(ctx, id, req, domain.StatusSubmitted, workflow.ActionFinalized, domain.EventFinalized, nil)
}

// Reopen moves a rejected or validation-failed case back to DRAFT.
func (s *Service) Reopen(ctx context.Context, id string, req ActionRequest) (*domain.Case, error) {
	return s.act(ctx, id, req, domain.StatusDraft, workflow.ActionReopened, domain.EventReopened, nil)
}

func (s *Service) act(
	ctx context.Context,
	id string,
	req ActionRequest,
	to domain.CaseStatus,
	action, eventType string,
	mutate func(c *domain.Case) error,
) (*domain.Case, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.repo.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != c.Version {
		return nil, fmt.Errorf("%w: case %s is at version %d, not %d", ErrStaleVersion, id, c.Version, *req.ExpectedVersion)
	}

	from := c.Status
	if !workflow.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", workflow.ErrInvalidTransition, from, to)
	}

	if mutate != nil {
		if err := mutate(c); err != nil {
			return nil, err
		}
	}

	actor := workflow.Actor{User: req.User, Comment: req.Comment, Reviewer: true}
	if err := workflow.Transition(c, to, action, actor, s.now()); err != nil {
		return nil, err
	}
	if req.Comment != "" {
		c.AnalystComment = req.Comment
	}

	if err := s.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case %s: %w", id, err)
	}

	payload := map[string]any{
		"user":    c.ReviewHistory[len(c.ReviewHistory)-1].User,
		"from":    string(from),
		"to":      string(to),
		"version": c.Version,
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}
	if req.Narrative != nil {
		payload["edited"] = true
		payload["evidence_citations"] = c.FinalNarrative.EvidenceCitations
	}
	s.logEvent(ctx, id, eventType, payload)

	slog.Info("case transitioned", "case_id", id, "from", from, "to", to, "version", c.Version)
	return c, nil
}

// logEvent records an audit event. The case is already committed, so a
// failed append is logged rather than returned.
func (s *Service) logEvent(ctx context.Context, id, eventType string, payload map[string]any) {
	if _, err := s.audit.Log(ctx, id, eventType, payload); err != nil {
		slog.Error("failed to write audit event", "case_id", id, "event_type", eventType, "error", err)
	}
}

func evidenceBlocks(c *domain.Case) []domain.EvidenceBlock {
	if c.Evidence == nil {
		return nil
	}
	return c.Evidence.EvidenceBlocks
}

// applyEdit returns the final narrative for an approval.
func applyEdit(draft *domain.NarrativeDraft, edit *NarrativeEdit) (*domain.NarrativeDraft, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: case has no draft narrative", ErrInvalidEdit)
	}
	final := draft.Clone()
	if edit == nil {
		return final, nil
	}

	for name, text := range edit.Sections {
		id, ok := domain.ParseSection(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown section %q", ErrInvalidEdit, name)
		}
		replaced := false
		for i := range final.Sections {
			if final.Sections[i].ID == id {
				final.Sections[i].Text = text
				replaced = true
			}
		}
		if !replaced {
			final.Sections = append(final.Sections, domain.Section{ID: id, Text: text})
		}
	}
	if edit.Citations != nil {
		final.EvidenceCitations = append([]string{}, edit.Citations...)
	}
	return final, nil
}
