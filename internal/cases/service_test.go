package cases

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/sarflow/internal/audit"
	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/metrics"
	"github.com/opensource-finance/sarflow/internal/repository"
	"github.com/opensource-finance/sarflow/internal/validation"
	"github.com/opensource-finance/sarflow/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fixture struct {
	repo    domain.Repository
	svc     *Service
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: t.TempDir() + "/cases.db",
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	m := metrics.New()
	svc := NewService(repo, audit.NewLogger(repo), WithMetrics(m))
	return &fixture{repo: repo, svc: svc, metrics: m}
}

func (f *fixture) seed(t *testing.T, id string, status domain.CaseStatus) *domain.Case {
	t.Helper()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	sections := make([]domain.Section, 0, 9)
	for _, sid := range domain.Sections() {
		sections = append(sections, domain.Section{ID: sid, Text: sid.Title() + " drafted from triggered evidence."})
	}
	c := &domain.Case{
		ID:        id,
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Evidence: &domain.EvidencePack{
			EvidenceBlocks: []domain.EvidenceBlock{{
				RuleID:          "AML-001",
				RuleName:        "Structuring",
				ConfidenceScore: 0.82,
				Evidence:        []string{"25 transactions in 5.0-day window (threshold: 20)"},
				TriggeredAt:     now,
				RuleVersion:     "v0.1",
			}},
		},
		Risk: &domain.RiskAssessment{RiskScore: 44, RiskLevel: domain.RiskMedium},
		DraftNarrative: &domain.NarrativeDraft{
			Sections:          sections,
			RiskScore:         44,
			RiskLevel:         domain.RiskMedium,
			ConfidenceLevel:   0.82,
			EvidenceCitations: []string{"AML-001"},
		},
	}
	if err := f.repo.SaveCase(context.Background(), c); err != nil {
		t.Fatalf("failed to seed case: %v", err)
	}
	return c
}

func eventTypes(events []domain.AuditEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "case-1", domain.StatusDraft)
	ctx := context.Background()

	steps := []struct {
		name    string
		do      func(context.Context, string, ActionRequest) (*domain.Case, error)
		status  domain.CaseStatus
		version int
	}{
		{"Submit", f.svc.Submit, domain.StatusReview, 2},
		{"Approve", f.svc.Approve, domain.StatusApproved, 3},
		{"Finalize", f.svc.Finalize, domain.StatusSubmitted, 4},
	}
	for _, step := range steps {
		c, err := step.do(ctx, "case-1", ActionRequest{User: "analyst-7", Comment: step.name})
		if err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		if c.Status != step.status || c.Version != step.version {
			t.Errorf("%s: got %s v%d, want %s v%d", step.name, c.Status, c.Version, step.status, step.version)
		}
	}

	stored, err := f.svc.Get(ctx, "case-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.FinalNarrative == nil || len(stored.FinalNarrative.Sections) != 9 {
		t.Fatal("expected draft to become the final narrative")
	}
	if !strings.Contains(stored.Document, "Risk Level: MEDIUM") {
		t.Errorf("expected rendered document, got %q", stored.Document)
	}
	if len(stored.ReviewHistory) != 3 || stored.ReviewHistory[0].User != "analyst-7" {
		t.Errorf("unexpected review history: %+v", stored.ReviewHistory)
	}
	if stored.AnalystComment != "Finalize" {
		t.Errorf("analyst comment = %q", stored.AnalystComment)
	}

	timeline, err := f.svc.Timeline(ctx, "case-1")
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	want := []string{domain.EventSubmitted, domain.EventApproved, domain.EventFinalized}
	if got := eventTypes(timeline); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("timeline = %v, want %v", got, want)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		status domain.CaseStatus
		do     func(s *Service) func(context.Context, string, ActionRequest) (*domain.Case, error)
	}{
		{"FinalizeFromReview", domain.StatusReview, func(s *Service) func(context.Context, string, ActionRequest) (*domain.Case, error) { return s.Finalize }},
		{"SubmitFromRejected", domain.StatusRejected, func(s *Service) func(context.Context, string, ActionRequest) (*domain.Case, error) { return s.Submit }},
		{"ApproveFromDraft", domain.StatusDraft, func(s *Service) func(context.Context, string, ActionRequest) (*domain.Case, error) { return s.Approve }},
		{"ReopenFromSubmitted", domain.StatusSubmitted, func(s *Service) func(context.Context, string, ActionRequest) (*domain.Case, error) { return s.Reopen }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "case-1", tt.status)

			_, err := tt.do(f.svc)(context.Background(), "case-1", ActionRequest{User: "analyst-7"})
			if !errors.Is(err, workflow.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}

			stored, _ := f.svc.Get(context.Background(), "case-1")
			if stored.Status != tt.status || stored.Version != 1 || len(stored.ReviewHistory) != 0 {
				t.Errorf("case mutated on rejected transition: %s v%d", stored.Status, stored.Version)
			}
			timeline, _ := f.svc.Timeline(context.Background(), "case-1")
			if len(timeline) != 0 {
				t.Errorf("expected no audit events, got %v", eventTypes(timeline))
			}
		})
	}
}

func TestStaleVersion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "case-1", domain.StatusDraft)

	stale := 7
	_, err := f.svc.Submit(context.Background(), "case-1", ActionRequest{User: "a", ExpectedVersion: &stale})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	current := 1
	if _, err := f.svc.Submit(context.Background(), "case-1", ActionRequest{User: "a", ExpectedVersion: &current}); err != nil {
		t.Fatalf("Submit with current version failed: %v", err)
	}
}

func TestApproveEditedNarrative(t *testing.T) {
	ctx := context.Background()

	t.Run("Accepted", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "case-1", domain.StatusReview)

		c, err := f.svc.Approve(ctx, "case-1", ActionRequest{
			User: "analyst-7",
			Narrative: &NarrativeEdit{
				Sections: map[string]string{"conclusion_and_recommendation": "File the SAR after analyst review."},
			},
		})
		if err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		text, _ := c.FinalNarrative.Text(domain.SectionConclusion)
		if text != "File the SAR after analyst review." {
			t.Errorf("edit not applied: %q", text)
		}
		draftText, _ := c.DraftNarrative.Text(domain.SectionConclusion)
		if draftText == text {
			t.Error("draft narrative should be untouched")
		}
		if len(c.ExplainabilityTrace) != 9 {
			t.Errorf("expected trace rebuilt for final narrative, got %d entries", len(c.ExplainabilityTrace))
		}
	})

	t.Run("UnsupportedCitation", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "case-1", domain.StatusReview)

		_, err := f.svc.Approve(ctx, "case-1", ActionRequest{
			User:      "analyst-7",
			Narrative: &NarrativeEdit{Citations: []string{"AML-001", "AML-999"}},
		})
		if !errors.Is(err, validation.ErrUnsupportedClaims) {
			t.Fatalf("expected ErrUnsupportedClaims, got %v", err)
		}

		stored, _ := f.svc.Get(ctx, "case-1")
		if stored.Status != domain.StatusReview || stored.FinalNarrative != nil {
			t.Errorf("case advanced despite guard failure: %s", stored.Status)
		}
		timeline, _ := f.svc.Timeline(ctx, "case-1")
		if got := eventTypes(timeline); len(got) != 1 || got[0] != domain.EventError {
			t.Errorf("expected a single ERROR event, got %v", got)
		}
		if n := testutil.ToFloat64(f.metrics.HallucinationRejections); n != 1 {
			t.Errorf("hallucination rejections = %v, want 1", n)
		}
	})

	t.Run("EmptyCitations", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "case-1", domain.StatusReview)

		_, err := f.svc.Approve(ctx, "case-1", ActionRequest{Narrative: &NarrativeEdit{Citations: []string{}}})
		if !errors.Is(err, validation.ErrUnsupportedClaims) {
			t.Fatalf("expected ErrUnsupportedClaims, got %v", err)
		}
	})

	t.Run("BlankSection", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "case-1", domain.StatusReview)

		_, err := f.svc.Approve(ctx, "case-1", ActionRequest{
			User:      "analyst-7",
			Narrative: &NarrativeEdit{Sections: map[string]string{"Subject Information": "   "}},
		})
		if !errors.Is(err, ErrInvalidEdit) {
			t.Fatalf("expected ErrInvalidEdit, got %v", err)
		}
		if !strings.Contains(err.Error(), "Empty section: Subject Information") {
			t.Errorf("expected structural error in message, got %v", err)
		}

		stored, _ := f.svc.Get(ctx, "case-1")
		if stored.Status != domain.StatusReview || stored.FinalNarrative != nil {
			t.Errorf("case advanced with a blank section: %s", stored.Status)
		}
		if _, err := f.svc.Finalize(ctx, "case-1", ActionRequest{}); !errors.Is(err, workflow.ErrInvalidTransition) {
			t.Errorf("expected finalize to be refused, got %v", err)
		}
		timeline, _ := f.svc.Timeline(ctx, "case-1")
		if got := eventTypes(timeline); len(got) != 1 || got[0] != domain.EventError {
			t.Errorf("expected a single ERROR event, got %v", got)
		}
	})

	t.Run("UnknownSection", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "case-1", domain.StatusReview)

		_, err := f.svc.Approve(ctx, "case-1", ActionRequest{
			Narrative: &NarrativeEdit{Sections: map[string]string{"epilogue": "x"}},
		})
		if !errors.Is(err, ErrInvalidEdit) {
			t.Fatalf("expected ErrInvalidEdit, got %v", err)
		}
	})
}

func TestRejectAndReopen(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "case-1", domain.StatusReview)
	ctx := context.Background()

	if _, err := f.svc.Reject(ctx, "case-1", ActionRequest{User: "lead", Comment: "needs more detail"}); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	c, err := f.svc.Reopen(ctx, "case-1", ActionRequest{User: "analyst-7"})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if c.Status != domain.StatusDraft || c.Version != 3 {
		t.Errorf("got %s v%d, want DRAFT v3", c.Status, c.Version)
	}

	g := newFixture(t)
	g.seed(t, "case-2", domain.StatusValidationFailed)
	if c, err := g.svc.Reopen(ctx, "case-2", ActionRequest{User: "analyst-7"}); err != nil || c.Status != domain.StatusDraft {
		t.Fatalf("Reopen from VALIDATION_FAILED: %v", err)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, "missing", ActionRequest{}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Submit: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Timeline(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Timeline: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Export(ctx, "missing", FormatJSON); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Export: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "case-1", domain.StatusDraft)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Submit(context.Background(), "case-1", ActionRequest{User: "a"}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("expected exactly one successful submit, got %d", succeeded)
	}
	stored, _ := f.svc.Get(context.Background(), "case-1")
	if stored.Version != 2 || len(stored.ReviewHistory) != 1 {
		t.Errorf("got v%d with %d history entries", stored.Version, len(stored.ReviewHistory))
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "case-1", domain.StatusDraft)
	ctx := context.Background()
	if _, err := f.svc.Submit(ctx, "case-1", ActionRequest{User: "a"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	t.Run("JSON", func(t *testing.T) {
		exp, err := f.svc.Export(ctx, "case-1", FormatJSON)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		var bundle map[string]any
		if err := json.Unmarshal(exp.Body, &bundle); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if bundle["case"] != "case-1" || exp.ContentType != "application/json" {
			t.Errorf("unexpected bundle: %v", bundle)
		}
		risk := bundle["risk"].(map[string]any)
		if risk["score"] != 44.0 || risk["confidence"] != 0.82 {
			t.Errorf("unexpected risk block: %v", risk)
		}
	})

	t.Run("Audit", func(t *testing.T) {
		exp, err := f.svc.Export(ctx, "case-1", FormatAudit)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		var bundle struct {
			CaseID   string              `json:"case_id"`
			Timeline []domain.AuditEvent `json:"timeline"`
		}
		if err := json.Unmarshal(exp.Body, &bundle); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if bundle.CaseID != "case-1" || len(bundle.Timeline) != 1 {
			t.Errorf("unexpected audit bundle: %+v", bundle)
		}
	})

	t.Run("Text", func(t *testing.T) {
		exp, err := f.svc.Export(ctx, "case-1", FormatText)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if !strings.HasPrefix(string(exp.Body), "Subject Information\n") || exp.Filename != "case-1.txt" {
			t.Errorf("unexpected text export: %q", exp.Body)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := f.svc.Export(ctx, "case-1", "pdf"); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("expected ErrUnsupportedFormat, got %v", err)
		}
	})
}
