package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sarflow/internal/audit"
	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/metrics"
	"github.com/opensource-finance/sarflow/internal/narrative"
	"github.com/opensource-finance/sarflow/internal/repository"
	"github.com/opensource-finance/sarflow/internal/retrieval"
	"github.com/opensource-finance/sarflow/internal/rules"
	"github.com/opensource-finance/sarflow/internal/validation"
)

type harness struct {
	repo    domain.Repository
	audit   *audit.Logger
	metrics *metrics.Collector
	engine  *rules.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: t.TempDir() + "/pipeline.db",
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewDefaultEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return &harness{
		repo:    repo,
		audit:   audit.NewLogger(repo),
		metrics: metrics.New(),
		engine:  engine,
	}
}

func (h *harness) pipeline(opts ...Option) *Pipeline {
	opts = append([]Option{WithMetrics(h.metrics)}, opts...)
	return New(h.repo, h.audit, h.engine, opts...)
}

func (h *harness) events(t *testing.T, caseID string) []string {
	t.Helper()
	timeline, err := h.audit.Timeline(context.Background(), caseID)
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	out := make([]string, len(timeline))
	for i, ev := range timeline {
		out[i] = ev.EventType
	}
	return out
}

// structuringAlert is 25 inbound transfers of 5000 from one counterparty
// spread evenly over five days.
func structuringAlert() *domain.Alert {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cp := "CP-ACME"
	alert := &domain.Alert{
		Customer: map[string]any{
			"name":           "Jane Roe",
			"account_number": "GB29NWBK60161331926819",
			"segment":        "retail",
		},
		RiskRating: "medium",
	}
	for i := 0; i < 25; i++ {
		ts := start.Add(time.Duration(i) * 5 * time.Hour)
		alert.Transactions = append(alert.Transactions, domain.RawTransaction{
			ID:           fmt.Sprintf("TX-%03d", i),
			Amount:       decimal.NewFromInt(5000),
			Direction:    domain.DirectionIn,
			Counterparty: &cp,
			Timestamp:    domain.RawTimestamp(ts.Format(time.RFC3339)),
		})
	}
	return alert
}

// corridorAlert moves funds in and straight out to a high-risk country.
func corridorAlert() *domain.Alert {
	in, out := "CP-IN", "CP-OUT"
	return &domain.Alert{
		Customer: map[string]any{"name": "John Doe", "pep_flags": []any{"domestic"}},
		Transactions: []domain.RawTransaction{
			{Amount: decimal.NewFromInt(250000), Direction: domain.DirectionIn, Counterparty: &in, Country: "GB", Timestamp: "2024-03-01T09:00:00Z"},
			{Amount: decimal.NewFromInt(249000), Direction: domain.DirectionOut, Counterparty: &out, Country: "IR", Timestamp: "2024-03-01T11:00:00Z"},
		},
	}
}

var happyPath = []string{
	domain.EventIngested,
	domain.EventEnriched,
	domain.EventRuleTriggered,
	domain.EventRiskAssessed,
	domain.EventEvidenceBuilt,
	domain.EventRetrievalComplete,
	domain.EventDraftGenerated,
	domain.EventValidated,
}

func TestRunStructuringScenario(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()
	ctx := context.Background()

	c, err := p.Run(ctx, structuringAlert())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if c.Status != domain.StatusDraft {
		t.Errorf("status = %s, want DRAFT (errors: %v)", c.Status, c.Validation.Errors)
	}
	if c.Risk.RiskLevel != domain.RiskMedium || math.Abs(c.Risk.RiskScore-44) > 0.01 {
		t.Errorf("risk = %.2f %s, want 44.00 MEDIUM", c.Risk.RiskScore, c.Risk.RiskLevel)
	}
	if got := c.DraftNarrative.EvidenceCitations; len(got) != 1 || got[0] != rules.RuleStructuring {
		t.Errorf("citations = %v, want [AML-001]", got)
	}
	if len(c.DraftNarrative.Sections) != 9 {
		t.Errorf("expected 9 sections, got %d", len(c.DraftNarrative.Sections))
	}
	if len(c.ExplainabilityTrace) != 9 {
		t.Errorf("expected 9 trace entries, got %d", len(c.ExplainabilityTrace))
	}
	if c.Version != 1 || len(c.ReviewHistory) != 1 || c.ReviewHistory[0].User != "system" {
		t.Errorf("unexpected landing: v%d %+v", c.Version, c.ReviewHistory)
	}
	if c.Generation.Outcome != string(narrative.OutcomeFallback) || c.Generation.Reason != string(narrative.ReasonDisabled) {
		t.Errorf("unexpected generation meta: %+v", c.Generation)
	}
	if c.Document == "" {
		t.Error("expected rendered document")
	}

	if got := h.events(t, c.ID); strings.Join(got, ",") != strings.Join(happyPath, ",") {
		t.Errorf("events = %v\nwant %v", got, happyPath)
	}

	stored, err := h.repo.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if stored.Alert.Customer["name"] == "Jane Roe" || stored.Dataset.Customer["account_number"] == "GB29NWBK60161331926819" {
		t.Error("persisted case leaks customer PII")
	}
	if stored.Alert.Customer["segment"] != "retail" {
		t.Error("non-sensitive profile fields should be kept")
	}

	if n := testutil.ToFloat64(h.metrics.Requests.WithLabelValues("DRAFT")); n != 1 {
		t.Errorf("requests{DRAFT} = %v, want 1", n)
	}
}

func TestRunEmptyAlertRejectedByGuard(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(WithIDGenerator(func() string { return "case-empty" }))
	ctx := context.Background()

	c, err := p.Run(ctx, &domain.Alert{Customer: map[string]any{}, Transactions: []domain.RawTransaction{}})
	if c != nil {
		t.Fatal("expected no case")
	}
	if !errors.Is(err, validation.ErrUnsupportedClaims) {
		t.Fatalf("expected ErrUnsupportedClaims, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageGuard || se.CaseID != "case-empty" {
		t.Errorf("unexpected stage error: %+v", se)
	}

	if _, err := h.repo.GetCase(ctx, "case-empty"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("case should not be persisted, got %v", err)
	}

	events := h.events(t, "case-empty")
	if events[len(events)-1] != domain.EventError {
		t.Errorf("expected trailing ERROR event, got %v", events)
	}
	if n := testutil.ToFloat64(h.metrics.HallucinationRejections); n != 1 {
		t.Errorf("hallucination rejections = %v, want 1", n)
	}
	if n := testutil.ToFloat64(h.metrics.Requests.WithLabelValues("ERROR")); n != 1 {
		t.Errorf("requests{ERROR} = %v, want 1", n)
	}
}

type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Generate(ctx context.Context, prompt string) (*domain.Generation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunGenerationTimeout(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(WithGenerator(narrative.NewGenerator(blockingProvider{}, 50*time.Millisecond)))

	c, err := p.Run(context.Background(), structuringAlert())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := h.events(t, c.ID)
	errIdx, draftIdx := -1, -1
	for i, ev := range events {
		switch ev {
		case domain.EventError:
			errIdx = i
		case domain.EventDraftGenerated:
			draftIdx = i
		}
	}
	if errIdx < 0 || draftIdx < 0 || errIdx > draftIdx {
		t.Errorf("expected ERROR before DRAFT_GENERATED, got %v", events)
	}
	if !c.Validation.Passed || c.Status != domain.StatusDraft {
		t.Errorf("fallback narrative should pass validation: %+v", c.Validation)
	}
	if c.Generation.Reason != string(narrative.ReasonTimeout) {
		t.Errorf("reason = %s, want timeout", c.Generation.Reason)
	}
	if n := testutil.ToFloat64(h.metrics.GenerationFallbacks.WithLabelValues("timeout")); n != 1 {
		t.Errorf("fallbacks{timeout} = %v, want 1", n)
	}
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Snippet, error) {
	return nil, errors.New("corpus unavailable")
}

type panickingRetriever struct{}

func (panickingRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Snippet, error) {
	panic("index corrupted")
}

func TestRunRetrieval(t *testing.T) {
	t.Run("UsesCorpus", func(t *testing.T) {
		h := newHarness(t)
		corpus := retrieval.NewStaticRetriever(map[string]string{
			"structuring": "Structuring: many sub-threshold transactions in a short window.",
			"sanctions":   "Sanctioned jurisdictions and corridor risk.",
		})
		p := h.pipeline(WithRetriever(corpus, 1))

		c, err := p.Run(context.Background(), structuringAlert())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(c.RetrievedContext) != 1 || c.RetrievedContext[0].DocID != "structuring" {
			t.Errorf("unexpected context: %+v", c.RetrievedContext)
		}
	})

	t.Run("FailureContinues", func(t *testing.T) {
		h := newHarness(t)
		p := h.pipeline(WithRetriever(failingRetriever{}, 4))

		c, err := p.Run(context.Background(), structuringAlert())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(c.RetrievedContext) != 0 {
			t.Errorf("expected empty context, got %v", c.RetrievedContext)
		}
		events := h.events(t, c.ID)
		found := false
		for i, ev := range events {
			if ev == domain.EventError && i+1 < len(events) && events[i+1] == domain.EventRetrievalComplete {
				found = true
			}
		}
		if !found {
			t.Errorf("expected ERROR followed by RETRIEVAL_COMPLETE, got %v", events)
		}
	})

	t.Run("PanicRecovered", func(t *testing.T) {
		h := newHarness(t)
		p := h.pipeline(WithRetriever(panickingRetriever{}, 4), WithIDGenerator(func() string { return "case-panic" }))

		_, err := p.Run(context.Background(), structuringAlert())
		if !errors.Is(err, ErrPanic) {
			t.Fatalf("expected ErrPanic, got %v", err)
		}
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageRetrieval {
			t.Errorf("expected retrieval stage, got %+v", se)
		}
		events := h.events(t, "case-panic")
		if events[len(events)-1] != domain.EventError {
			t.Errorf("expected trailing ERROR event, got %v", events)
		}
		if _, err := h.repo.GetCase(context.Background(), "case-panic"); !errors.Is(err, repository.ErrNotFound) {
			t.Error("case should not be persisted after a panic")
		}
	})
}

func TestRunHighRiskCorridor(t *testing.T) {
	h := newHarness(t)
	c, err := h.pipeline().Run(context.Background(), corridorAlert())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cited := map[string]bool{}
	for _, id := range c.DraftNarrative.EvidenceCitations {
		cited[id] = true
	}
	if !cited[rules.RuleRapidMovement] || !cited[rules.RuleHighRiskCorridor] {
		t.Errorf("expected AML-017 and AML-021, got %v", c.DraftNarrative.EvidenceCitations)
	}
	if c.Risk.ContributingFactors["pep_involvement"] != 30 || c.Risk.ContributingFactors["jurisdiction_risk"] != 25 {
		t.Errorf("unexpected factors: %v", c.Risk.ContributingFactors)
	}
}

func TestRunBatch(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(WithBatchWorkers(2))

	alerts := []*domain.Alert{
		{Customer: map[string]any{}},
		structuringAlert(),
		corridorAlert(),
	}
	results := p.RunBatch(context.Background(), alerts)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].RiskScore > results[i-1].RiskScore {
			t.Errorf("results not sorted by risk: %+v", results)
		}
	}

	last := results[len(results)-1]
	if last.Status != StatusError || last.CaseID == "" || last.Error == "" {
		t.Errorf("empty alert should be an ERROR result with its case id, got %+v", last)
	}
	for _, r := range results[:2] {
		if r.Status != string(domain.StatusDraft) {
			t.Errorf("expected DRAFT, got %+v", r)
		}
		if _, err := h.repo.GetCase(context.Background(), r.CaseID); err != nil {
			t.Errorf("case %s not persisted: %v", r.CaseID, err)
		}
	}
	if n := testutil.ToFloat64(h.metrics.BatchRequests); n != 1 {
		t.Errorf("batch requests = %v, want 1", n)
	}
}

func TestQuery(t *testing.T) {
	if Query(nil) != "" {
		t.Error("nil pack should yield an empty query")
	}
	pack := &domain.EvidencePack{
		Summary:        domain.EvidenceSummary{RiskRating: "high", TransactionCount: 2, PeriodDays: 1, TotalAmount: decimal.NewFromInt(10)},
		EvidenceBlocks: []domain.EvidenceBlock{{RuleID: "AML-021", RuleName: "High-Risk Corridor"}},
	}
	q := Query(pack)
	if !strings.Contains(q, "risk rating high") || !strings.HasSuffix(q, "High-Risk Corridor") {
		t.Errorf("unexpected query %q", q)
	}
}
