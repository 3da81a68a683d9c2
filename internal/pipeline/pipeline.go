// Package pipeline runs an alert through every stage from dataset to
// persisted draft case.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/sarflow/internal/audit"
	"github.com/opensource-finance/sarflow/internal/dataset"
	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/evidence"
	"github.com/opensource-finance/sarflow/internal/explain"
	"github.com/opensource-finance/sarflow/internal/metrics"
	"github.com/opensource-finance/sarflow/internal/narrative"
	"github.com/opensource-finance/sarflow/internal/pii"
	"github.com/opensource-finance/sarflow/internal/render"
	"github.com/opensource-finance/sarflow/internal/retrieval"
	"github.com/opensource-finance/sarflow/internal/risk"
	"github.com/opensource-finance/sarflow/internal/rules"
	"github.com/opensource-finance/sarflow/internal/validation"
	"github.com/opensource-finance/sarflow/internal/workflow"
)

// ErrPanic wraps a panic recovered inside a run.
var ErrPanic = errors.New("pipeline panic")

// Stage names used for spans and ERROR events.
const (
	StageIngest     = "ingest"
	StageDataset    = "dataset"
	StageRules      = "rules"
	StageRisk       = "risk"
	StageEvidence   = "evidence"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
	StageFormat     = "format"
	StageExplain    = "explain"
	StageValidate   = "validate"
	StageGuard      = "guard"
	StagePersist    = "persist"
)

// StageError reports the stage a run failed in. The case id is set so the
// audit trail of a rejected run can still be found.
type StageError struct {
	CaseID string
	Stage  string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline is safe for concurrent use; runs share no mutable state besides
// the repository and the audit log.
type Pipeline struct {
	repo      domain.Repository
	audit     *audit.Logger
	engine    *rules.Engine
	scorer    *risk.Scorer
	retriever domain.Retriever
	topK      int
	generator *narrative.Generator
	metrics   *metrics.Collector
	tracer    trace.Tracer
	workers   int
	now       func() time.Time
	newID     func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetriever enables reference retrieval.
func WithRetriever(r domain.Retriever, topK int) Option {
	return func(p *Pipeline) {
		p.retriever = r
		if topK > 0 {
			p.topK = topK
		}
	}
}

// WithGenerator sets the narrative generator.
func WithGenerator(g *narrative.Generator) Option {
	return func(p *Pipeline) {
		p.generator = g
	}
}

// WithScorer overrides the default risk scorer.
func WithScorer(s *risk.Scorer) Option {
	return func(p *Pipeline) {
		p.scorer = s
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithBatchWorkers bounds RunBatch concurrency.
func WithBatchWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithClock sets the clock used for case and evidence timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithIDGenerator sets the case id source.
func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) {
		p.newID = newID
	}
}

// New creates a pipeline. Without a generator option narratives come from
// the templates.
func New(repo domain.Repository, auditLog *audit.Logger, engine *rules.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:      repo,
		audit:     auditLog,
		engine:    engine,
		scorer:    risk.NewScorer(),
		topK:      retrieval.DefaultTopK,
		generator: narrative.NewGenerator(nil, 0),
		tracer:    otel.Tracer("sarflow-pipeline"),
		workers:   4,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run carries the state of one pipeline execution.
type run struct {
	*Pipeline
	caseID string
	stage  string
}

// Run processes one alert. Collaborator failures degrade to fallbacks and are
// audited as ERROR events; a guard rejection or any other failure is audited
// and returned as a *StageError, and no case is persisted.
func (p *Pipeline) Run(ctx context.Context, alert *domain.Alert) (c *domain.Case, err error) {
	r := &run{Pipeline: p, caseID: p.newID(), stage: StageIngest}
	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("case_id", r.caseID),
	))

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline panic recovered",
				"case_id", r.caseID,
				"stage", r.stage,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			c, err = nil, fmt.Errorf("%w: %v", ErrPanic, rec)
		}

		status := "ERROR"
		if err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				err = &StageError{CaseID: r.caseID, Stage: r.stage, Err: err}
			}
			r.recordFailure(ctx, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			status = string(c.Status)
			span.SetAttributes(attribute.String("status", status))
		}
		span.End()
		p.metrics.ObservePipeline(status, time.Since(start))
	}()

	return r.execute(ctx, alert)
}

func (r *run) execute(ctx context.Context, alert *domain.Alert) (*domain.Case, error) {
	if alert == nil {
		alert = &domain.Alert{}
	}
	createdAt := r.now()

	if err := r.record(ctx, domain.EventIngested, map[string]any{"alert": alert}); err != nil {
		return nil, err
	}

	// Dataset
	sctx, span := r.startStage(ctx, StageDataset)
	ds := dataset.Build(alert)
	span.SetAttributes(attribute.Int("transaction_count", len(ds.Transactions)))
	span.End()
	if err := r.record(sctx, domain.EventEnriched, map[string]any{"decision_data": ds}); err != nil {
		return nil, err
	}

	// Rules
	sctx, span = r.startStage(ctx, StageRules)
	eval, err := r.engine.Evaluate(sctx, ds)
	span.End()
	if err != nil {
		return nil, err
	}
	blocks := eval.Blocks
	if err := r.record(sctx, domain.EventRuleTriggered, map[string]any{
		"evidence_blocks": blocks,
		"confidence_sum":  eval.ConfidenceSum,
	}); err != nil {
		return nil, err
	}

	// Risk
	sctx, span = r.startStage(ctx, StageRisk)
	ra := r.scorer.Assess(ds, blocks)
	span.SetAttributes(attribute.Float64("risk_score", ra.RiskScore))
	span.End()
	if err := r.record(sctx, domain.EventRiskAssessed, map[string]any{
		"risk_score":           ra.RiskScore,
		"risk_level":           ra.RiskLevel,
		"contributing_factors": ra.ContributingFactors,
		"rationale":            ra.Rationale,
	}); err != nil {
		return nil, err
	}

	// Evidence
	sctx, span = r.startStage(ctx, StageEvidence)
	pack := evidence.Assemble(ds, blocks, r.now())
	span.End()
	if err := r.record(sctx, domain.EventEvidenceBuilt, map[string]any{"narrative_dataset": pack}); err != nil {
		return nil, err
	}

	// Retrieval
	snippets, err := r.retrieve(ctx, pack)
	if err != nil {
		return nil, err
	}

	// Generation
	sctx, span = r.startStage(ctx, StageGeneration)
	gen := r.generator.Generate(sctx, pack, snippets)
	span.SetAttributes(
		attribute.String("outcome", string(gen.Outcome)),
		attribute.String("reason", string(gen.Reason)),
	)
	span.End()
	var fallbackReason string
	if gen.Failed() {
		fallbackReason = string(gen.Reason)
		slog.Warn("narrative generation fell back to templates",
			"case_id", r.caseID,
			"reason", gen.Reason,
			"error", gen.Detail,
		)
		if err := r.record(sctx, domain.EventError, map[string]any{
			"stage":  StageGeneration,
			"reason": string(gen.Reason),
			"error":  "generation failure: " + gen.Detail,
		}); err != nil {
			return nil, err
		}
	}
	r.metrics.ObserveGeneration(time.Duration(gen.Meta.LatencyMs)*time.Millisecond, fallbackReason)
	if err := r.record(sctx, domain.EventDraftGenerated, map[string]any{
		"generation": gen.Meta,
		"sections":   gen.Sections,
	}); err != nil {
		return nil, err
	}

	// Format, explain, validate
	_, span = r.startStage(ctx, StageFormat)
	draft := narrative.Format(gen.Sections, ra, blocks)
	span.End()

	_, span = r.startStage(ctx, StageExplain)
	traceEntries := explain.Link(draft, blocks)
	span.End()

	sctx, span = r.startStage(ctx, StageValidate)
	vr := validation.Validate(draft, traceEntries)
	span.SetAttributes(attribute.Bool("passed", vr.Passed))
	span.End()
	r.metrics.ObserveValidation(vr.Passed)
	if err := r.record(sctx, domain.EventValidated, map[string]any{
		"passed":   vr.Passed,
		"errors":   vr.Errors,
		"warnings": vr.Warnings,
		"summary":  vr.Summary,
	}); err != nil {
		return nil, err
	}

	// Guard
	_, span = r.startStage(ctx, StageGuard)
	err = validation.Guard(draft, blocks)
	span.End()
	if err != nil {
		r.metrics.ObserveHallucination()
		return nil, err
	}

	// Persist
	r.stage = StagePersist
	c := &domain.Case{
		ID:                  r.caseID,
		Version:             1,
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
		Alert:               maskAlert(alert),
		Dataset:             maskDataset(ds),
		Evidence:            pack,
		RetrievedContext:    snippets,
		Risk:                ra,
		RuleConfidenceSum:   eval.ConfidenceSum,
		DraftNarrative:      draft,
		ExplainabilityTrace: traceEntries,
		Validation:          vr,
		Document:            render.Text(draft),
		Generation:          gen.Meta,
		ReviewHistory:       []domain.ReviewEntry{},
	}
	if err := workflow.Land(c, vr.Passed, r.now()); err != nil {
		return nil, err
	}
	if err := r.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save case: %w", err)
	}

	slog.Info("case drafted",
		"case_id", c.ID,
		"status", c.Status,
		"risk_score", ra.RiskScore,
		"risk_level", ra.RiskLevel,
		"rules_triggered", len(blocks),
		"generation", gen.Outcome,
	)
	return c, nil
}

// retrieve fetches reference snippets. A failing retriever is audited and the
// run continues with no context.
func (r *run) retrieve(ctx context.Context, pack *domain.EvidencePack) ([]domain.Snippet, error) {
	sctx, span := r.startStage(ctx, StageRetrieval)
	defer span.End()

	snippets := []domain.Snippet{}
	if r.retriever != nil {
		got, err := r.retriever.Retrieve(sctx, Query(pack), r.topK)
		if err != nil {
			span.RecordError(err)
			slog.Warn("retrieval failed", "case_id", r.caseID, "error", err)
			if err := r.record(sctx, domain.EventError, map[string]any{
				"stage": StageRetrieval,
				"error": "retrieval failure: " + err.Error(),
			}); err != nil {
				return nil, err
			}
		} else if got != nil {
			snippets = got
		}
	}

	if err := r.record(sctx, domain.EventRetrievalComplete, map[string]any{"rag_context": snippets}); err != nil {
		return nil, err
	}
	return snippets, nil
}

// Query renders the retrieval query for an evidence pack.
func Query(pack *domain.EvidencePack) string {
	if pack == nil {
		return ""
	}
	s := pack.Summary
	parts := []string{
		fmt.Sprintf("risk rating %s", s.RiskRating),
		fmt.Sprintf("%d transactions over %.1f days totalling %s", s.TransactionCount, s.PeriodDays, s.TotalAmount.StringFixed(2)),
		fmt.Sprintf("%d unique counterparties", s.UniqueCounterparties),
	}
	for _, b := range pack.EvidenceBlocks {
		parts = append(parts, b.RuleName)
	}
	return strings.Join(parts, "; ")
}

func (r *run) startStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	r.stage = stage
	return r.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("case_id", r.caseID),
		attribute.String("stage", stage),
	))
}

func (r *run) record(ctx context.Context, eventType string, payload map[string]any) error {
	if _, err := r.audit.Log(ctx, r.caseID, eventType, payload); err != nil {
		return fmt.Errorf("audit %s: %w", eventType, err)
	}
	return nil
}

// recordFailure writes the terminal ERROR event of a failed run. It uses a
// detached context so a cancelled request still leaves its trail.
func (r *run) recordFailure(ctx context.Context, err error) {
	var se *StageError
	stage := r.stage
	if errors.As(err, &se) {
		stage = se.Stage
	}
	actx := context.WithoutCancel(ctx)
	if _, aerr := r.audit.Log(actx, r.caseID, domain.EventError, map[string]any{
		"stage": stage,
		"error": err.Error(),
	}); aerr != nil {
		slog.Error("failed to audit pipeline failure", "case_id", r.caseID, "error", aerr)
	}
	slog.Error("pipeline run failed", "case_id", r.caseID, "stage", stage, "error", err)
}

func maskAlert(alert *domain.Alert) *domain.Alert {
	out := *alert
	out.Customer = pii.MaskMap(alert.Customer)
	return &out
}

func maskDataset(ds *domain.DecisionDataset) *domain.DecisionDataset {
	out := *ds
	out.Customer = pii.MaskMap(ds.Customer)
	return &out
}
