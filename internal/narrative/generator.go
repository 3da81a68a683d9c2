// Package narrative produces and formats the SAR narrative sections.
//
// Generation makes a single bounded attempt against a text generator and
// falls back to deterministic templates on any failure. It never returns an
// error; the outcome and reason are part of the Result.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// Outcome tells which path produced the sections.
type Outcome string

const (
	OutcomeGenerated Outcome = "GENERATED"
	OutcomeFallback  Outcome = "FALLBACK"
)

// Reason explains a fallback.
type Reason string

const (
	// ReasonDisabled means no generator is configured. It is not a failure.
	ReasonDisabled    Reason = "disabled"
	ReasonTimeout     Reason = "timeout"
	ReasonProvider    Reason = "provider_error"
	ReasonUnparsable  Reason = "unparsable_response"
	ReasonPromptBuild Reason = "prompt_error"
)

// DefaultTimeout bounds a generation attempt when none is configured.
const DefaultTimeout = 60 * time.Second

// FallbackModel is reported as the model of template narratives.
const FallbackModel = "template"

const maxRawResponse = 4096

// Result is the outcome of one generation attempt.
type Result struct {
	Outcome  Outcome
	Sections map[string]string
	Reason   Reason
	// Detail carries the underlying error text for failed attempts.
	Detail string
	Meta   domain.GenerationMeta
}

// Failed reports whether the result is a fallback caused by a failure, as
// opposed to generation being switched off.
func (r *Result) Failed() bool {
	return r.Outcome == OutcomeFallback && r.Reason != ReasonDisabled
}

// Generator drafts narrative sections from an evidence pack.
type Generator struct {
	provider domain.TextGenerator
	timeout  time.Duration
}

// NewGenerator creates a generator. A nil provider always uses the templates.
func NewGenerator(provider domain.TextGenerator, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{provider: provider, timeout: timeout}
}

// ProviderName returns the configured provider, or "none".
func (g *Generator) ProviderName() string {
	if g.provider == nil {
		return "none"
	}
	return g.provider.Name()
}

type reply struct {
	gen *domain.Generation
	err error
}

// Generate makes one attempt against the provider and falls back to the
// templates on timeout, transport failure or an unparsable reply.
func (g *Generator) Generate(ctx context.Context, pack *domain.EvidencePack, snippets []domain.Snippet) *Result {
	if g.provider == nil {
		return g.fallback(pack, ReasonDisabled, "", 0)
	}

	prompt, err := BuildPrompt(pack, snippets)
	if err != nil {
		return g.fallback(pack, ReasonPromptBuild, err.Error(), 0)
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan reply, 1)
	go func() {
		gen, err := g.provider.Generate(cctx, prompt)
		ch <- reply{gen: gen, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-cctx.Done():
		r = reply{err: cctx.Err()}
	}
	latency := time.Since(start)

	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			return g.fallback(pack, ReasonTimeout, fmt.Sprintf("generation timed out after %s", g.timeout), latency)
		}
		return g.fallback(pack, ReasonProvider, r.err.Error(), latency)
	}
	if r.gen == nil {
		return g.fallback(pack, ReasonUnparsable, "empty generation", latency)
	}

	obj := r.gen.Object
	if obj == nil {
		obj, err = ExtractJSON(r.gen.Text)
		if err != nil {
			return g.fallback(pack, ReasonUnparsable, err.Error(), latency)
		}
	}

	return &Result{
		Outcome:  OutcomeGenerated,
		Sections: SectionsFromObject(obj),
		Meta: domain.GenerationMeta{
			Provider:    g.provider.Name(),
			Model:       r.gen.Model,
			Outcome:     string(OutcomeGenerated),
			LatencyMs:   latency.Milliseconds(),
			RawResponse: truncate(rawText(r.gen), maxRawResponse),
		},
	}
}

func (g *Generator) fallback(pack *domain.EvidencePack, reason Reason, detail string, latency time.Duration) *Result {
	return &Result{
		Outcome:  OutcomeFallback,
		Sections: Fallback(pack),
		Reason:   reason,
		Detail:   detail,
		Meta: domain.GenerationMeta{
			Provider:  g.ProviderName(),
			Model:     FallbackModel,
			Outcome:   string(OutcomeFallback),
			Reason:    string(reason),
			LatencyMs: latency.Milliseconds(),
		},
	}
}

func rawText(gen *domain.Generation) string {
	if gen.Text != "" {
		return gen.Text
	}
	if gen.Object != nil {
		return fmt.Sprint(gen.Object)
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
