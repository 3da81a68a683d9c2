package validation

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/opensource-finance/sarflow/internal/domain"
)

const longText = "This section contains a sufficiently descriptive sentence for review."

func completeDraft() *domain.NarrativeDraft {
	d := &domain.NarrativeDraft{EvidenceCitations: []string{"AML-001"}}
	for _, id := range domain.Sections() {
		d.Sections = append(d.Sections, domain.Section{ID: id, Text: longText})
	}
	return d
}

func fullTrace(d *domain.NarrativeDraft) []domain.TraceEntry {
	var trace []domain.TraceEntry
	for _, s := range d.Sections {
		trace = append(trace, domain.TraceEntry{Section: s.ID, SupportingEvidenceID: "AML-001"})
	}
	return trace
}

func TestValidatePasses(t *testing.T) {
	d := completeDraft()
	res := Validate(d, fullTrace(d))

	if !res.Passed {
		t.Fatalf("expected pass, got errors %v", res.Errors)
	}
	if res.Summary != SummaryPassed {
		t.Errorf("summary = %q", res.Summary)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", res.Warnings)
	}
}

func TestValidateStructural(t *testing.T) {
	t.Run("MissingSection", func(t *testing.T) {
		d := completeDraft()
		d.Sections = d.Sections[:8]
		res := Validate(d, fullTrace(d))
		if res.Passed {
			t.Fatal("expected failure")
		}
		if !slices.Contains(res.Errors, "Missing section: Conclusion & Recommendation") {
			t.Errorf("unexpected errors: %v", res.Errors)
		}
		if res.Summary != SummaryFailed {
			t.Errorf("summary = %q", res.Summary)
		}
	})

	t.Run("BlankSection", func(t *testing.T) {
		d := completeDraft()
		d.Sections[2].Text = "  \t "
		res := Validate(d, fullTrace(d))
		if !slices.Contains(res.Errors, "Empty section: Alert Summary") {
			t.Errorf("unexpected errors: %v", res.Errors)
		}
	})

	t.Run("NoCitations", func(t *testing.T) {
		d := completeDraft()
		d.EvidenceCitations = nil
		res := Validate(d, fullTrace(d))
		if res.Passed || !slices.Contains(res.Errors, "No evidence citations provided") {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("NilDraft", func(t *testing.T) {
		res := Validate(nil, nil)
		if res.Passed || len(res.Errors) != 10 {
			t.Errorf("expected 9 missing sections and no citations, got %v", res.Errors)
		}
	})
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	d := completeDraft()
	d.Sections[0].Text = "Short"
	d.Sections[1].Text = "Account 12345678 received repeated credits from the same source."
	d.Sections[2].Text = "The pattern is clearly indicative of layering across related accounts."
	trace := fullTrace(d)[1:]
	trace = append(trace, domain.TraceEntry{Section: domain.SectionAlertSummary})

	res := Validate(d, trace)

	if !res.Passed {
		t.Fatalf("warnings must not block, got errors %v", res.Errors)
	}
	want := []string{
		"Some statements lack evidence ids",
		"Narrative clarity low in section: Subject Information",
		"Possible unmasked PII detected in Account Details",
		`Prohibited phrase "clearly" in section: Alert Summary`,
		"No explainability coverage for Subject Information",
	}
	if !slices.Equal(res.Warnings, want) {
		t.Errorf("warnings = %v\nwant %v", res.Warnings, want)
	}
}

func TestHasDigitRun(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"account 123456", true},
		{"account 12345", false},
		{"ref 12-345-678", false},
		{"GB29NWBK60161331926819", false},
		{"amount 125000.00", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := hasDigitRun(tt.text); got != tt.want {
			t.Errorf("hasDigitRun(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestProhibitedPhraseMatchesWords(t *testing.T) {
	d := completeDraft()
	d.Sections[0].Text = "The counterparty is a recriminalised entity MUST BE reviewed again by the team."
	res := Validate(d, fullTrace(d))

	var hits []string
	for _, w := range res.Warnings {
		if strings.HasPrefix(w, "Prohibited phrase") {
			hits = append(hits, w)
		}
	}
	if len(hits) != 1 || !strings.Contains(hits[0], `"must be"`) {
		t.Errorf("expected only the whole-word phrase to match, got %v", hits)
	}
}

func TestGuard(t *testing.T) {
	blocks := []domain.EvidenceBlock{{RuleID: "AML-001"}, {RuleID: "AML-017"}}

	tests := []struct {
		name      string
		citations []string
		blocks    []domain.EvidenceBlock
		wantErr   bool
	}{
		{"Subset", []string{"AML-001"}, blocks, false},
		{"Equal", []string{"AML-001", "AML-017"}, blocks, false},
		{"Unknown", []string{"AML-001", "AML-999"}, blocks, true},
		{"Empty", nil, blocks, true},
		{"EmptyBoth", nil, nil, true},
		{"NothingTriggered", []string{"AML-001"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Guard(&domain.NarrativeDraft{EvidenceCitations: tt.citations}, tt.blocks)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Guard() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedClaims) {
				t.Errorf("expected ErrUnsupportedClaims, got %v", err)
			}
		})
	}

	if err := Guard(nil, blocks); !errors.Is(err, ErrUnsupportedClaims) {
		t.Errorf("nil draft should be rejected, got %v", err)
	}
}
