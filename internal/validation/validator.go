// Package validation checks formatted narratives before a case is stored.
//
// Validate runs the structural and content stages and never fails; only
// structural problems block. Guard is the hard gate on evidence citations.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/opensource-finance/sarflow/internal/domain"
)

const (
	SummaryPassed = "Validation passed"
	SummaryFailed = "Validation requires attention"
)

// MinSectionLength is the clarity threshold, in characters.
const MinSectionLength = 40

// MinDigitRun is the length of an all-digit token treated as possible PII.
const MinDigitRun = 6

// ProhibitedPhrases are absolute or accusatory terms a narrative should avoid.
var ProhibitedPhrases = []string{
	"definitely",
	"certainly",
	"guaranteed",
	"must be",
	"obvious",
	"clearly",
	"terrorist",
	"criminal",
}

var prohibitedPatterns = compilePhrases(ProhibitedPhrases)

type phrasePattern struct {
	phrase string
	re     *regexp.Regexp
}

func compilePhrases(phrases []string) []phrasePattern {
	out := make([]phrasePattern, 0, len(phrases))
	for _, p := range phrases {
		out = append(out, phrasePattern{
			phrase: p,
			re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p) + `\b`),
		})
	}
	return out
}

// Validate checks a draft and its explainability trace.
func Validate(draft *domain.NarrativeDraft, trace []domain.TraceEntry) *domain.ValidationResult {
	if draft == nil {
		draft = &domain.NarrativeDraft{}
	}

	errs := structural(draft)
	warnings := content(draft, trace)

	passed := len(errs) == 0
	summary := SummaryPassed
	if !passed {
		summary = SummaryFailed
	}
	return &domain.ValidationResult{
		Passed:   passed,
		Errors:   errs,
		Warnings: warnings,
		Summary:  summary,
	}
}

// structural returns the blocking errors.
func structural(draft *domain.NarrativeDraft) []string {
	errs := []string{}
	for _, id := range domain.Sections() {
		text, ok := draft.Text(id)
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("Missing section: %s", id.Title()))
		case strings.TrimSpace(text) == "":
			errs = append(errs, fmt.Sprintf("Empty section: %s", id.Title()))
		}
	}
	if len(draft.EvidenceCitations) == 0 {
		errs = append(errs, "No evidence citations provided")
	}
	return errs
}

// content returns the non-blocking warnings.
func content(draft *domain.NarrativeDraft, trace []domain.TraceEntry) []string {
	warnings := []string{}

	for _, entry := range trace {
		if entry.SupportingEvidenceID == "" {
			warnings = append(warnings, "Some statements lack evidence ids")
			break
		}
	}

	for _, s := range draft.Sections {
		title := s.ID.Title()
		if utf8.RuneCountInString(s.Text) < MinSectionLength {
			warnings = append(warnings, fmt.Sprintf("Narrative clarity low in section: %s", title))
		}
		if hasDigitRun(s.Text) {
			warnings = append(warnings, fmt.Sprintf("Possible unmasked PII detected in %s", title))
		}
		for _, p := range prohibitedPatterns {
			if p.re.MatchString(s.Text) {
				warnings = append(warnings, fmt.Sprintf("Prohibited phrase %q in section: %s", p.phrase, title))
			}
		}
	}

	covered := make(map[domain.SectionID]bool, len(trace))
	for _, entry := range trace {
		covered[entry.Section] = true
	}
	for _, id := range domain.Sections() {
		if !covered[id] {
			warnings = append(warnings, fmt.Sprintf("No explainability coverage for %s", id.Title()))
		}
	}

	return warnings
}

// hasDigitRun reports whether a whitespace-separated token consists of at
// least MinDigitRun digits and nothing else.
func hasDigitRun(text string) bool {
	for _, tok := range strings.Fields(text) {
		if len(tok) < MinDigitRun {
			continue
		}
		allDigits := true
		for _, r := range tok {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			return true
		}
	}
	return false
}
