// Package render turns a narrative into a plain-text SAR document.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// Text renders every section in report order as its title followed by the
// body and a blank line, then a one-line risk footer. A nil draft renders
// as the empty string.
func Text(draft *domain.NarrativeDraft) string {
	if draft == nil {
		return ""
	}

	var b strings.Builder
	for _, id := range domain.Sections() {
		body, _ := draft.Text(id)
		b.WriteString(id.Title())
		b.WriteByte('\n')
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Risk Level: %s | Risk Score: %s | Confidence: %s",
		draft.RiskLevel,
		formatFloat(draft.RiskScore),
		formatFloat(draft.ConfidenceLevel),
	)
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
