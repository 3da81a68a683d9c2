package narrative

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/sarflow/internal/domain"
)

const promptHeader = `You are an AML investigator drafting a Suspicious Activity Report narrative.
Use only the facts in the narrative dataset and the reference context below.
Customer identifiers are masked; never attempt to reconstruct them.
Only cite rule ids that appear in evidence_blocks.
Use measured, factual language and avoid absolute claims.

Return a single JSON object with exactly these string fields:
`

// BuildPrompt renders the generation prompt for an evidence pack and its
// retrieved context.
func BuildPrompt(pack *domain.EvidencePack, snippets []domain.Snippet) (string, error) {
	dataset, err := json.Marshal(pack)
	if err != nil {
		return "", fmt.Errorf("failed to encode evidence pack: %w", err)
	}
	if snippets == nil {
		snippets = []domain.Snippet{}
	}
	refs, err := json.Marshal(snippets)
	if err != nil {
		return "", fmt.Errorf("failed to encode reference context: %w", err)
	}

	var b strings.Builder
	b.WriteString(promptHeader)
	for _, id := range domain.Sections() {
		fmt.Fprintf(&b, "- %s (%s)\n", id.Key(), id.Title())
	}
	b.WriteString("\nNarrative dataset:\n")
	b.Write(dataset)
	b.WriteString("\n\nReference context:\n")
	b.Write(refs)
	b.WriteString("\n")
	return b.String(), nil
}
