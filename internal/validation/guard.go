package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// ErrUnsupportedClaims is returned when a narrative cites evidence that was
// not triggered, or cites nothing at all.
var ErrUnsupportedClaims = errors.New("narrative rejected: unsupported claims detected")

// Guard accepts a draft only when its citations are a non-empty subset of the
// triggered rule ids.
func Guard(draft *domain.NarrativeDraft, blocks []domain.EvidenceBlock) error {
	if draft == nil || len(draft.EvidenceCitations) == 0 {
		return fmt.Errorf("%w: no evidence citations", ErrUnsupportedClaims)
	}

	triggered := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		triggered[b.RuleID] = struct{}{}
	}

	var unsupported []string
	for _, id := range draft.EvidenceCitations {
		if _, ok := triggered[id]; !ok {
			unsupported = append(unsupported, id)
		}
	}
	if len(unsupported) > 0 {
		return fmt.Errorf("%w: cited %s not triggered", ErrUnsupportedClaims, strings.Join(unsupported, ", "))
	}
	return nil
}
