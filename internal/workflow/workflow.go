// Package workflow implements the case lifecycle state machine.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// ErrInvalidTransition is returned for a transition not in the table.
var ErrInvalidTransition = errors.New("invalid transition")

// SystemUser records actions taken by the pipeline itself.
const SystemUser = "system"

// Review actions recorded in the history.
const (
	ActionDrafted          = "DRAFTED"
	ActionValidationFailed = "VALIDATION_FAILED"
	ActionSubmitted        = "SUBMITTED"
	ActionApproved         = "APPROVED"
	ActionRejected         = "REJECTED"
	ActionFinalized        = "FINALIZED"
	ActionReopened         = "REOPENED"
)

var transitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.StatusDraft:            {domain.StatusReview, domain.StatusValidationFailed},
	domain.StatusReview:           {domain.StatusApproved, domain.StatusRejected},
	domain.StatusApproved:         {domain.StatusSubmitted},
	domain.StatusRejected:         {domain.StatusDraft},
	domain.StatusValidationFailed: {domain.StatusDraft},
}

// CanTransition reports whether from → to is a defined transition.
func CanTransition(from, to domain.CaseStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Targets returns the states reachable from a state.
func Targets(from domain.CaseStatus) []domain.CaseStatus {
	return append([]domain.CaseStatus(nil), transitions[from]...)
}

// Actor identifies who requested a transition.
type Actor struct {
	User    string
	Comment string
	// Reviewer is true for analyst actions, which advance Version.
	Reviewer bool
}

// Transition moves c to the target state, appends one history entry and, for
// reviewer actions, bumps Version. On error c is left untouched.
func Transition(c *domain.Case, to domain.CaseStatus, action string, actor Actor, now time.Time) error {
	if c == nil {
		return fmt.Errorf("%w: nil case", ErrInvalidTransition)
	}
	if !to.Valid() || !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	user := actor.User
	if user == "" {
		user = SystemUser
	}

	c.Status = to
	c.ReviewHistory = append(c.ReviewHistory, domain.ReviewEntry{
		User:    user,
		Action:  action,
		Comment: actor.Comment,
		At:      now.UTC(),
	})
	if actor.Reviewer {
		c.Version++
	}
	c.UpdatedAt = now.UTC()
	return nil
}

// Land records the state a pipeline run ends in. Runs only ever produce
// DRAFT or VALIDATION_FAILED, and only on a case not yet under review.
func Land(c *domain.Case, passed bool, now time.Time) error {
	if c == nil {
		return fmt.Errorf("%w: nil case", ErrInvalidTransition)
	}
	switch c.Status {
	case "", domain.StatusDraft:
	default:
		return fmt.Errorf("%w: pipeline cannot land a case in %s", ErrInvalidTransition, c.Status)
	}

	to, action := domain.StatusDraft, ActionDrafted
	if !passed {
		to, action = domain.StatusValidationFailed, ActionValidationFailed
	}

	c.Status = to
	c.ReviewHistory = append(c.ReviewHistory, domain.ReviewEntry{
		User:   SystemUser,
		Action: action,
		At:     now.UTC(),
	})
	c.UpdatedAt = now.UTC()
	return nil
}
