package shared

import "errors"

// Review statuses of a reconciliation period.
const (
	PeriodStatusDraft       = "draft"
	PeriodStatusUnderReview = "under_review"
	PeriodStatusClosed      = "closed"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ValidatePeriodTransition checks transitions according to policy. Closed
// periods can only be reopened to review.
func ValidatePeriodTransition(current, target string) error {
	if current == target {
		return nil
	}
	switch current {
	case PeriodStatusDraft:
		if target == PeriodStatusUnderReview {
			return nil
		}
	case PeriodStatusUnderReview:
		if target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosed:
		if target == PeriodStatusUnderReview {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}
