package provider

import (
	"fmt"
	"time"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
)

// submissionPreconditions fixes which current statuses each provider-reported
// status may be submitted from. Stricter than the operator state machine:
// providers only ever report forward progress on their own pipeline.
var submissionPreconditions = map[referral.Status][]referral.Status{
	referral.StatusProviderAccepted:             {referral.StatusProviderAwaitingStart},
	referral.StatusProviderContactedServiceUser: {referral.StatusProviderAwaitingStart, referral.StatusProviderAccepted},
	referral.StatusProviderStarted: {
		referral.StatusProviderAwaitingStart, referral.StatusProviderAccepted,
		referral.StatusProviderContactedServiceUser,
	},
	referral.StatusProviderCompleted:  {referral.StatusProviderStarted},
	referral.StatusProviderTerminated: {referral.StatusProviderStarted},
	referral.StatusProviderRejected: {
		referral.StatusProviderAwaitingStart, referral.StatusProviderAccepted,
		referral.StatusProviderContactedServiceUser,
	},
	referral.StatusProviderDeclinedByServiceUser: {
		referral.StatusProviderAwaitingStart, referral.StatusProviderAccepted,
		referral.StatusProviderContactedServiceUser,
	},
}

// ValidateTransition checks the submission precondition table. The error
// names both statuses; callers must not coerce or retry.
func ValidateTransition(current, requested referral.Status) error {
	predecessors, ok := submissionPreconditions[requested]
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("status %s cannot be submitted by a provider", requested)}
	}
	if !referral.StatusIn(current, predecessors) {
		return &ValidationError{Reason: fmt.Sprintf("status %s cannot be submitted while the referral is %s", requested, current)}
	}
	return nil
}

// ValidateDates enforces the ordering rules on a submission's dated updates:
// nothing before provider selection, nothing before programme start, and a
// completion no earlier than the expected programme end.
func ValidateDates(r *referral.Referral, requested referral.Status, updates []ProgressUpdate, completionDays int) error {
	if r.DateOfProviderSelection == nil {
		return &ValidationError{Ubrn: r.Ubrn, Reason: "referral has no provider selection date"}
	}
	for _, u := range updates {
		if u.Date.Before(*r.DateOfProviderSelection) {
			return &ValidationError{Ubrn: r.Ubrn, Reason: fmt.Sprintf(
				"update dated %s precedes provider selection on %s",
				u.Date.Format(time.DateOnly), r.DateOfProviderSelection.Format(time.DateOnly))}
		}
		if r.ProgrammeStartDate != nil && u.Date.Before(*r.ProgrammeStartDate) {
			return &ValidationError{Ubrn: r.Ubrn, Reason: fmt.Sprintf(
				"update dated %s precedes programme start on %s",
				u.Date.Format(time.DateOnly), r.ProgrammeStartDate.Format(time.DateOnly))}
		}
	}

	if requested == referral.StatusProviderCompleted {
		if r.ProgrammeStartDate == nil {
			return &ValidationError{Ubrn: r.Ubrn, Reason: "completion submitted before the programme started"}
		}
		end := r.ProgrammeStartDate.AddDate(0, 0, completionDays)
		completedAt := latestUpdateDate(updates)
		if completedAt == nil || completedAt.Before(end) {
			return &ValidationError{Ubrn: r.Ubrn, Reason: fmt.Sprintf(
				"completion submitted before the programme end date %s", end.Format(time.DateOnly))}
		}
	}
	return nil
}

func earliestUpdateDate(updates []ProgressUpdate) *time.Time {
	var earliest *time.Time
	for _, u := range updates {
		if earliest == nil || u.Date.Before(*earliest) {
			d := u.Date
			earliest = &d
		}
	}
	return earliest
}

func latestUpdateDate(updates []ProgressUpdate) *time.Time {
	var latest *time.Time
	for _, u := range updates {
		if latest == nil || u.Date.After(*latest) {
			d := u.Date
			latest = &d
		}
	}
	return latest
}
