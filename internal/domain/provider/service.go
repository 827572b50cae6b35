package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
)

type Service struct {
	providers      Repository
	submissions    SubmissionRepository
	referrals      *referral.Service
	refRepo        referral.Repository
	completionDays int
	sortUpdates    bool
	logger         zerolog.Logger
	now            func() time.Time
}

func NewService(
	providers Repository,
	submissions SubmissionRepository,
	referrals *referral.Service,
	refRepo referral.Repository,
	completionDays int,
	sortUpdates bool,
	logger zerolog.Logger,
) *Service {
	return &Service{
		providers:      providers,
		submissions:    submissions,
		referrals:      referrals,
		refRepo:        refRepo,
		completionDays: completionDays,
		sortUpdates:    sortUpdates,
		logger:         logger,
		now:            time.Now,
	}
}

// SetClock overrides the service clock. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// OffersFor returns the providers a referral may choose from. When nothing
// is available at the offered completion level, the offer is downgraded to
// Low and persisted; the triaged levels stay untouched.
func (s *Service) OffersFor(ctx context.Context, referralID uuid.UUID) ([]*Provider, error) {
	r, err := s.refRepo.GetByID(ctx, referralID)
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", referralID, err)
	}
	if r.OfferedCompletionLevel == nil {
		return nil, fmt.Errorf("referral %s has not been triaged", r.Ubrn)
	}

	offers, err := s.providers.ListByLevel(ctx, *r.OfferedCompletionLevel)
	if err != nil {
		return nil, fmt.Errorf("list providers at %s: %w", *r.OfferedCompletionLevel, err)
	}
	if len(offers) > 0 || *r.OfferedCompletionLevel == triage.LevelLow {
		return offers, nil
	}

	s.logger.Info().Str("ubrn", r.Ubrn).Str("level", string(*r.OfferedCompletionLevel)).
		Msg("no providers at triaged level, downgrading offer to Low")
	r.DowngradeOfferedLevel()
	r.ModifiedAt = s.now().UTC()
	r.ModifiedBy = "provider-matching"
	if err := s.refRepo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("persist offer downgrade for %s: %w", r.Ubrn, err)
	}
	return s.providers.ListByLevel(ctx, triage.LevelLow)
}

// coalesce merges all records addressed to one booking reference into a
// single record carrying the union of their dated updates. The last
// requested status wins; the caller gets one result per reference.
func coalesce(records []SubmissionRecord) []SubmissionRecord {
	index := make(map[string]int)
	var merged []SubmissionRecord
	for _, rec := range records {
		i, seen := index[rec.Ubrn]
		if !seen {
			index[rec.Ubrn] = len(merged)
			merged = append(merged, rec)
			continue
		}
		merged[i].Updates = append(merged[i].Updates, rec.Updates...)
		if rec.RequestedStatus != "" {
			merged[i].RequestedStatus = rec.RequestedStatus
		}
	}
	return merged
}

// ProcessBatch validates and applies a provider's submissions. Records for
// one booking reference are coalesced first; each reference succeeds or
// fails independently and the batch always runs to the end.
func (s *Service) ProcessBatch(ctx context.Context, providerID uuid.UUID, records []SubmissionRecord) []Result {
	merged := coalesce(records)
	results := make([]Result, 0, len(merged))
	for _, rec := range merged {
		if s.sortUpdates {
			sort.Slice(rec.Updates, func(i, j int) bool {
				return rec.Updates[i].Date.Before(rec.Updates[j].Date)
			})
		}
		status, err := s.apply(ctx, providerID, rec)
		if err != nil {
			s.logger.Warn().Err(err).Str("ubrn", rec.Ubrn).Msg("submission rejected")
			results = append(results, Result{Ubrn: rec.Ubrn, Accepted: false, Reason: reasonOf(err)})
			continue
		}
		results = append(results, Result{Ubrn: rec.Ubrn, Accepted: true, Status: status})
	}
	return results
}

func reasonOf(err error) string {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason
	}
	return err.Error()
}

func (s *Service) apply(ctx context.Context, providerID uuid.UUID, rec SubmissionRecord) (referral.Status, error) {
	r, err := s.refRepo.GetByUbrn(ctx, rec.Ubrn)
	if err != nil {
		return "", &ValidationError{Ubrn: rec.Ubrn, Reason: "booking reference not found"}
	}
	if r.ProviderID == nil || *r.ProviderID != providerID {
		return "", &ValidationError{Ubrn: rec.Ubrn, Reason: "referral is not assigned to this provider"}
	}

	if err := ValidateTransition(r.Status, rec.RequestedStatus); err != nil {
		return "", err
	}

	// A started submission fixes the programme start date before the date
	// rules run, so its own updates are measured against it. The earliest
	// dated update is the first session.
	if rec.RequestedStatus == referral.StatusProviderStarted && r.ProgrammeStartDate == nil {
		start := earliestUpdateDate(rec.Updates)
		if start == nil {
			return "", &ValidationError{Ubrn: rec.Ubrn, Reason: "started submission carries no dated update"}
		}
		r.ProgrammeStartDate = start
	}

	if err := ValidateDates(r, rec.RequestedStatus, rec.Updates, s.completionDays); err != nil {
		return "", err
	}

	if rec.RequestedStatus == referral.StatusProviderStarted {
		r.ModifiedAt = s.now().UTC()
		r.ModifiedBy = "provider-submission"
		if err := s.refRepo.Update(ctx, r); err != nil {
			return "", fmt.Errorf("record programme start for %s: %w", rec.Ubrn, err)
		}
	}

	updated, err := s.referrals.ChangeStatus(ctx, r.ID, rec.RequestedStatus,
		fmt.Sprintf("provider submitted %s", rec.RequestedStatus), "provider-submission")
	if err != nil {
		return "", err
	}

	sub := &Submission{
		ID:              uuid.New(),
		ProviderID:      providerID,
		ReferralID:      r.ID,
		Ubrn:            rec.Ubrn,
		RequestedStatus: rec.RequestedStatus,
		Updates:         rec.Updates,
		IsActive:        true,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.submissions.Create(ctx, sub); err != nil {
		return "", fmt.Errorf("store submission for %s: %w", rec.Ubrn, err)
	}
	return updated.Status, nil
}
