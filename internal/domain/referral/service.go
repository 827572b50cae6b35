package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/postcode"
)

// providerBlockedStatuses are the only statuses an operator may move a
// provider-selected referral to. Everything else on such a referral is
// frozen until Reset.
var providerBlockedStatuses = []Status{
	StatusProviderAwaitingTrace, StatusProviderAwaitingStart,
	StatusProviderAccepted, StatusProviderContactedServiceUser,
	StatusProviderStarted, StatusProviderCompleted,
	StatusProviderTerminated, StatusProviderTerminatedTextMessage,
	StatusProviderRejected, StatusProviderRejectedTextMessage,
	StatusProviderDeclinedByServiceUser, StatusProviderDeclinedTextMessage,
	StatusAwaitingDischarge, StatusDischargeAwaitingTrace,
	StatusDischargeOnHold, StatusSentForDischarge,
	StatusUnableToDischarge, StatusComplete,
}

type Service struct {
	repo        Repository
	triage      *triage.Engine
	deprivation postcode.Lookup
	submissions SubmissionDeactivator
	attempts    AttemptDeactivator
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(repo Repository, engine *triage.Engine, deprivation postcode.Lookup, submissions SubmissionDeactivator, attempts AttemptDeactivator, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		triage:      engine,
		deprivation: deprivation,
		submissions: submissions,
		attempts:    attempts,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the service clock. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateCommand carries everything needed to register a referral.
type CreateCommand struct {
	Ubrn        string
	Source      Source
	NhsNumber   *string
	GivenName   string
	FamilyName  string
	DateOfBirth time.Time
	Sex         string
	Ethnicity   string
	Postcode    string
	HeightCm    *float64
	WeightKg    *float64
	Mobile      *string
	Telephone   *string
	Actor       string
}

// Create registers a referral: validates the UBRN for its source, resolves
// the deprivation quintile (falling back to the most-deprived quintile when
// the lookup is down), computes BMI, triages, and stores it at status New.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Referral, error) {
	if err := ValidateUbrn(cmd.Ubrn, cmd.Source); err != nil {
		return nil, err
	}
	if cmd.NhsNumber != nil {
		if err := ValidateNhsNumber(*cmd.NhsNumber); err != nil {
			return nil, err
		}
	}
	if existing, err := s.repo.GetByUbrn(ctx, cmd.Ubrn); err == nil && existing != nil {
		return nil, fmt.Errorf("referral with ubrn %s already exists", cmd.Ubrn)
	}

	now := s.now().UTC()

	quintile, err := s.deprivation.DeprivationQuintile(ctx, cmd.Postcode)
	if err != nil {
		s.logger.Warn().Err(err).Str("postcode", cmd.Postcode).
			Msg("deprivation lookup failed, defaulting to most deprived quintile")
		quintile = postcode.MostDeprivedQuintile
	}

	r := &Referral{
		ID:                  uuid.New(),
		Ubrn:                cmd.Ubrn,
		Source:              cmd.Source,
		Status:              StatusNew,
		NhsNumber:           cmd.NhsNumber,
		GivenName:           cmd.GivenName,
		FamilyName:          cmd.FamilyName,
		DateOfBirth:         cmd.DateOfBirth,
		Sex:                 cmd.Sex,
		Ethnicity:           cmd.Ethnicity,
		Postcode:            cmd.Postcode,
		DeprivationQuintile: quintile,
		HeightCm:            cmd.HeightCm,
		WeightKg:            cmd.WeightKg,
		Mobile:              cmd.Mobile,
		Telephone:           cmd.Telephone,
		MethodOfContact:     ContactMethodNone,
		IsActive:            true,
		CreatedAt:           now,
		ModifiedAt:          now,
		ModifiedBy:          cmd.Actor,
	}

	if cmd.HeightCm != nil && cmd.WeightKg != nil {
		bmi, err := CalculateBMI(*cmd.HeightCm, *cmd.WeightKg)
		if err != nil {
			return nil, err
		}
		r.BmiAtRegistration = &bmi
	}

	outcome, err := s.triage.Score(ctx, triage.Inputs{
		Age:                 r.Age(now),
		Sex:                 r.Sex,
		Ethnicity:           r.Ethnicity,
		DeprivationQuintile: r.DeprivationQuintile,
	})
	if err != nil {
		return nil, fmt.Errorf("triage referral %s: %w", cmd.Ubrn, err)
	}
	if err := r.ApplyTriage(outcome, false); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("store referral: %w", err)
	}
	if err := s.appendAudit(ctx, r, "referral created"); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Referral, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns a page of active referrals, optionally filtered to the given
// statuses, plus the total matching count.
func (s *Service) List(ctx context.Context, statuses []Status, limit, offset int) ([]*Referral, int, error) {
	for _, st := range statuses {
		if !StatusIn(st, AllStatuses) {
			return nil, 0, fmt.Errorf("unknown status %q", st)
		}
	}
	return s.repo.List(ctx, statuses, limit, offset)
}

func (s *Service) GetByUbrn(ctx context.Context, ubrn string) (*Referral, error) {
	return s.repo.GetByUbrn(ctx, ubrn)
}

// DemographicsUpdate carries the mutable demographic facts. A change to date
// of birth or ethnicity re-runs triage.
type DemographicsUpdate struct {
	DateOfBirth *time.Time
	Ethnicity   *string
	Mobile      *string
	Telephone   *string
	Actor       string
}

func (s *Service) UpdateDemographics(ctx context.Context, id uuid.UUID, upd DemographicsUpdate) (*Referral, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, err)
	}

	retriage := false
	if upd.DateOfBirth != nil && !upd.DateOfBirth.Equal(r.DateOfBirth) {
		r.DateOfBirth = *upd.DateOfBirth
		retriage = true
	}
	if upd.Ethnicity != nil && *upd.Ethnicity != r.Ethnicity {
		r.Ethnicity = *upd.Ethnicity
		retriage = true
	}
	if upd.Mobile != nil && (r.Mobile == nil || *upd.Mobile != *r.Mobile) {
		r.Mobile = upd.Mobile
		// New number, unknown validity until the next send.
		r.IsMobileValid = nil
	}
	if upd.Telephone != nil {
		r.Telephone = upd.Telephone
		r.IsTelephoneValid = nil
	}

	if retriage {
		outcome, err := s.triage.Score(ctx, triage.Inputs{
			Age:                 r.Age(s.now().UTC()),
			Sex:                 r.Sex,
			Ethnicity:           r.Ethnicity,
			DeprivationQuintile: r.DeprivationQuintile,
		})
		if err != nil {
			return nil, fmt.Errorf("re-triage referral %s: %w", r.Ubrn, err)
		}
		if err := r.ApplyTriage(outcome, false); err != nil {
			return nil, err
		}
	}

	s.stamp(r, upd.Actor)
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update referral: %w", err)
	}
	if err := s.appendAudit(ctx, r, "demographics updated"); err != nil {
		return nil, err
	}
	return r, nil
}

// ChangeStatus moves a referral to the requested status after source
// aliasing and transition validation. The current status is re-read from the
// store immediately before mutation.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, requested Status, reason, actor string) (*Referral, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, err)
	}

	target := AliasForSource(requested, r.Source)

	if r.ProviderID != nil && !StatusIn(target, providerBlockedStatuses) {
		return nil, fmt.Errorf("referral %s has a selected provider; status %s is not permitted", id, target)
	}
	if allowed, why := TryTransition(r.Status, target); !allowed {
		s.logger.Debug().Str("ubrn", r.Ubrn).Str("reason", why).Msg("status change refused")
		return nil, &StatusChangeError{Current: r.Status, Requested: target}
	}

	r.Status = target
	s.stamp(r, actor)
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update referral: %w", err)
	}
	if reason == "" {
		reason = "status changed"
	}
	if err := s.appendAudit(ctx, r, reason); err != nil {
		return nil, err
	}
	return r, nil
}

// SelectProvider records the chosen provider. Re-selection is refused with
// the existing provider id; the caller must Reset first.
func (s *Service) SelectProvider(ctx context.Context, id, providerID uuid.UUID, actor string) (*Referral, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, err)
	}
	if r.ProviderID != nil {
		return nil, &ProviderAlreadySelectedError{ReferralID: r.ID, ProviderID: *r.ProviderID}
	}
	if allowed, _ := TryTransition(r.Status, StatusProviderAwaitingStart); !allowed {
		return nil, &StatusChangeError{Current: r.Status, Requested: StatusProviderAwaitingStart}
	}

	now := s.now().UTC()
	r.ProviderID = &providerID
	r.DateOfProviderSelection = &now
	r.Status = StatusProviderAwaitingStart
	s.stamp(r, actor)
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update referral: %w", err)
	}
	if err := s.appendAudit(ctx, r, "provider selected"); err != nil {
		return nil, err
	}
	return r, nil
}

// Reset is the one sanctioned backward transition: it returns a non-terminal
// referral to New or RmcCall, nulls every field the forward pipeline would
// have populated, and deactivates prior provider submissions and contact
// attempts so no stale derived data survives. Retiring the attempts matters
// for the sweeper: a delivered attempt from the previous run of a stage must
// not suppress re-contact after the referral re-enters that stage.
func (s *Service) Reset(ctx context.Context, id uuid.UUID, target Status, reason, actor string) (*Referral, error) {
	if target != StatusNew && target != StatusRmcCall {
		return nil, fmt.Errorf("reset target must be %s or %s, got %s", StatusNew, StatusRmcCall, target)
	}

	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("referral %s: %w", id, err)
	}
	if IsTerminal(r.Status) {
		return nil, &StatusChangeError{Current: r.Status, Requested: target}
	}

	r.Status = target
	r.ProviderID = nil
	r.DateOfProviderSelection = nil
	r.ProgrammeStartDate = nil
	if r.TriagedCompletionLevel != nil {
		offered := *r.TriagedCompletionLevel
		r.OfferedCompletionLevel = &offered
	}

	if err := s.submissions.DeactivateByReferral(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("deactivate provider submissions for %s: %w", r.Ubrn, err)
	}
	if err := s.attempts.DeactivateByReferral(ctx, r.ID); err != nil {
		return nil, fmt.Errorf("deactivate contact attempts for %s: %w", r.Ubrn, err)
	}

	s.stamp(r, actor)
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update referral: %w", err)
	}
	if reason == "" {
		reason = "referral reset"
	}
	if err := s.appendAudit(ctx, r, reason); err != nil {
		return nil, err
	}
	return r, nil
}

// Deactivate soft-deletes a referral and cascades to its contact attempts,
// keeping the attempt rows consistent with their owner.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, actor string) error {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("referral %s: %w", id, err)
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("deactivate referral: %w", err)
	}
	if err := s.attempts.DeactivateByReferral(ctx, id); err != nil {
		return fmt.Errorf("deactivate contact attempts for %s: %w", r.Ubrn, err)
	}
	r.IsActive = false
	s.stamp(r, actor)
	return s.appendAudit(ctx, r, "referral deactivated")
}

func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	return s.repo.ListAudit(ctx, id)
}

func (s *Service) stamp(r *Referral, actor string) {
	r.ModifiedAt = s.now().UTC()
	r.ModifiedBy = actor
}

func (s *Service) appendAudit(ctx context.Context, r *Referral, reason string) error {
	entry := &AuditEntry{
		ID:         uuid.New(),
		ReferralID: r.ID,
		Status:     r.Status,
		Reason:     reason,
		ModifiedAt: r.ModifiedAt,
		ModifiedBy: r.ModifiedBy,
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append referral audit: %w", err)
	}
	return nil
}
