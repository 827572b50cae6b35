// Package escalation drives the outbound contact campaign: it finds
// referrals due for their next contact, advances their status through the
// SMS, chatbot and call-centre stages, and enqueues exactly one attempt per
// advancement. The whole sweep runs under a durable batch lock and each
// referral's mutations happen inside one transaction.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/batchlock"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/contact"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/notify"
)

// Windows holds the campaign timing rules.
type Windows struct {
	// Do-not-recontact windows per stage.
	SMS1Recontact time.Duration
	SMS2Recontact time.Duration
	SMS3Recontact time.Duration
	// RmcDelayed referrals only re-enter the campaign after this delay.
	RmcDelay time.Duration
	// A referral whose first-ever contact is older than this is stale and
	// left to the stale-referral process.
	MaxLookBack time.Duration
}

// TxRunner wraps one referral's mutations in a transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// NopTxRunner runs fn directly. Used by tests.
func NopTxRunner(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type Sweeper struct {
	referrals   referral.Repository
	statuses    *referral.Service
	contacts    contact.Repository
	tokens      *contact.TokenPool
	sender      notify.Sender
	locks       *batchlock.Service
	tx          TxRunner
	windows     Windows
	linkBaseURL string
	smsSender   string
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSweeper(
	referrals referral.Repository,
	statuses *referral.Service,
	contacts contact.Repository,
	tokens *contact.TokenPool,
	sender notify.Sender,
	locks *batchlock.Service,
	tx TxRunner,
	windows Windows,
	linkBaseURL, smsSender string,
	logger zerolog.Logger,
) *Sweeper {
	return &Sweeper{
		referrals:   referrals,
		statuses:    statuses,
		contacts:    contacts,
		tokens:      tokens,
		sender:      sender,
		locks:       locks,
		tx:          tx,
		windows:     windows,
		linkBaseURL: linkBaseURL,
		smsSender:   smsSender,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the sweeper clock. Used by tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Cohorts are the three independent due-queries. A referral due under more
// than one rule is still processed exactly once.
type Cohorts struct {
	New           []*referral.Referral
	PostRmc       []*referral.Referral
	PostSelection []*referral.Referral
}

// Union de-duplicates across cohorts, preserving cohort order.
func (c *Cohorts) Union() []*referral.Referral {
	seen := make(map[uuid.UUID]bool)
	var all []*referral.Referral
	for _, cohort := range [][]*referral.Referral{c.New, c.PostRmc, c.PostSelection} {
		for _, r := range cohort {
			if !seen[r.ID] {
				seen[r.ID] = true
				all = append(all, r)
			}
		}
	}
	return all
}

// postSelectionStatuses are the provider-outcome statuses that re-contact
// the service user by SMS. The plain (GP) variants go back to the
// call-centre list instead and never enter this cohort.
var postSelectionStatuses = []referral.Status{
	referral.StatusProviderTerminatedTextMessage,
	referral.StatusProviderRejectedTextMessage,
	referral.StatusProviderDeclinedTextMessage,
	referral.StatusCancelledDuplicateTextMessage,
}

// DueReferrals evaluates the three cohort rules at the given instant.
func (s *Sweeper) DueReferrals(ctx context.Context, now time.Time) (*Cohorts, error) {
	cohorts := &Cohorts{}

	// Pre-selection: New and TextMessage1, outside their recontact windows.
	// Provider-selected referrals are excluded entirely.
	pre, err := s.referrals.ListActiveByStatuses(ctx, []referral.Status{
		referral.StatusNew, referral.StatusTextMessage1,
	})
	if err != nil {
		return nil, fmt.Errorf("list pre-selection cohort: %w", err)
	}
	for _, r := range pre {
		if r.ProviderID != nil {
			continue
		}
		window := s.windows.SMS1Recontact
		if r.Status == referral.StatusTextMessage1 {
			window = s.windows.SMS2Recontact
		}
		due, err := s.outsideWindow(ctx, r.ID, now, window)
		if err != nil {
			return nil, err
		}
		if due {
			cohorts.New = append(cohorts.New, r)
		}
	}

	// Post-RMC: chatbot and delayed call-centre referrals fall back to a
	// final SMS, unless their first contact is outside the look-back window.
	postRmc, err := s.referrals.ListActiveByStatuses(ctx, []referral.Status{
		referral.StatusChatBotCall1, referral.StatusChatBotTransfer, referral.StatusRmcDelayed,
	})
	if err != nil {
		return nil, fmt.Errorf("list post-rmc cohort: %w", err)
	}
	for _, r := range postRmc {
		if r.Status == referral.StatusRmcDelayed && r.ModifiedAt.Add(s.windows.RmcDelay).After(now) {
			continue
		}
		due, err := s.outsideWindow(ctx, r.ID, now, s.windows.SMS3Recontact)
		if err != nil {
			return nil, err
		}
		if !due {
			continue
		}
		first, err := s.contacts.FirstContactAt(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("first contact for %s: %w", r.Ubrn, err)
		}
		if first != nil && first.Before(now.Add(-s.windows.MaxLookBack)) {
			s.logger.Warn().Str("ubrn", r.Ubrn).Time("first_contact", *first).
				Msg("referral stale, leaving to stale-referral process")
			continue
		}
		cohorts.PostRmc = append(cohorts.PostRmc, r)
	}

	// Post-selection rejection: re-contact once per entry into the status.
	// Only active attempts count; Reset retires the previous run's attempts,
	// so a referral that re-enters the status after a reset is contacted
	// again.
	post, err := s.referrals.ListActiveByStatuses(ctx, postSelectionStatuses)
	if err != nil {
		return nil, fmt.Errorf("list post-selection cohort: %w", err)
	}
	for _, r := range post {
		sent, err := s.contacts.HasDeliveredAttemptForStatus(ctx, r.ID, r.Status)
		if err != nil {
			return nil, fmt.Errorf("delivered attempts for %s: %w", r.Ubrn, err)
		}
		if !sent {
			cohorts.PostSelection = append(cohorts.PostSelection, r)
		}
	}

	return cohorts, nil
}

func (s *Sweeper) outsideWindow(ctx context.Context, referralID uuid.UUID, now time.Time, window time.Duration) (bool, error) {
	last, err := s.contacts.LastAttemptAt(ctx, referralID)
	if err != nil {
		return false, fmt.Errorf("last attempt for %s: %w", referralID, err)
	}
	return last == nil || last.Before(now.Add(-window)), nil
}

// Sweep runs one full scheduling pass under the batch lock. Referrals are
// processed sequentially; one referral's failure is logged and skipped, but
// token-pool exhaustion aborts the whole pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	return s.locks.WithLock(ctx, batchlock.LockContactSweep, func(ctx context.Context) error {
		now := s.now().UTC()
		cohorts, err := s.DueReferrals(ctx, now)
		if err != nil {
			return err
		}

		due := cohorts.Union()
		s.logger.Info().Int("due", len(due)).Msg("contact sweep started")
		advanced := 0
		for _, r := range due {
			err := s.tx(ctx, func(ctx context.Context) error {
				return s.Advance(ctx, r.ID, now)
			})
			if errors.Is(err, contact.ErrTokenPoolExhausted) {
				return fmt.Errorf("sweep aborted at referral %s: %w", r.Ubrn, err)
			}
			if err != nil {
				s.logger.Error().Err(err).Str("ubrn", r.Ubrn).Msg("referral advancement failed, continuing")
				continue
			}
			advanced++
		}
		s.logger.Info().Int("advanced", advanced).Int("due", len(due)).Msg("contact sweep finished")
		return nil
	})
}

// nextStage returns the status a due referral advances to and the SMS
// template for that stage. Post-selection statuses re-contact in place.
func nextStage(current referral.Status) (referral.Status, string, error) {
	switch current {
	case referral.StatusNew:
		return referral.StatusTextMessage1, notify.TemplateSMS1, nil
	case referral.StatusTextMessage1:
		return referral.StatusTextMessage2, notify.TemplateSMS2, nil
	case referral.StatusChatBotCall1, referral.StatusChatBotTransfer, referral.StatusRmcDelayed:
		return referral.StatusTextMessage3, notify.TemplateSMS3, nil
	case referral.StatusProviderTerminatedTextMessage:
		return current, notify.TemplateProviderTerminated, nil
	case referral.StatusProviderRejectedTextMessage:
		return current, notify.TemplateProviderRejected, nil
	case referral.StatusProviderDeclinedTextMessage:
		return current, notify.TemplateProviderDeclined, nil
	case referral.StatusCancelledDuplicateTextMessage:
		return current, notify.TemplateDuplicateCancelled, nil
	default:
		return current, "", fmt.Errorf("status %s is not part of the contact campaign", current)
	}
}

// divertStage is where an invalid-mobile referral goes instead of being
// texted. Pre-selection referrals skip past the SMS stages; post-selection
// ones go back to the call-centre list.
func divertStage(current referral.Status) referral.Status {
	switch current {
	case referral.StatusNew, referral.StatusTextMessage1:
		return referral.StatusTextMessage2
	case referral.StatusChatBotCall1, referral.StatusChatBotTransfer, referral.StatusRmcDelayed:
		return referral.StatusTextMessage3
	default:
		return referral.StatusRmcCall
	}
}

// Advance moves one due referral a single stage forward. The referral is
// re-read so the decision is made against current state, not the cohort
// snapshot. An invalid mobile diverts with a recorded status change and no
// attempt; a valid one sends exactly one SMS and only transitions once the
// send has gone out, so a gateway failure leaves the status where the next
// pass expects to find it.
func (s *Sweeper) Advance(ctx context.Context, referralID uuid.UUID, now time.Time) error {
	r, err := s.referrals.GetByID(ctx, referralID)
	if err != nil {
		return fmt.Errorf("referral %s: %w", referralID, err)
	}

	if r.Mobile == nil || !referral.IsValidUKMobile(*r.Mobile) ||
		(r.IsMobileValid != nil && !*r.IsMobileValid) {
		return s.divert(ctx, r)
	}

	target, templateID, err := nextStage(r.Status)
	if err != nil {
		return err
	}

	token, err := s.tokens.Acquire(ctx, r.ID)
	if err != nil {
		return err
	}

	entry := &contact.MessageQueueEntry{
		ID:         uuid.New(),
		ReferralID: r.ID,
		Channel:    notify.ChannelSMS,
		TemplateID: templateID,
		Personalisation: map[string]string{
			"given_name": r.GivenName,
			"link":       fmt.Sprintf("%s/%s", s.linkBaseURL, token),
		},
		Recipient: *r.Mobile,
		Sent:      contact.Unsent,
		CreatedAt: now,
	}
	if err := s.contacts.Enqueue(ctx, entry); err != nil {
		var dup *contact.DuplicateQueueEntryError
		if errors.As(err, &dup) {
			s.logger.Warn().Str("ubrn", r.Ubrn).Msg("unsent message already queued, not re-enqueueing")
			return nil
		}
		return fmt.Errorf("enqueue message for %s: %w", r.Ubrn, err)
	}

	attempt := &contact.ContactAttempt{
		ID:         uuid.New(),
		ReferralID: r.ID,
		Kind:       contact.KindSms,
		ForStatus:  target,
		Number:     *r.Mobile,
		Token:      &token,
		Sent:       contact.Unsent,
		Outcome:    contact.OutcomePending,
		IsActive:   true,
		CreatedAt:  now,
	}
	if err := s.contacts.CreateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record attempt for %s: %w", r.Ubrn, err)
	}

	result, err := s.sender.Send(ctx, notify.ChannelSMS, templateID, entry.Personalisation, *r.Mobile)
	var perm *notify.PermanentError
	switch {
	case errors.As(err, &perm):
		if markErr := s.contacts.MarkAttempt(ctx, attempt.ID, contact.OutcomeInvalidNumber, now); markErr != nil {
			return markErr
		}
		if delErr := s.contacts.DeleteEntry(ctx, entry.ID); delErr != nil {
			return delErr
		}
		return s.markMobileInvalid(ctx, r)
	case err != nil:
		// Transient gateway failure. Commit the failure record with the
		// status untouched, and free the queue slot, so the next pass finds
		// the referral still due and retries. Returning the error here would
		// roll the whole unit back and lose the failed-attempt record.
		if markErr := s.contacts.MarkAttempt(ctx, attempt.ID, contact.OutcomeFailed, now); markErr != nil {
			return markErr
		}
		if delErr := s.contacts.DeleteEntry(ctx, entry.ID); delErr != nil {
			return delErr
		}
		s.logger.Warn().Err(err).Str("ubrn", r.Ubrn).Msg("send failed, will retry next pass")
		return nil
	}

	if err := s.contacts.MarkDispatched(ctx, entry.ID, result.GatewayRef, now); err != nil {
		return err
	}
	if err := s.contacts.MarkAttempt(ctx, attempt.ID, contact.OutcomeDelivered, now); err != nil {
		return err
	}

	if target != r.Status {
		if r, err = s.statuses.ChangeStatus(ctx, r.ID, target, "contact escalation", "contact-sweep"); err != nil {
			return err
		}
	}

	r.NumberOfContacts++
	r.MethodOfContact = referral.ContactMethodSMS
	r.ModifiedAt = now
	r.ModifiedBy = "contact-sweep"
	return s.referrals.Update(ctx, r)
}

// divert records the skip-ahead status change for an unreachable mobile.
// No attempt or queue entry is written, so there is no resend loop.
func (s *Sweeper) divert(ctx context.Context, r *referral.Referral) error {
	target := divertStage(r.Status)
	updated, err := s.statuses.ChangeStatus(ctx, r.ID, target,
		"invalid mobile number, diverted without contact", "contact-sweep")
	if err != nil {
		return fmt.Errorf("divert %s to %s: %w", r.Ubrn, target, err)
	}
	return s.markMobileInvalid(ctx, updated)
}

func (s *Sweeper) markMobileInvalid(ctx context.Context, r *referral.Referral) error {
	invalid := false
	r.IsMobileValid = &invalid
	return s.referrals.Update(ctx, r)
}
