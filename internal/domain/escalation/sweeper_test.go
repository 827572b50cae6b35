package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/batchlock"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/contact"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/notify"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/postcode"
)

type memReferralRepo struct {
	byID  map[uuid.UUID]*referral.Referral
	audit []*referral.AuditEntry
}

func newMemReferralRepo() *memReferralRepo {
	return &memReferralRepo{byID: make(map[uuid.UUID]*referral.Referral)}
}

func (m *memReferralRepo) Create(_ context.Context, r *referral.Referral) error {
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memReferralRepo) GetByID(_ context.Context, id uuid.UUID) (*referral.Referral, error) {
	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("referral not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memReferralRepo) GetByUbrn(_ context.Context, ubrn string) (*referral.Referral, error) {
	for _, r := range m.byID {
		if r.Ubrn == ubrn {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("referral not found")
}

func (m *memReferralRepo) Update(_ context.Context, r *referral.Referral) error {
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memReferralRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	m.byID[id].IsActive = false
	return nil
}

func (m *memReferralRepo) ListActiveByStatuses(_ context.Context, statuses []referral.Status) ([]*referral.Referral, error) {
	var items []*referral.Referral
	for _, r := range m.byID {
		if r.IsActive && referral.StatusIn(r.Status, statuses) {
			cp := *r
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (m *memReferralRepo) List(_ context.Context, statuses []referral.Status, limit, offset int) ([]*referral.Referral, int, error) {
	return nil, 0, nil
}

func (m *memReferralRepo) AppendAudit(_ context.Context, e *referral.AuditEntry) error {
	m.audit = append(m.audit, e)
	return nil
}

func (m *memReferralRepo) ListAudit(_ context.Context, referralID uuid.UUID) ([]*referral.AuditEntry, error) {
	var items []*referral.AuditEntry
	for _, e := range m.audit {
		if e.ReferralID == referralID {
			items = append(items, e)
		}
	}
	return items, nil
}

type memContactRepo struct {
	attempts []*contact.ContactAttempt
	queue    []*contact.MessageQueueEntry
}

func (m *memContactRepo) CreateAttempt(_ context.Context, a *contact.ContactAttempt) error {
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *memContactRepo) ListAttempts(_ context.Context, referralID uuid.UUID) ([]*contact.ContactAttempt, error) {
	var items []*contact.ContactAttempt
	for _, a := range m.attempts {
		if a.ReferralID == referralID {
			items = append(items, a)
		}
	}
	return items, nil
}

func (m *memContactRepo) MarkAttempt(_ context.Context, attemptID uuid.UUID, outcome contact.Outcome, sentAt time.Time) error {
	for _, a := range m.attempts {
		if a.ID == attemptID {
			a.Outcome = outcome
			a.Sent = sentAt
			return nil
		}
	}
	return fmt.Errorf("attempt not found")
}

func (m *memContactRepo) DeactivateByReferral(_ context.Context, referralID uuid.UUID) error {
	for _, a := range m.attempts {
		if a.ReferralID == referralID {
			a.IsActive = false
		}
	}
	return nil
}

func (m *memContactRepo) FirstContactAt(_ context.Context, referralID uuid.UUID) (*time.Time, error) {
	var first *time.Time
	for _, a := range m.attempts {
		if a.ReferralID == referralID && a.IsActive && a.IsSent() {
			if first == nil || a.Sent.Before(*first) {
				sent := a.Sent
				first = &sent
			}
		}
	}
	return first, nil
}

func (m *memContactRepo) LastAttemptAt(_ context.Context, referralID uuid.UUID) (*time.Time, error) {
	var last *time.Time
	for _, a := range m.attempts {
		if a.ReferralID == referralID && a.IsActive && a.IsSent() && a.Outcome != contact.OutcomeFailed {
			if last == nil || a.Sent.After(*last) {
				sent := a.Sent
				last = &sent
			}
		}
	}
	return last, nil
}

func (m *memContactRepo) HasDeliveredAttemptForStatus(_ context.Context, referralID uuid.UUID, status referral.Status) (bool, error) {
	for _, a := range m.attempts {
		if a.ReferralID == referralID && a.IsActive && a.ForStatus == status && a.Outcome == contact.OutcomeDelivered {
			return true, nil
		}
	}
	return false, nil
}

func (m *memContactRepo) Enqueue(_ context.Context, entry *contact.MessageQueueEntry) error {
	for _, e := range m.queue {
		if e.ReferralID == entry.ReferralID && e.Channel == entry.Channel && e.Sent.Equal(contact.Unsent) {
			return &contact.DuplicateQueueEntryError{ReferralID: entry.ReferralID, Channel: entry.Channel}
		}
	}
	cp := *entry
	m.queue = append(m.queue, &cp)
	return nil
}

func (m *memContactRepo) DeleteEntry(_ context.Context, entryID uuid.UUID) error {
	for i, e := range m.queue {
		if e.ID == entryID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("queue entry not found")
}

func (m *memContactRepo) MarkDispatched(_ context.Context, entryID uuid.UUID, gatewayRef string, sentAt time.Time) error {
	for _, e := range m.queue {
		if e.ID == entryID {
			e.Sent = sentAt
			e.GatewayRef = &gatewayRef
			return nil
		}
	}
	return fmt.Errorf("queue entry not found")
}

type memTokenRepo struct {
	mu     sync.Mutex
	tokens []*contact.LinkToken
}

func (m *memTokenRepo) ActiveTokenFor(_ context.Context, referralID uuid.UUID, now time.Time) (*contact.LinkToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ReferralID != nil && *t.ReferralID == referralID && t.ExpiresAt != nil && t.ExpiresAt.After(now) {
			return t, nil
		}
	}
	return nil, nil
}

func (m *memTokenRepo) ClaimUnused(_ context.Context, referralID uuid.UUID, expiresAt time.Time) (*contact.LinkToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ReferralID == nil {
			rid := referralID
			exp := expiresAt
			t.ReferralID = &rid
			t.ExpiresAt = &exp
			return t, nil
		}
	}
	return nil, nil
}

func (m *memTokenRepo) InsertBatch(_ context.Context, tokens []uuid.UUID, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range tokens {
		m.tokens = append(m.tokens, &contact.LinkToken{Token: token, CreatedAt: createdAt})
	}
	return nil
}

func (m *memTokenRepo) CountUnused(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.ReferralID == nil {
			n++
		}
	}
	return n, nil
}

type memLockRepo struct {
	mu     sync.Mutex
	locked map[string]bool
}

func (m *memLockRepo) TryAcquire(_ context.Context, name string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked == nil {
		m.locked = make(map[string]bool)
	}
	if m.locked[name] {
		return false, nil
	}
	m.locked[name] = true
	return true, nil
}

func (m *memLockRepo) Release(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[name] = false
	return nil
}

type configRepoStub struct{ cfg *triage.Configuration }

func (s *configRepoStub) Latest(_ context.Context) (*triage.Configuration, error) { return s.cfg, nil }
func (s *configRepoStub) Save(_ context.Context, _ *triage.Configuration) error   { return nil }

type submissionsStub struct{}

func (submissionsStub) DeactivateByReferral(_ context.Context, _ uuid.UUID) error { return nil }

func testTriageConfig() *triage.Configuration {
	cfg := &triage.Configuration{
		Version: 1,
		Scores: map[triage.Dimension]map[string]triage.ScorePair{
			triage.DimensionAgeGroup: {
				"18-39": {Completion: 1, Weight: 1}, "40-49": {Completion: 2, Weight: 2},
				"50-59": {Completion: 2, Weight: 2}, "60-69": {Completion: 3, Weight: 2},
				"70+": {Completion: 3, Weight: 3},
			},
			triage.DimensionSex: {
				"Female": {Completion: 2, Weight: 1}, "Male": {Completion: 1, Weight: 2},
			},
			triage.DimensionEthnicity: {
				"White British": {Completion: 2, Weight: 1},
			},
			triage.DimensionDeprivation: {
				"1": {Completion: 1, Weight: 3}, "2": {Completion: 1, Weight: 2},
				"3": {Completion: 2, Weight: 2}, "4": {Completion: 2, Weight: 1},
				"5": {Completion: 3, Weight: 1},
			},
		},
		MinimumPossibleScore: 4, MaximumPossibleScore: 11,
		CompletionLowThreshold: 5, CompletionHighThreshold: 8,
		WeightedLowThreshold: 5, WeightedHighThreshold: 8,
	}
	cfg.StampChecksums()
	return cfg
}

// fixture wires a full in-memory campaign: referral store, contact store,
// token pool with five pregenerated tokens, mock SMS gateway.
type fixture struct {
	referrals *memReferralRepo
	contacts  *memContactRepo
	tokenRepo *memTokenRepo
	sender    *notify.MockSender
	svc       *referral.Service
	sweeper   *Sweeper
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		referrals: newMemReferralRepo(),
		contacts:  &memContactRepo{},
		tokenRepo: &memTokenRepo{},
		sender:    &notify.MockSender{},
		now:       time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
	engine := triage.NewEngine(&configRepoStub{cfg: testTriageConfig()}, zerolog.Nop())
	lookup := &postcode.StaticLookup{Quintiles: map[string]int{"ST4 4LX": 3}}
	f.svc = referral.NewService(f.referrals, engine, lookup, submissionsStub{}, f.contacts, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.now })

	locks := batchlock.NewService(&memLockRepo{}, zerolog.Nop(), 1)
	locks.SetBackoff(time.Millisecond)
	pool := contact.NewTokenPool(f.tokenRepo, locks, 28*24*time.Hour, zerolog.Nop())
	pool.SetClock(func() time.Time { return f.now })

	tokens := make([]uuid.UUID, 5)
	for i := range tokens {
		tokens[i] = uuid.New()
	}
	if err := f.tokenRepo.InsertBatch(context.Background(), tokens, f.now); err != nil {
		t.Fatal(err)
	}

	f.sweeper = NewSweeper(
		f.referrals, f.svc, f.contacts, pool, f.sender, locks, NopTxRunner,
		Windows{
			SMS1Recontact: 48 * time.Hour,
			SMS2Recontact: 96 * time.Hour,
			SMS3Recontact: 72 * time.Hour,
			RmcDelay:      72 * time.Hour,
			MaxLookBack:   45 * 24 * time.Hour,
		},
		"https://links.example/c", "WMS", zerolog.Nop(),
	)
	f.sweeper.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advanceClock(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) createReferral(t *testing.T, mobile string) *referral.Referral {
	t.Helper()
	height, weight := 170.0, 95.0
	cmd := referral.CreateCommand{
		Ubrn:        fmt.Sprintf("%012d", len(f.referrals.byID)+1),
		Source:      referral.SourceGpReferral,
		GivenName:   "Pat",
		FamilyName:  "Smith",
		DateOfBirth: time.Date(1980, 1, 20, 0, 0, 0, 0, time.UTC),
		Sex:         "Female",
		Ethnicity:   "White British",
		Postcode:    "ST4 4LX",
		HeightCm:    &height,
		WeightKg:    &weight,
		Actor:       "test",
	}
	if mobile != "" {
		cmd.Mobile = &mobile
	}
	r, err := f.svc.Create(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create referral: %v", err)
	}
	return r
}

func TestSweepAdvancesNewReferralToTextMessage1(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")

	if *r.TriagedCompletionLevel != triage.LevelHigh || *r.TriagedWeightedLevel != triage.LevelMedium {
		t.Fatalf("triage fixture broken: %v/%v", *r.TriagedCompletionLevel, *r.TriagedWeightedLevel)
	}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := f.referrals.byID[r.ID]
	if got.Status != referral.StatusTextMessage1 {
		t.Errorf("status = %s, want TextMessage1", got.Status)
	}
	if got.NumberOfContacts != 1 {
		t.Errorf("NumberOfContacts = %d, want 1", got.NumberOfContacts)
	}
	if len(f.contacts.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(f.contacts.attempts))
	}
	if f.contacts.attempts[0].Outcome != contact.OutcomeDelivered {
		t.Errorf("attempt outcome = %s, want Delivered", f.contacts.attempts[0].Outcome)
	}
	calls := f.sender.Calls()
	if len(calls) != 1 || calls[0].TemplateID != notify.TemplateSMS1 {
		t.Fatalf("sends = %v, want one SMS1", calls)
	}
}

func TestSweepSecondPassAfterWindowAdvancesToTextMessage2(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep: %v", err)
	}
	firstToken := *f.contacts.attempts[0].Token

	// Inside the window: nothing is due.
	f.advanceClock(24 * time.Hour)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("early Sweep: %v", err)
	}
	if got := f.referrals.byID[r.ID]; got.Status != referral.StatusTextMessage1 {
		t.Fatalf("status advanced inside recontact window: %s", got.Status)
	}

	f.advanceClock(96 * time.Hour)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}

	got := f.referrals.byID[r.ID]
	if got.Status != referral.StatusTextMessage2 {
		t.Errorf("status = %s, want TextMessage2", got.Status)
	}
	if got.NumberOfContacts != 2 {
		t.Errorf("NumberOfContacts = %d, want 2", got.NumberOfContacts)
	}
	if len(f.contacts.attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(f.contacts.attempts))
	}
	// Token stability: same campaign cycle, same token, same link.
	if *f.contacts.attempts[1].Token != firstToken {
		t.Errorf("token changed across one campaign cycle: %s vs %s",
			firstToken, *f.contacts.attempts[1].Token)
	}
	calls := f.sender.Calls()
	if calls[1].TemplateID != notify.TemplateSMS2 {
		t.Errorf("second template = %s, want SMS2", calls[1].TemplateID)
	}
	if calls[0].Personalisation["link"] != calls[1].Personalisation["link"] {
		t.Errorf("outbound link changed: %s vs %s",
			calls[0].Personalisation["link"], calls[1].Personalisation["link"])
	}
}

func TestSweepDivertsInvalidMobileWithoutContact(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "01632960001") // landline, fails UK-mobile shape

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := f.referrals.byID[r.ID]
	if got.Status != referral.StatusTextMessage2 {
		t.Errorf("status = %s, want divert to TextMessage2", got.Status)
	}
	if got.IsMobileValid == nil || *got.IsMobileValid {
		t.Error("IsMobileValid must be recorded false")
	}
	if len(f.contacts.attempts) != 0 {
		t.Errorf("attempts = %d, want none for a diverted referral", len(f.contacts.attempts))
	}
	if len(f.sender.Calls()) != 0 {
		t.Error("no SMS may be sent to an invalid mobile")
	}
	// The diversion is an explicit recorded status change, not a no-op.
	entries, _ := f.referrals.ListAudit(context.Background(), r.ID)
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want creation plus diversion", len(entries))
	}
	if entries[1].Status != referral.StatusTextMessage2 {
		t.Errorf("diversion audit status = %s, want TextMessage2", entries[1].Status)
	}
}

func TestSweepSkipsProviderSelectedReferrals(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")
	if _, err := f.svc.SelectProvider(context.Background(), r.ID, uuid.New(), "test"); err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(f.sender.Calls()) != 0 {
		t.Error("provider-selected referrals must not be contacted")
	}
}

func TestSweepPostSelectionRecontactOncePerStatusEntry(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")
	stored := f.referrals.byID[r.ID]
	stored.Status = referral.StatusProviderRejectedTextMessage

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	calls := f.sender.Calls()
	if len(calls) != 1 || calls[0].TemplateID != notify.TemplateProviderRejected {
		t.Fatalf("sends = %v, want one provider-rejected SMS", calls)
	}
	if got := f.referrals.byID[r.ID]; got.Status != referral.StatusProviderRejectedTextMessage {
		t.Errorf("post-selection contact must not change status, got %s", got.Status)
	}

	// Delivered once for this status: a later pass stays quiet.
	f.advanceClock(200 * time.Hour)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if len(f.sender.Calls()) != 1 {
		t.Errorf("sends = %d, want still 1", len(f.sender.Calls()))
	}
}

func TestSweepSkipsStalePostRmcReferrals(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")
	stored := f.referrals.byID[r.ID]
	stored.Status = referral.StatusChatBotCall1

	// First contact 46 days ago, outside the 45-day look-back.
	staleSent := f.now.Add(-46 * 24 * time.Hour)
	f.contacts.attempts = append(f.contacts.attempts, &contact.ContactAttempt{
		ID: uuid.New(), ReferralID: r.ID, Kind: contact.KindSms,
		ForStatus: referral.StatusTextMessage1, Sent: staleSent,
		Outcome: contact.OutcomeDelivered, IsActive: true, CreatedAt: staleSent,
	})

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := f.referrals.byID[r.ID]; got.Status != referral.StatusChatBotCall1 {
		t.Errorf("stale referral advanced to %s", got.Status)
	}
	if len(f.sender.Calls()) != 0 {
		t.Error("stale referrals must not be contacted")
	}
}

func TestSweepPostRmcSendsTextMessage3(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")
	stored := f.referrals.byID[r.ID]
	stored.Status = referral.StatusChatBotTransfer

	// Recent first contact keeps it inside the look-back.
	recent := f.now.Add(-10 * 24 * time.Hour)
	f.contacts.attempts = append(f.contacts.attempts, &contact.ContactAttempt{
		ID: uuid.New(), ReferralID: r.ID, Kind: contact.KindSms,
		ForStatus: referral.StatusTextMessage1, Sent: recent,
		Outcome: contact.OutcomeDelivered, IsActive: true, CreatedAt: recent,
	})

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := f.referrals.byID[r.ID]
	if got.Status != referral.StatusTextMessage3 {
		t.Errorf("status = %s, want TextMessage3", got.Status)
	}
	calls := f.sender.Calls()
	if len(calls) != 1 || calls[0].TemplateID != notify.TemplateSMS3 {
		t.Fatalf("sends = %v, want one SMS3", calls)
	}
}

func TestSweepTokenPoolExhaustionAbortsPass(t *testing.T) {
	f := newFixture(t)
	// Drain the pool.
	f.tokenRepo.mu.Lock()
	f.tokenRepo.tokens = nil
	f.tokenRepo.mu.Unlock()

	r := f.createReferral(t, "07700900123")

	err := f.sweeper.Sweep(context.Background())
	if !errors.Is(err, contact.ErrTokenPoolExhausted) {
		t.Fatalf("err = %v, want ErrTokenPoolExhausted", err)
	}
	if got := f.referrals.byID[r.ID]; got.Status != referral.StatusNew {
		t.Errorf("status = %s, want New untouched on an aborted pass", got.Status)
	}
}

func TestSweepRefusedWhileAnotherInstanceRuns(t *testing.T) {
	f := newFixture(t)
	f.createReferral(t, "07700900123")

	lockRepo := &memLockRepo{}
	locks := batchlock.NewService(lockRepo, zerolog.Nop(), 0)
	locks.SetBackoff(time.Millisecond)
	f.sweeper.locks = locks
	if ok, _ := lockRepo.TryAcquire(context.Background(), batchlock.LockContactSweep, f.now); !ok {
		t.Fatal("setup: could not pre-hold lock")
	}

	err := f.sweeper.Sweep(context.Background())
	if !errors.Is(err, batchlock.ErrProcessAlreadyRunning) {
		t.Fatalf("err = %v, want ErrProcessAlreadyRunning", err)
	}
	if len(f.sender.Calls()) != 0 {
		t.Error("no referral may be touched when the lock is held elsewhere")
	}
}

// recipientFailingSender fails transiently for one recipient only.
type recipientFailingSender struct {
	notify.MockSender
	failFor string
}

func (s *recipientFailingSender) Send(ctx context.Context, channel notify.Channel, templateID string, personalisation map[string]string, recipient string) (*notify.Result, error) {
	if recipient == s.failFor {
		return nil, errors.New("gateway timeout")
	}
	return s.MockSender.Send(ctx, channel, templateID, personalisation, recipient)
}

func TestSweepIsolatesPerReferralFailures(t *testing.T) {
	f := newFixture(t)
	broken := f.createReferral(t, "07700900111")
	healthy := f.createReferral(t, "07700900222")

	sender := &recipientFailingSender{failFor: "07700900111"}
	f.sweeper.sender = sender

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := f.referrals.byID[healthy.ID]; got.Status != referral.StatusTextMessage1 {
		t.Errorf("healthy referral status = %s, want TextMessage1", got.Status)
	}
	if got := f.referrals.byID[healthy.ID]; got.NumberOfContacts != 1 {
		t.Errorf("healthy NumberOfContacts = %d, want 1", got.NumberOfContacts)
	}
	if got := f.referrals.byID[broken.ID]; got.Status != referral.StatusNew || got.NumberOfContacts != 0 {
		t.Errorf("failed referral = %s/%d contacts, want New/0", got.Status, got.NumberOfContacts)
	}
}

func TestSweepRetriesAfterTransientSendFailure(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")

	f.sweeper.sender = &recipientFailingSender{failFor: "07700900123"}
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("failing Sweep: %v", err)
	}

	// The failure is recorded but the status stays put, so the referral is
	// still due rather than silently stuck a stage ahead.
	got := f.referrals.byID[r.ID]
	if got.Status != referral.StatusNew {
		t.Fatalf("status after failed send = %s, want New", got.Status)
	}
	if len(f.contacts.attempts) != 1 || f.contacts.attempts[0].Outcome != contact.OutcomeFailed {
		t.Fatalf("attempts = %v, want one Failed", f.contacts.attempts)
	}
	if len(f.contacts.queue) != 0 {
		t.Fatalf("queue entries = %d, want none after a failed send", len(f.contacts.queue))
	}

	healthy := &notify.MockSender{}
	f.sweeper.sender = healthy
	f.advanceClock(time.Hour)
	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("retry Sweep: %v", err)
	}

	got = f.referrals.byID[r.ID]
	if got.Status != referral.StatusTextMessage1 {
		t.Errorf("status after retry = %s, want TextMessage1", got.Status)
	}
	if got.NumberOfContacts != 1 {
		t.Errorf("NumberOfContacts = %d, want 1", got.NumberOfContacts)
	}
	if len(healthy.Calls()) != 1 {
		t.Errorf("retry sends = %d, want 1", len(healthy.Calls()))
	}
}

func TestSweepRecontactsAfterResetReentersStatus(t *testing.T) {
	f := newFixture(t)
	r := f.createReferral(t, "07700900123")
	f.referrals.byID[r.ID].Status = referral.StatusProviderRejectedTextMessage

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep: %v", err)
	}
	if len(f.sender.Calls()) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.sender.Calls()))
	}

	// Reset retires the delivered attempt along with the provider fields.
	if _, err := f.svc.Reset(context.Background(), r.ID, referral.StatusRmcCall, "start over", "test"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// The referral works back to the same rejection outcome.
	f.referrals.byID[r.ID].Status = referral.StatusProviderRejectedTextMessage
	f.advanceClock(12 * 24 * time.Hour)

	if err := f.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if len(f.sender.Calls()) != 2 {
		t.Errorf("sends = %d, want 2 after re-entering the status", len(f.sender.Calls()))
	}
}
