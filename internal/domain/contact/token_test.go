package contact

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/batchlock"
)

type memTokenRepo struct {
	mu     sync.Mutex
	tokens []*LinkToken
}

func (m *memTokenRepo) ActiveTokenFor(_ context.Context, referralID uuid.UUID, now time.Time) (*LinkToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ReferralID != nil && *t.ReferralID == referralID && t.ExpiresAt != nil && t.ExpiresAt.After(now) {
			return t, nil
		}
	}
	return nil, nil
}

func (m *memTokenRepo) ClaimUnused(_ context.Context, referralID uuid.UUID, expiresAt time.Time) (*LinkToken, error) {
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
		m.tokens = append(m.tokens, &LinkToken{Token: token, CreatedAt: createdAt})
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

func newTestPool(t *testing.T, repo TokenRepository) *TokenPool {
	t.Helper()
	locks := batchlock.NewService(&memLockRepo{}, zerolog.Nop(), 1)
	locks.SetBackoff(time.Millisecond)
	pool := NewTokenPool(repo, locks, 28*24*time.Hour, zerolog.Nop())
	pool.SetClock(func() time.Time {
		return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	})
	return pool
}

func TestAcquireClaimsUnusedToken(t *testing.T) {
	repo := &memTokenRepo{}
	pool := newTestPool(t, repo)
	if err := repo.InsertBatch(context.Background(), []uuid.UUID{uuid.New()}, time.Now()); err != nil {
		t.Fatal(err)
	}

	referralID := uuid.New()
	token, err := pool.Acquire(context.Background(), referralID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if token == uuid.Nil {
		t.Fatal("got nil token")
	}
	if n, _ := repo.CountUnused(context.Background()); n != 0 {
		t.Errorf("unused count = %d, want 0", n)
	}
}

func TestAcquireReusesUnexpiredToken(t *testing.T) {
	repo := &memTokenRepo{}
	pool := newTestPool(t, repo)
	if err := repo.InsertBatch(context.Background(), []uuid.UUID{uuid.New(), uuid.New()}, time.Now()); err != nil {
		t.Fatal(err)
	}

	referralID := uuid.New()
	first, err := pool.Acquire(context.Background(), referralID)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	second, err := pool.Acquire(context.Background(), referralID)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first != second {
		t.Errorf("tokens differ across one attempt cycle: %s vs %s", first, second)
	}
	if n, _ := repo.CountUnused(context.Background()); n != 1 {
		t.Errorf("unused count = %d, want 1 (no second claim)", n)
	}
}

func TestAcquireAfterExpiryClaimsFresh(t *testing.T) {
	repo := &memTokenRepo{}
	pool := newTestPool(t, repo)
	if err := repo.InsertBatch(context.Background(), []uuid.UUID{uuid.New(), uuid.New()}, time.Now()); err != nil {
		t.Fatal(err)
	}

	referralID := uuid.New()
	first, err := pool.Acquire(context.Background(), referralID)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	pool.SetClock(func() time.Time {
		return time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	})
	second, err := pool.Acquire(context.Background(), referralID)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if first == second {
		t.Error("expired token must not be reused")
	}
}

func TestAcquireExhaustedPool(t *testing.T) {
	pool := newTestPool(t, &memTokenRepo{})

	_, err := pool.Acquire(context.Background(), uuid.New())
	if !errors.Is(err, ErrTokenPoolExhausted) {
		t.Fatalf("err = %v, want ErrTokenPoolExhausted", err)
	}
}

func TestGenerateTopsUpToTarget(t *testing.T) {
	repo := &memTokenRepo{}
	pool := newTestPool(t, repo)
	if err := repo.InsertBatch(context.Background(), []uuid.UUID{uuid.New(), uuid.New()}, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := pool.Generate(context.Background(), 10); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n, _ := repo.CountUnused(context.Background()); n != 10 {
		t.Errorf("unused count = %d, want 10", n)
	}

	// Already at target: no-op.
	if err := pool.Generate(context.Background(), 10); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if n, _ := repo.CountUnused(context.Background()); n != 10 {
		t.Errorf("unused count after no-op = %d, want 10", n)
	}
}

func TestGenerateRefusedWhileLockHeld(t *testing.T) {
	repo := &memTokenRepo{}
	lockRepo := &memLockRepo{}
	locks := batchlock.NewService(lockRepo, zerolog.Nop(), 0)
	locks.SetBackoff(time.Millisecond)
	pool := NewTokenPool(repo, locks, time.Hour, zerolog.Nop())

	if ok, _ := lockRepo.TryAcquire(context.Background(), batchlock.LockTokenGeneration, time.Now()); !ok {
		t.Fatal("setup: could not pre-hold lock")
	}

	err := pool.Generate(context.Background(), 5)
	if !errors.Is(err, batchlock.ErrProcessAlreadyRunning) {
		t.Fatalf("err = %v, want ErrProcessAlreadyRunning", err)
	}
	if n, _ := repo.CountUnused(context.Background()); n != 0 {
		t.Errorf("tokens generated under a held lock: %d", n)
	}
}
