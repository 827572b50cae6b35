package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/batchlock"
)

// ErrTokenPoolExhausted reports that no unclaimed tokens remain. Callers
// must fail their whole pass on this rather than continue without a token.
var ErrTokenPoolExhausted = errors.New("link token pool exhausted")

// TokenPool hands out correlation tokens for outbound contact links. A
// referral keeps the same token for as long as it stays unexpired, so every
// message in one campaign cycle carries an identical link.
type TokenPool struct {
	repo   TokenRepository
	locks  *batchlock.Service
	expiry time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewTokenPool(repo TokenRepository, locks *batchlock.Service, expiry time.Duration, logger zerolog.Logger) *TokenPool {
	return &TokenPool{
		repo:   repo,
		locks:  locks,
		expiry: expiry,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the pool clock. Used by tests.
func (p *TokenPool) SetClock(now func() time.Time) { p.now = now }

// Acquire returns the referral's existing unexpired token, or claims an
// unclaimed one. A fresh token is never minted here; the pool is replenished
// only by Generate.
func (p *TokenPool) Acquire(ctx context.Context, referralID uuid.UUID) (uuid.UUID, error) {
	now := p.now().UTC()

	existing, err := p.repo.ActiveTokenFor(ctx, referralID, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("look up token for referral %s: %w", referralID, err)
	}
	if existing != nil {
		return existing.Token, nil
	}

	claimed, err := p.repo.ClaimUnused(ctx, referralID, now.Add(p.expiry))
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim token for referral %s: %w", referralID, err)
	}
	if claimed == nil {
		return uuid.Nil, ErrTokenPoolExhausted
	}
	return claimed.Token, nil
}

// Generate tops the pool back up to target unclaimed tokens. It runs under
// its own batch lock so concurrent instances never double-generate.
func (p *TokenPool) Generate(ctx context.Context, target int) error {
	return p.locks.WithLock(ctx, batchlock.LockTokenGeneration, func(ctx context.Context) error {
		unused, err := p.repo.CountUnused(ctx)
		if err != nil {
			return fmt.Errorf("count unused tokens: %w", err)
		}
		if unused >= target {
			return nil
		}

		tokens := make([]uuid.UUID, target-unused)
		for i := range tokens {
			tokens[i] = uuid.New()
		}
		if err := p.repo.InsertBatch(ctx, tokens, p.now().UTC()); err != nil {
			return fmt.Errorf("insert token batch: %w", err)
		}
		p.logger.Info().Int("generated", len(tokens)).Int("target", target).Msg("link token pool replenished")
		return nil
	})
}
