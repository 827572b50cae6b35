package contact

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
)

// Repository stores contact attempts and the outbound message queue.
type Repository interface {
	CreateAttempt(ctx context.Context, a *ContactAttempt) error
	ListAttempts(ctx context.Context, referralID uuid.UUID) ([]*ContactAttempt, error)
	// MarkAttempt records dispatch time and outcome for one attempt.
	MarkAttempt(ctx context.Context, attemptID uuid.UUID, outcome Outcome, sentAt time.Time) error
	// DeactivateByReferral retires every attempt on the referral so a fresh
	// pipeline run starts with a clean contact history.
	DeactivateByReferral(ctx context.Context, referralID uuid.UUID) error

	// FirstContactAt returns the dispatch time of the referral's earliest
	// active sent attempt, or nil when nothing has been sent yet.
	FirstContactAt(ctx context.Context, referralID uuid.UUID) (*time.Time, error)
	// HasDeliveredAttemptForStatus reports whether the referral has an
	// active delivered attempt recorded against the given pipeline stage.
	HasDeliveredAttemptForStatus(ctx context.Context, referralID uuid.UUID, status referral.Status) (bool, error)
	// LastAttemptAt returns the dispatch time of the referral's most recent
	// active sent attempt, ignoring failed sends, or nil when nothing has
	// gone out yet.
	LastAttemptAt(ctx context.Context, referralID uuid.UUID) (*time.Time, error)

	// Enqueue adds an unsent queue entry, failing with
	// DuplicateQueueEntryError when the (referral, channel) pair already has
	// one.
	Enqueue(ctx context.Context, entry *MessageQueueEntry) error
	// DeleteEntry removes a queue entry whose send was answered, so the
	// (referral, channel) slot frees up for the next pass.
	DeleteEntry(ctx context.Context, entryID uuid.UUID) error
	MarkDispatched(ctx context.Context, entryID uuid.UUID, gatewayRef string, sentAt time.Time) error
}

// TokenRepository stores the pregenerated link-token pool.
type TokenRepository interface {
	// ActiveTokenFor returns the referral's unexpired token, or nil.
	ActiveTokenFor(ctx context.Context, referralID uuid.UUID, now time.Time) (*LinkToken, error)
	// ClaimUnused atomically binds one unclaimed token to the referral.
	// Returns nil when the pool is empty.
	ClaimUnused(ctx context.Context, referralID uuid.UUID, expiresAt time.Time) (*LinkToken, error)
	InsertBatch(ctx context.Context, tokens []uuid.UUID, createdAt time.Time) error
	CountUnused(ctx context.Context) (int, error)
}
