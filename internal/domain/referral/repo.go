package referral

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the durable store for referrals and their audit trail.
type Repository interface {
	Create(ctx context.Context, r *Referral) error
	GetByID(ctx context.Context, id uuid.UUID) (*Referral, error)
	GetByUbrn(ctx context.Context, ubrn string) (*Referral, error)
	Update(ctx context.Context, r *Referral) error
	Deactivate(ctx context.Context, id uuid.UUID) error

	// ListActiveByStatuses returns active referrals currently in any of the
	// given statuses, in stable (creation) order.
	ListActiveByStatuses(ctx context.Context, statuses []Status) ([]*Referral, error)

	// List returns a page of active referrals in creation order, optionally
	// filtered by status, together with the total matching count.
	List(ctx context.Context, statuses []Status, limit, offset int) ([]*Referral, int, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, referralID uuid.UUID) ([]*AuditEntry, error)
}

// SubmissionDeactivator deactivates prior provider submissions for a
// referral. Implemented by the provider package; declared here so Reset does
// not need to import it.
type SubmissionDeactivator interface {
	DeactivateByReferral(ctx context.Context, referralID uuid.UUID) error
}

// AttemptDeactivator retires a referral's contact attempts so a reset or
// soft-deleted referral carries no live contact history. Implemented by the
// contact package; declared here so Reset does not need to import it.
type AttemptDeactivator interface {
	DeactivateByReferral(ctx context.Context, referralID uuid.UUID) error
}
