package provider

import (
	"context"

	"github.com/google/uuid"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
)

// Repository is the provider directory.
type Repository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	// ListByLevel returns active providers offering programmes at the given
	// triage level.
	ListByLevel(ctx context.Context, level triage.Level) ([]*Provider, error)
}

// SubmissionRepository stores accepted provider submissions. It satisfies
// referral.SubmissionDeactivator for the Reset flow.
type SubmissionRepository interface {
	Create(ctx context.Context, s *Submission) error
	ListByReferral(ctx context.Context, referralID uuid.UUID) ([]*Submission, error)
	DeactivateByReferral(ctx context.Context, referralID uuid.UUID) error
}
