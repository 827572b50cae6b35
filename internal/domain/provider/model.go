package provider

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
)

// Provider is one external weight-management programme provider.
type Provider struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	Level     triage.Level `db:"level" json:"level"`
	Active    bool         `db:"active" json:"active"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// ProgressUpdate is one dated progress fact inside a submission.
type ProgressUpdate struct {
	Date     time.Time `db:"date" json:"date"`
	WeightKg *float64  `db:"weight_kg" json:"weight_kg,omitempty"`
	Note     string    `db:"note" json:"note,omitempty"`
}

// SubmissionRecord is one incoming provider submission, addressed by booking
// reference. A bulk request may carry several records for the same
// reference; they are coalesced before validation.
type SubmissionRecord struct {
	Ubrn            string           `json:"ubrn"`
	RequestedStatus referral.Status  `json:"requested_status"`
	Updates         []ProgressUpdate `json:"updates"`
}

// Submission is a stored, accepted submission. Reset deactivates a
// referral's submissions so stale progress never survives a restart.
type Submission struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	ProviderID      uuid.UUID        `db:"provider_id" json:"provider_id"`
	ReferralID      uuid.UUID        `db:"referral_id" json:"referral_id"`
	Ubrn            string           `db:"ubrn" json:"ubrn"`
	RequestedStatus referral.Status  `db:"requested_status" json:"requested_status"`
	Updates         []ProgressUpdate `db:"updates" json:"updates"`
	IsActive        bool             `db:"is_active" json:"is_active"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}

// Result reports one booking reference's outcome. A bulk request yields
// exactly one Result per distinct reference.
type Result struct {
	Ubrn     string          `json:"ubrn"`
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Status   referral.Status `json:"status,omitempty"`
}

// ValidationError is a per-record business-rule violation. One bad record
// never blocks the rest of the batch.
type ValidationError struct {
	Ubrn   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission for %s rejected: %s", e.Ubrn, e.Reason)
}
