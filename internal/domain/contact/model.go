package contact

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/notify"
)

// AttemptKind classifies a contact attempt by channel.
type AttemptKind string

const (
	KindSms         AttemptKind = "Sms"
	KindChatBotCall AttemptKind = "ChatBotCall"
	KindRmcCall     AttemptKind = "RmcCall"
	KindLetter      AttemptKind = "Letter"
)

// Outcome is the recorded result of one attempt.
type Outcome string

const (
	OutcomePending          Outcome = "Pending"
	OutcomeDelivered        Outcome = "Delivered"
	OutcomeFailed           Outcome = "Failed"
	OutcomeInvalidNumber    Outcome = "InvalidNumber"
	OutcomeNoAnswer         Outcome = "NoAnswer"
	OutcomeTransferredToRmc Outcome = "TransferredToRmc"
)

// Unsent is the sentinel Sent value carried by an attempt before dispatch.
// The zero time never collides with a real dispatch timestamp.
var Unsent = time.Time{}

// ContactAttempt is one outbound contact owned by exactly one referral. The
// ForStatus field records which pipeline stage produced it, so cohort
// queries can tell a stage's attempt from earlier ones.
type ContactAttempt struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	ReferralID uuid.UUID       `db:"referral_id" json:"referral_id"`
	Kind       AttemptKind     `db:"kind" json:"kind"`
	ForStatus  referral.Status `db:"for_status" json:"for_status"`
	Number     string          `db:"number" json:"number"`
	Token      *uuid.UUID      `db:"token" json:"token,omitempty"`
	Sent       time.Time       `db:"sent" json:"sent"`
	Outcome    Outcome         `db:"outcome" json:"outcome"`
	IsActive   bool            `db:"is_active" json:"is_active"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// IsSent reports whether the attempt has been dispatched.
func (a *ContactAttempt) IsSent() bool {
	return !a.Sent.Equal(Unsent)
}

// MessageQueueEntry is a not-yet-dispatched notification request. At most
// one unsent entry may exist per (referral, channel); a duplicate enqueue is
// rejected, never merged.
type MessageQueueEntry struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	ReferralID      uuid.UUID         `db:"referral_id" json:"referral_id"`
	Channel         notify.Channel    `db:"channel" json:"channel"`
	TemplateID      string            `db:"template_id" json:"template_id"`
	Personalisation map[string]string `db:"personalisation" json:"personalisation"`
	Recipient       string            `db:"recipient" json:"recipient"`
	Sent            time.Time         `db:"sent" json:"sent"`
	GatewayRef      *string           `db:"gateway_ref" json:"gateway_ref,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
}

// DuplicateQueueEntryError reports an enqueue against a (referral, channel)
// pair that already has an unsent entry.
type DuplicateQueueEntryError struct {
	ReferralID uuid.UUID
	Channel    notify.Channel
}

func (e *DuplicateQueueEntryError) Error() string {
	return fmt.Sprintf("referral %s already has an unsent %s queue entry", e.ReferralID, e.Channel)
}

// LinkToken is one correlation token from the pregenerated pool. Unclaimed
// tokens have a nil ReferralID; a claimed token stays bound to its referral
// until it expires.
type LinkToken struct {
	Token      uuid.UUID  `db:"token" json:"token"`
	ReferralID *uuid.UUID `db:"referral_id" json:"referral_id,omitempty"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}
