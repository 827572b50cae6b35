package contact

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIsSent(t *testing.T) {
	a := &ContactAttempt{Sent: Unsent}
	if a.IsSent() {
		t.Error("sentinel timestamp must read as unsent")
	}
	a.Sent = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !a.IsSent() {
		t.Error("real timestamp must read as sent")
	}
}

func TestDuplicateQueueEntryErrorMessage(t *testing.T) {
	id := uuid.New()
	err := &DuplicateQueueEntryError{ReferralID: id, Channel: "sms"}
	if err.Error() == "" {
		t.Fatal("empty error message")
	}
}
