package referral

import "fmt"

// Status is the canonical referral state. The set is closed: every value the
// system can store appears below, and membership tests go through explicit
// status sets, never arithmetic on the values.
type Status string

const (
	StatusNew Status = "New"

	// Contact escalation pipeline.
	StatusTextMessage1    Status = "TextMessage1"
	StatusTextMessage2    Status = "TextMessage2"
	StatusTextMessage3    Status = "TextMessage3"
	StatusChatBotCall1    Status = "ChatBotCall1"
	StatusChatBotCall2    Status = "ChatBotCall2"
	StatusChatBotTransfer Status = "ChatBotTransfer"
	StatusRmcCall         Status = "RmcCall"
	StatusRmcDelayed      Status = "RmcDelayed"
	StatusLetter          Status = "Letter"
	StatusLetterSent      Status = "LetterSent"

	StatusFailedToContact            Status = "FailedToContact"
	StatusFailedToContactTextMessage Status = "FailedToContactTextMessage"

	// Provider pipeline.
	StatusProviderAwaitingTrace         Status = "ProviderAwaitingTrace"
	StatusProviderAwaitingStart         Status = "ProviderAwaitingStart"
	StatusProviderAccepted              Status = "ProviderAccepted"
	StatusProviderContactedServiceUser  Status = "ProviderContactedServiceUser"
	StatusProviderStarted               Status = "ProviderStarted"
	StatusProviderCompleted             Status = "ProviderCompleted"
	StatusProviderTerminated            Status = "ProviderTerminated"
	StatusProviderTerminatedTextMessage Status = "ProviderTerminatedTextMessage"
	StatusProviderRejected              Status = "ProviderRejected"
	StatusProviderRejectedTextMessage   Status = "ProviderRejectedTextMessage"
	StatusProviderDeclinedByServiceUser Status = "ProviderDeclinedByServiceUser"
	StatusProviderDeclinedTextMessage   Status = "ProviderDeclinedTextMessage"

	// Exception and cancellation branches.
	StatusException                     Status = "Exception"
	StatusCancelledByEreferrals         Status = "CancelledByEreferrals"
	StatusRejectedToEreferrals          Status = "RejectedToEreferrals"
	StatusCancelledDuplicate            Status = "CancelledDuplicate"
	StatusCancelledDuplicateTextMessage Status = "CancelledDuplicateTextMessage"
	StatusReferralCancelled             Status = "ReferralCancelled"

	// Discharge pipeline.
	StatusAwaitingDischarge      Status = "AwaitingDischarge"
	StatusDischargeAwaitingTrace Status = "DischargeAwaitingTrace"
	StatusDischargeOnHold        Status = "DischargeOnHold"
	StatusSentForDischarge       Status = "SentForDischarge"
	StatusUnableToDischarge      Status = "UnableToDischarge"
	StatusComplete               Status = "Complete"
)

// AllStatuses enumerates the closed status vocabulary.
var AllStatuses = []Status{
	StatusNew,
	StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
	StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
	StatusRmcCall, StatusRmcDelayed,
	StatusLetter, StatusLetterSent,
	StatusFailedToContact, StatusFailedToContactTextMessage,
	StatusProviderAwaitingTrace, StatusProviderAwaitingStart,
	StatusProviderAccepted, StatusProviderContactedServiceUser,
	StatusProviderStarted, StatusProviderCompleted,
	StatusProviderTerminated, StatusProviderTerminatedTextMessage,
	StatusProviderRejected, StatusProviderRejectedTextMessage,
	StatusProviderDeclinedByServiceUser, StatusProviderDeclinedTextMessage,
	StatusException,
	StatusCancelledByEreferrals, StatusRejectedToEreferrals,
	StatusCancelledDuplicate, StatusCancelledDuplicateTextMessage,
	StatusReferralCancelled,
	StatusAwaitingDischarge, StatusDischargeAwaitingTrace,
	StatusDischargeOnHold, StatusSentForDischarge,
	StatusUnableToDischarge, StatusComplete,
}

// StatusIn reports whether s is a member of set.
func StatusIn(s Status, set []Status) bool {
	for _, member := range set {
		if s == member {
			return true
		}
	}
	return false
}

// TerminalStatuses are end states; nothing moves forward out of them except
// via the discharge pipeline where noted in the transition table.
var TerminalStatuses = []Status{
	StatusComplete,
	StatusCancelledByEreferrals,
	StatusRejectedToEreferrals,
	StatusReferralCancelled,
	StatusException,
}

// PreSelectionContactStatuses are the statuses the escalation campaign works
// through before a provider is chosen. A referral in any of these may still
// select a provider.
var PreSelectionContactStatuses = []Status{
	StatusNew,
	StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
	StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
	StatusRmcCall, StatusRmcDelayed,
	StatusLetter, StatusLetterSent,
}

// ProviderOutcomeStatuses are provider-side end-of-programme outcomes which
// re-enter the contact campaign (or the call-centre list, for GP referrals).
var ProviderOutcomeStatuses = []Status{
	StatusProviderTerminated, StatusProviderTerminatedTextMessage,
	StatusProviderRejected, StatusProviderRejectedTextMessage,
	StatusProviderDeclinedByServiceUser, StatusProviderDeclinedTextMessage,
	StatusCancelledDuplicate, StatusCancelledDuplicateTextMessage,
}

// transitionTable maps a requested status to the set of statuses it may be
// reached from. A requested status absent from the table is unreachable by
// request (New is only ever set at creation or by Reset).
var transitionTable = map[Status][]Status{
	StatusTextMessage1: {StatusNew},
	// New appears here because an invalid mobile diverts straight past the
	// first text message stage.
	StatusTextMessage2: {StatusTextMessage1, StatusNew},
	StatusTextMessage3: {StatusChatBotCall1, StatusChatBotTransfer, StatusRmcDelayed},

	StatusChatBotCall1:    {StatusTextMessage2},
	StatusChatBotCall2:    {StatusChatBotCall1},
	StatusChatBotTransfer: {StatusChatBotCall1, StatusChatBotCall2},

	StatusRmcCall: {
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusTextMessage3, StatusRmcDelayed,
		StatusProviderTerminated, StatusProviderTerminatedTextMessage,
		StatusProviderRejected, StatusProviderRejectedTextMessage,
		StatusProviderDeclinedByServiceUser, StatusProviderDeclinedTextMessage,
		StatusCancelledDuplicate, StatusCancelledDuplicateTextMessage,
		StatusFailedToContact, StatusFailedToContactTextMessage,
	},
	StatusRmcDelayed: {StatusRmcCall},

	StatusLetter:     {StatusRmcCall, StatusRmcDelayed, StatusFailedToContact},
	StatusLetterSent: {StatusLetter},

	StatusFailedToContact: {
		StatusRmcCall, StatusRmcDelayed, StatusChatBotTransfer,
		StatusTextMessage3, StatusLetterSent,
	},
	StatusFailedToContactTextMessage: {StatusFailedToContact},

	StatusProviderAwaitingTrace: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
		StatusLetter, StatusLetterSent,
	},
	StatusProviderAwaitingStart: {
		StatusProviderAwaitingTrace,
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
		StatusLetter, StatusLetterSent,
	},
	StatusProviderAccepted:             {StatusProviderAwaitingStart},
	StatusProviderContactedServiceUser: {StatusProviderAwaitingStart, StatusProviderAccepted},
	StatusProviderStarted: {
		StatusProviderAwaitingStart, StatusProviderAccepted, StatusProviderContactedServiceUser,
	},
	StatusProviderCompleted:  {StatusProviderStarted},
	StatusProviderTerminated: {StatusProviderStarted},
	StatusProviderTerminatedTextMessage: {StatusProviderStarted, StatusProviderTerminated},
	StatusProviderRejected: {
		StatusProviderAwaitingTrace, StatusProviderAwaitingStart,
		StatusProviderAccepted, StatusProviderContactedServiceUser,
	},
	StatusProviderRejectedTextMessage: {
		StatusProviderAwaitingTrace, StatusProviderAwaitingStart,
		StatusProviderAccepted, StatusProviderContactedServiceUser,
		StatusProviderRejected,
	},
	StatusProviderDeclinedByServiceUser: {
		StatusProviderAwaitingStart, StatusProviderAccepted, StatusProviderContactedServiceUser,
	},
	StatusProviderDeclinedTextMessage: {
		StatusProviderAwaitingStart, StatusProviderAccepted, StatusProviderContactedServiceUser,
		StatusProviderDeclinedByServiceUser,
	},

	StatusException: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
		StatusLetter, StatusLetterSent,
		StatusFailedToContact, StatusFailedToContactTextMessage,
		StatusProviderAwaitingTrace, StatusProviderAwaitingStart,
	},
	StatusCancelledByEreferrals: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
		StatusLetter, StatusLetterSent,
		StatusFailedToContact, StatusFailedToContactTextMessage,
	},
	StatusRejectedToEreferrals: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2,
		StatusRmcCall, StatusRmcDelayed,
		StatusException,
	},
	StatusCancelledDuplicate: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
	},
	StatusCancelledDuplicateTextMessage: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
		StatusCancelledDuplicate,
	},
	StatusReferralCancelled: {
		StatusNew,
		StatusTextMessage1, StatusTextMessage2, StatusTextMessage3,
		StatusChatBotCall1, StatusChatBotCall2, StatusChatBotTransfer,
		StatusRmcCall, StatusRmcDelayed,
		StatusLetter, StatusLetterSent,
		StatusFailedToContact, StatusFailedToContactTextMessage,
		StatusProviderAwaitingTrace, StatusProviderAwaitingStart,
	},

	StatusAwaitingDischarge: {
		StatusProviderCompleted,
		StatusProviderTerminated, StatusProviderTerminatedTextMessage,
		StatusProviderRejected, StatusProviderRejectedTextMessage,
		StatusProviderDeclinedByServiceUser, StatusProviderDeclinedTextMessage,
		StatusFailedToContact, StatusFailedToContactTextMessage,
		StatusCancelledDuplicate, StatusCancelledDuplicateTextMessage,
	},
	StatusDischargeAwaitingTrace: {StatusAwaitingDischarge},
	StatusDischargeOnHold:        {StatusAwaitingDischarge, StatusDischargeAwaitingTrace, StatusUnableToDischarge},
	StatusSentForDischarge:       {StatusAwaitingDischarge, StatusDischargeAwaitingTrace, StatusDischargeOnHold},
	StatusUnableToDischarge:      {StatusSentForDischarge, StatusDischargeAwaitingTrace},
	StatusComplete:               {StatusAwaitingDischarge, StatusSentForDischarge},
}

// StatusChangeError reports an illegal transition request. Both statuses are
// carried so the caller can see exactly what was refused; the requested state
// is never coerced to a "nearest legal" one.
type StatusChangeError struct {
	Current   Status
	Requested Status
}

func (e *StatusChangeError) Error() string {
	return fmt.Sprintf("cannot change referral status from %s to %s", e.Current, e.Requested)
}

// TryTransition reports whether current -> requested is a legal move. The
// reason is non-empty whenever allowed is false.
func TryTransition(current, requested Status) (allowed bool, reason string) {
	predecessors, ok := transitionTable[requested]
	if !ok {
		return false, fmt.Sprintf("status %s is not reachable by request", requested)
	}
	if !StatusIn(current, predecessors) {
		return false, fmt.Sprintf("status %s is not reachable from %s", requested, current)
	}
	return true, ""
}

// IsTerminal reports whether s is an end state.
func IsTerminal(s Status) bool {
	return StatusIn(s, TerminalStatuses)
}

// AliasForSource maps a requested status to its source-dependent variant.
// Provider-side terminated/rejected/declined outcomes (and duplicate
// cancellations) become the *TextMessage variant for non-GP sources so the
// service user is re-contacted by SMS; GP referrals keep the plain status and
// go straight back to the call-centre list. The function is total: every
// (status, source) pair yields a defined result, identity where no alias
// exists.
func AliasForSource(requested Status, source Source) Status {
	if source == SourceGpReferral {
		return requested
	}
	switch requested {
	case StatusProviderTerminated:
		return StatusProviderTerminatedTextMessage
	case StatusProviderRejected:
		return StatusProviderRejectedTextMessage
	case StatusProviderDeclinedByServiceUser:
		return StatusProviderDeclinedTextMessage
	case StatusCancelledDuplicate:
		return StatusCancelledDuplicateTextMessage
	case StatusFailedToContact:
		return StatusFailedToContactTextMessage
	default:
		return requested
	}
}
