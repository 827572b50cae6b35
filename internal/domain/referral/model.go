package referral

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
)

// Source classifies where a referral entered the service. Fixed at creation,
// never changes.
type Source string

const (
	SourceGpReferral      Source = "GpReferral"
	SourceSelfReferral    Source = "SelfReferral"
	SourcePharmacy        Source = "Pharmacy"
	SourceMsk             Source = "Msk"
	SourceGeneralReferral Source = "GeneralReferral"
	SourceElectiveCare    Source = "ElectiveCare"
)

// Sources lists every referral source.
var Sources = []Source{
	SourceGpReferral,
	SourceSelfReferral,
	SourcePharmacy,
	SourceMsk,
	SourceGeneralReferral,
	SourceElectiveCare,
}

// ContactMethod records the last outbound channel used for a referral.
type ContactMethod string

const (
	ContactMethodNone    ContactMethod = "None"
	ContactMethodSMS     ContactMethod = "Sms"
	ContactMethodChatBot ContactMethod = "ChatBot"
	ContactMethodRmcCall ContactMethod = "RmcCall"
	ContactMethodLetter  ContactMethod = "Letter"
)

// Referral is the aggregate root for one weight-management-service referral.
// ContactAttempt rows reference it by id through the contact repository;
// there are no live object back-references.
type Referral struct {
	ID     uuid.UUID `db:"id" json:"id"`
	Ubrn   string    `db:"ubrn" json:"ubrn"`
	Source Source    `db:"source" json:"source"`
	Status Status    `db:"status" json:"status"`

	NhsNumber   *string    `db:"nhs_number" json:"nhs_number,omitempty"`
	GivenName   string     `db:"given_name" json:"given_name"`
	FamilyName  string     `db:"family_name" json:"family_name"`
	DateOfBirth time.Time  `db:"date_of_birth" json:"date_of_birth"`
	Sex         string     `db:"sex" json:"sex"`
	Ethnicity   string     `db:"ethnicity" json:"ethnicity"`
	Postcode    string     `db:"postcode" json:"postcode"`

	DeprivationQuintile int      `db:"deprivation_quintile" json:"deprivation_quintile"`
	HeightCm            *float64 `db:"height_cm" json:"height_cm,omitempty"`
	WeightKg            *float64 `db:"weight_kg" json:"weight_kg,omitempty"`
	BmiAtRegistration   *float64 `db:"bmi_at_registration" json:"bmi_at_registration,omitempty"`

	TriagedCompletionLevel *triage.Level `db:"triaged_completion_level" json:"triaged_completion_level,omitempty"`
	TriagedWeightedLevel   *triage.Level `db:"triaged_weighted_level" json:"triaged_weighted_level,omitempty"`
	OfferedCompletionLevel *triage.Level `db:"offered_completion_level" json:"offered_completion_level,omitempty"`

	Mobile           *string `db:"mobile" json:"mobile,omitempty"`
	Telephone        *string `db:"telephone" json:"telephone,omitempty"`
	IsMobileValid    *bool   `db:"is_mobile_valid" json:"is_mobile_valid,omitempty"`
	IsTelephoneValid *bool   `db:"is_telephone_valid" json:"is_telephone_valid,omitempty"`

	NumberOfContacts int           `db:"number_of_contacts" json:"number_of_contacts"`
	MethodOfContact  ContactMethod `db:"method_of_contact" json:"method_of_contact"`
	TraceCount       int           `db:"trace_count" json:"trace_count"`
	LastTraceDate    *time.Time    `db:"last_trace_date" json:"last_trace_date,omitempty"`

	ProviderID              *uuid.UUID `db:"provider_id" json:"provider_id,omitempty"`
	DateOfProviderSelection *time.Time `db:"date_of_provider_selection" json:"date_of_provider_selection,omitempty"`
	ProgrammeStartDate      *time.Time `db:"programme_start_date" json:"programme_start_date,omitempty"`

	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	ModifiedAt time.Time `db:"modified_at" json:"modified_at"`
	ModifiedBy string    `db:"modified_by" json:"modified_by"`
}

// AuditEntry is one row of the append-only referral audit trail, written on
// every mutation.
type AuditEntry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ReferralID uuid.UUID `db:"referral_id" json:"referral_id"`
	Status     Status    `db:"status" json:"status"`
	Reason     string    `db:"reason" json:"reason"`
	ModifiedAt time.Time `db:"modified_at" json:"modified_at"`
	ModifiedBy string    `db:"modified_by" json:"modified_by"`
}

// ProviderAlreadySelectedError reports an attempt to select a provider for a
// referral that already has one. The existing selection is never silently
// overwritten.
type ProviderAlreadySelectedError struct {
	ReferralID uuid.UUID
	ProviderID uuid.UUID
}

func (e *ProviderAlreadySelectedError) Error() string {
	return fmt.Sprintf("referral %s already has provider %s selected", e.ReferralID, e.ProviderID)
}

// ukMobilePattern matches UK mobile numbers in 07..., +447... or 447... form.
var ukMobilePattern = regexp.MustCompile(`^(?:\+44|44|0)7\d{9}$`)

// IsValidUKMobile reports whether number looks like a UK mobile. Spaces and
// hyphens are tolerated.
func IsValidUKMobile(number string) bool {
	cleaned := make([]byte, 0, len(number))
	for i := 0; i < len(number); i++ {
		switch number[i] {
		case ' ', '-', '(', ')':
		default:
			cleaned = append(cleaned, number[i])
		}
	}
	return ukMobilePattern.Match(cleaned)
}

var ubrnDigitsPattern = regexp.MustCompile(`^\d{12}$`)
var ubrnSelfPattern = regexp.MustCompile(`^SR\d{10}$`)

// ValidateUbrn checks the unique booking reference number against the format
// required for the referral's source. E-referral sources carry a 12-digit
// UBRN; self-referrals use the service's own SR-prefixed form.
func ValidateUbrn(ubrn string, source Source) error {
	switch source {
	case SourceSelfReferral:
		if !ubrnSelfPattern.MatchString(ubrn) {
			return fmt.Errorf("invalid self-referral ubrn %q: want SR followed by 10 digits", ubrn)
		}
	default:
		if !ubrnDigitsPattern.MatchString(ubrn) {
			return fmt.Errorf("invalid ubrn %q for source %s: want 12 digits", ubrn, source)
		}
	}
	return nil
}

// ValidateNhsNumber checks the 10-digit NHS number, including its modulus 11
// check digit.
func ValidateNhsNumber(number string) error {
	if len(number) != 10 {
		return fmt.Errorf("invalid nhs number %q: want 10 digits", number)
	}
	sum := 0
	for i := 0; i < 9; i++ {
		d := number[i]
		if d < '0' || d > '9' {
			return fmt.Errorf("invalid nhs number %q: want 10 digits", number)
		}
		sum += int(d-'0') * (10 - i)
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	last := number[9]
	if last < '0' || last > '9' {
		return fmt.Errorf("invalid nhs number %q: want 10 digits", number)
	}
	if check == 10 || check != int(last-'0') {
		return fmt.Errorf("invalid nhs number %q: check digit mismatch", number)
	}
	return nil
}

// CalculateBMI computes body mass index, rounded to one decimal place.
func CalculateBMI(heightCm, weightKg float64) (float64, error) {
	if heightCm <= 0 || weightKg <= 0 {
		return 0, fmt.Errorf("height and weight must be positive, got %.1fcm %.1fkg", heightCm, weightKg)
	}
	heightM := heightCm / 100
	return math.Round(weightKg/(heightM*heightM)*10) / 10, nil
}

// Age returns whole years at the reference time. Calendar month and day are
// compared directly; day-of-year arithmetic drifts by one around leap days.
func (r *Referral) Age(at time.Time) int {
	years := at.Year() - r.DateOfBirth.Year()
	bm, bd := r.DateOfBirth.Month(), r.DateOfBirth.Day()
	if at.Month() < bm || (at.Month() == bm && at.Day() < bd) {
		years--
	}
	return years
}

// ApplyTriage writes a scoring outcome onto the referral's three level
// fields and nothing else. A provider-selected referral is refused unless
// the caller is explicitly performing a provider-blocked correction.
func (r *Referral) ApplyTriage(out triage.Outcome, allowProviderBlocked bool) error {
	if r.ProviderID != nil && !allowProviderBlocked {
		return &ProviderAlreadySelectedError{ReferralID: r.ID, ProviderID: *r.ProviderID}
	}
	completion := out.CompletionLevel
	weighted := out.WeightedLevel
	offered := out.CompletionLevel
	r.TriagedCompletionLevel = &completion
	r.TriagedWeightedLevel = &weighted
	r.OfferedCompletionLevel = &offered
	return nil
}

// DowngradeOfferedLevel forces the offered completion level to Low when no
// provider exists at the triaged level. Triaged levels are untouched.
func (r *Referral) DowngradeOfferedLevel() {
	low := triage.LevelLow
	r.OfferedCompletionLevel = &low
}
