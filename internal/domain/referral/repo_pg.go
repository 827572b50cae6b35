package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const referralCols = `id, ubrn, source, status, nhs_number, given_name, family_name,
	date_of_birth, sex, ethnicity, postcode, deprivation_quintile,
	height_cm, weight_kg, bmi_at_registration,
	triaged_completion_level, triaged_weighted_level, offered_completion_level,
	mobile, telephone, is_mobile_valid, is_telephone_valid,
	number_of_contacts, method_of_contact, trace_count, last_trace_date,
	provider_id, date_of_provider_selection, programme_start_date,
	is_active, created_at, modified_at, modified_by`

func (r *repoPG) scan(row pgx.Row) (*Referral, error) {
	var ref Referral
	err := row.Scan(&ref.ID, &ref.Ubrn, &ref.Source, &ref.Status, &ref.NhsNumber,
		&ref.GivenName, &ref.FamilyName,
		&ref.DateOfBirth, &ref.Sex, &ref.Ethnicity, &ref.Postcode, &ref.DeprivationQuintile,
		&ref.HeightCm, &ref.WeightKg, &ref.BmiAtRegistration,
		&ref.TriagedCompletionLevel, &ref.TriagedWeightedLevel, &ref.OfferedCompletionLevel,
		&ref.Mobile, &ref.Telephone, &ref.IsMobileValid, &ref.IsTelephoneValid,
		&ref.NumberOfContacts, &ref.MethodOfContact, &ref.TraceCount, &ref.LastTraceDate,
		&ref.ProviderID, &ref.DateOfProviderSelection, &ref.ProgrammeStartDate,
		&ref.IsActive, &ref.CreatedAt, &ref.ModifiedAt, &ref.ModifiedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("referral not found")
	}
	return &ref, err
}

func (r *repoPG) Create(ctx context.Context, ref *Referral) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral (`+referralCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)`,
		ref.ID, ref.Ubrn, ref.Source, ref.Status, ref.NhsNumber,
		ref.GivenName, ref.FamilyName,
		ref.DateOfBirth, ref.Sex, ref.Ethnicity, ref.Postcode, ref.DeprivationQuintile,
		ref.HeightCm, ref.WeightKg, ref.BmiAtRegistration,
		ref.TriagedCompletionLevel, ref.TriagedWeightedLevel, ref.OfferedCompletionLevel,
		ref.Mobile, ref.Telephone, ref.IsMobileValid, ref.IsTelephoneValid,
		ref.NumberOfContacts, ref.MethodOfContact, ref.TraceCount, ref.LastTraceDate,
		ref.ProviderID, ref.DateOfProviderSelection, ref.ProgrammeStartDate,
		ref.IsActive, ref.CreatedAt, ref.ModifiedAt, ref.ModifiedBy)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Referral, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+referralCols+` FROM referral WHERE id = $1`, id))
}

func (r *repoPG) GetByUbrn(ctx context.Context, ubrn string) (*Referral, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+referralCols+` FROM referral WHERE ubrn = $1`, ubrn))
}

func (r *repoPG) Update(ctx context.Context, ref *Referral) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE referral SET status=$2, nhs_number=$3, given_name=$4, family_name=$5,
			date_of_birth=$6, sex=$7, ethnicity=$8, postcode=$9, deprivation_quintile=$10,
			height_cm=$11, weight_kg=$12, bmi_at_registration=$13,
			triaged_completion_level=$14, triaged_weighted_level=$15, offered_completion_level=$16,
			mobile=$17, telephone=$18, is_mobile_valid=$19, is_telephone_valid=$20,
			number_of_contacts=$21, method_of_contact=$22, trace_count=$23, last_trace_date=$24,
			provider_id=$25, date_of_provider_selection=$26, programme_start_date=$27,
			is_active=$28, modified_at=$29, modified_by=$30
		WHERE id = $1`,
		ref.ID, ref.Status, ref.NhsNumber, ref.GivenName, ref.FamilyName,
		ref.DateOfBirth, ref.Sex, ref.Ethnicity, ref.Postcode, ref.DeprivationQuintile,
		ref.HeightCm, ref.WeightKg, ref.BmiAtRegistration,
		ref.TriagedCompletionLevel, ref.TriagedWeightedLevel, ref.OfferedCompletionLevel,
		ref.Mobile, ref.Telephone, ref.IsMobileValid, ref.IsTelephoneValid,
		ref.NumberOfContacts, ref.MethodOfContact, ref.TraceCount, ref.LastTraceDate,
		ref.ProviderID, ref.DateOfProviderSelection, ref.ProgrammeStartDate,
		ref.IsActive, ref.ModifiedAt, ref.ModifiedBy)
	return err
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE referral SET is_active = FALSE, modified_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *repoPG) ListActiveByStatuses(ctx context.Context, statuses []Status) ([]*Referral, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+referralCols+` FROM referral
		WHERE is_active = TRUE AND status = ANY($1)
		ORDER BY created_at`, values)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Referral
	for rows.Next() {
		ref, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ref)
	}
	return items, rows.Err()
}

func (r *repoPG) List(ctx context.Context, statuses []Status, limit, offset int) ([]*Referral, int, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	// An empty status list matches everything.
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM referral
		WHERE is_active = TRUE AND ($1 = 0 OR status = ANY($2))`,
		len(values), values).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+referralCols+` FROM referral
		WHERE is_active = TRUE AND ($1 = 0 OR status = ANY($2))
		ORDER BY created_at LIMIT $3 OFFSET $4`,
		len(values), values, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Referral
	for rows.Next() {
		ref, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ref)
	}
	return items, total, rows.Err()
}

func (r *repoPG) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO referral_audit (id, referral_id, status, reason, modified_at, modified_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.ReferralID, entry.Status, entry.Reason, entry.ModifiedAt, entry.ModifiedBy)
	return err
}

func (r *repoPG) ListAudit(ctx context.Context, referralID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, referral_id, status, reason, modified_at, modified_by
		FROM referral_audit WHERE referral_id = $1 ORDER BY modified_at`, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ReferralID, &e.Status, &e.Reason, &e.ModifiedAt, &e.ModifiedBy); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
