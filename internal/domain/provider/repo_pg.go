package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Create(ctx context.Context, p *Provider) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO provider (id, name, level, active, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.Name, p.Level, p.Active, p.CreatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, name, level, active, created_at FROM provider WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Level, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) ListByLevel(ctx context.Context, level triage.Level) ([]*Provider, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, name, level, active, created_at FROM provider
		WHERE level = $1 AND active ORDER BY name`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.Level, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

type submissionRepoPG struct{ pool *pgxpool.Pool }

func NewSubmissionRepoPG(pool *pgxpool.Pool) SubmissionRepository {
	return &submissionRepoPG{pool: pool}
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission) error {
	updates, err := json.Marshal(s.Updates)
	if err != nil {
		return fmt.Errorf("marshal submission updates: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO provider_submission (id, provider_id, referral_id, ubrn, requested_status, updates, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.ProviderID, s.ReferralID, s.Ubrn, s.RequestedStatus, updates, s.IsActive, s.CreatedAt)
	return err
}

func (r *submissionRepoPG) ListByReferral(ctx context.Context, referralID uuid.UUID) ([]*Submission, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, provider_id, referral_id, ubrn, requested_status, updates, is_active, created_at
		FROM provider_submission WHERE referral_id = $1 ORDER BY created_at`, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Submission
	for rows.Next() {
		var s Submission
		var updates []byte
		if err := rows.Scan(&s.ID, &s.ProviderID, &s.ReferralID, &s.Ubrn,
			&s.RequestedStatus, &updates, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(updates, &s.Updates); err != nil {
			return nil, fmt.Errorf("unmarshal submission updates: %w", err)
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

func (r *submissionRepoPG) DeactivateByReferral(ctx context.Context, referralID uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE provider_submission SET is_active = FALSE WHERE referral_id = $1`, referralID)
	return err
}
