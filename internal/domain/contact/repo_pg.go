package contact

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
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

func (r *repoPG) CreateAttempt(ctx context.Context, a *ContactAttempt) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO contact_attempt (id, referral_id, kind, for_status, number, token, sent, outcome, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.ReferralID, a.Kind, a.ForStatus, a.Number, a.Token, a.Sent, a.Outcome, a.IsActive, a.CreatedAt)
	return err
}

func (r *repoPG) ListAttempts(ctx context.Context, referralID uuid.UUID) ([]*ContactAttempt, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, referral_id, kind, for_status, number, token, sent, outcome, is_active, created_at
		FROM contact_attempt WHERE referral_id = $1 ORDER BY created_at`, referralID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ContactAttempt
	for rows.Next() {
		var a ContactAttempt
		if err := rows.Scan(&a.ID, &a.ReferralID, &a.Kind, &a.ForStatus, &a.Number,
			&a.Token, &a.Sent, &a.Outcome, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *repoPG) MarkAttempt(ctx context.Context, attemptID uuid.UUID, outcome Outcome, sentAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE contact_attempt SET outcome = $2, sent = $3 WHERE id = $1`,
		attemptID, outcome, sentAt)
	return err
}

func (r *repoPG) DeactivateByReferral(ctx context.Context, referralID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE contact_attempt SET is_active = FALSE WHERE referral_id = $1 AND is_active`,
		referralID)
	return err
}

func (r *repoPG) FirstContactAt(ctx context.Context, referralID uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT MIN(sent) FROM contact_attempt
		WHERE referral_id = $1 AND sent > $2 AND is_active`,
		referralID, Unsent).Scan(&at)
	if err != nil {
		return nil, err
	}
	return at, nil
}

// LastAttemptAt ignores failed sends: a failure must not push the
// re-contact window forward, or the next pass would never retry.
func (r *repoPG) LastAttemptAt(ctx context.Context, referralID uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT MAX(sent) FROM contact_attempt
		WHERE referral_id = $1 AND sent > $2 AND is_active AND outcome <> $3`,
		referralID, Unsent, OutcomeFailed).Scan(&at)
	if err != nil {
		return nil, err
	}
	return at, nil
}

func (r *repoPG) HasDeliveredAttemptForStatus(ctx context.Context, referralID uuid.UUID, status referral.Status) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM contact_attempt
			WHERE referral_id = $1 AND for_status = $2 AND outcome = $3 AND is_active
		)`, referralID, status, OutcomeDelivered).Scan(&exists)
	return exists, err
}

func (r *repoPG) Enqueue(ctx context.Context, entry *MessageQueueEntry) error {
	// Backed by a partial unique index on (referral_id, channel) WHERE sent
	// is the unsent sentinel.
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO message_queue (id, referral_id, channel, template_id, personalisation, recipient, sent, gateway_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.ReferralID, entry.Channel, entry.TemplateID,
		entry.Personalisation, entry.Recipient, entry.Sent, entry.GatewayRef, entry.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &DuplicateQueueEntryError{ReferralID: entry.ReferralID, Channel: entry.Channel}
	}
	return err
}

func (r *repoPG) DeleteEntry(ctx context.Context, entryID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM message_queue WHERE id = $1`, entryID)
	return err
}

func (r *repoPG) MarkDispatched(ctx context.Context, entryID uuid.UUID, gatewayRef string, sentAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE message_queue SET sent = $2, gateway_ref = $3 WHERE id = $1`,
		entryID, sentAt, gatewayRef)
	return err
}

type tokenRepoPG struct{ pool *pgxpool.Pool }

func NewTokenRepoPG(pool *pgxpool.Pool) TokenRepository {
	return &tokenRepoPG{pool: pool}
}

func (r *tokenRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *tokenRepoPG) ActiveTokenFor(ctx context.Context, referralID uuid.UUID, now time.Time) (*LinkToken, error) {
	var t LinkToken
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT token, referral_id, expires_at, created_at FROM link_token
		WHERE referral_id = $1 AND expires_at > $2
		ORDER BY expires_at DESC LIMIT 1`,
		referralID, now).Scan(&t.Token, &t.ReferralID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimUnused binds one free token in a single statement. The SKIP LOCKED
// subquery keeps concurrent claimants off the same row.
func (r *tokenRepoPG) ClaimUnused(ctx context.Context, referralID uuid.UUID, expiresAt time.Time) (*LinkToken, error) {
	var t LinkToken
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE link_token SET referral_id = $1, expires_at = $2
		WHERE token = (
			SELECT token FROM link_token
			WHERE referral_id IS NULL
			ORDER BY created_at LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING token, referral_id, expires_at, created_at`,
		referralID, expiresAt).Scan(&t.Token, &t.ReferralID, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepoPG) InsertBatch(ctx context.Context, tokens []uuid.UUID, createdAt time.Time) error {
	batch := &pgx.Batch{}
	for _, token := range tokens {
		batch.Queue(`INSERT INTO link_token (token, created_at) VALUES ($1, $2)`, token, createdAt)
	}
	switch c := r.conn(ctx).(type) {
	case pgx.Tx:
		return c.SendBatch(ctx, batch).Close()
	default:
		return r.pool.SendBatch(ctx, batch).Close()
	}
}

func (r *tokenRepoPG) CountUnused(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM link_token WHERE referral_id IS NULL`).Scan(&n)
	return n, err
}
