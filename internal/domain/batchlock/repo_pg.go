package batchlock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// TryAcquire upserts the lock row and flips it to held only when it is
// currently free. The conditional update makes acquisition atomic across
// instances; an absent row counts as free.
func (r *repoPG) TryAcquire(ctx context.Context, name string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO batch_lock (name, locked, locked_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (name) DO UPDATE SET locked = TRUE, locked_at = $2
		WHERE batch_lock.locked = FALSE`,
		name, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Release(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batch_lock SET locked = FALSE, locked_at = $2 WHERE name = $1`,
		name, time.Now().UTC())
	return err
}
