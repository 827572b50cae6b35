package triage

import (
	"context"
	"fmt"

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

type configRepoPG struct{ pool *pgxpool.Pool }

func NewConfigurationRepoPG(pool *pgxpool.Pool) ConfigurationRepository {
	return &configRepoPG{pool: pool}
}

func (r *configRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *configRepoPG) Latest(ctx context.Context) (*Configuration, error) {
	cfg := &Configuration{
		Scores:    make(map[Dimension]map[string]ScorePair),
		Checksums: make(map[Dimension]string),
	}

	err := r.conn(ctx).QueryRow(ctx, `
		SELECT version, created_at, min_possible_score, max_possible_score,
			completion_low_threshold, completion_high_threshold,
			weighted_low_threshold, weighted_high_threshold
		FROM triage_configuration
		ORDER BY version DESC LIMIT 1`).
		Scan(&cfg.Version, &cfg.CreatedAt, &cfg.MinimumPossibleScore, &cfg.MaximumPossibleScore,
			&cfg.CompletionLowThreshold, &cfg.CompletionHighThreshold,
			&cfg.WeightedLowThreshold, &cfg.WeightedHighThreshold)
	if err != nil {
		return nil, fmt.Errorf("load triage configuration header: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT dimension, value, completion_score, weight_score
		FROM triage_score WHERE version = $1`, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("load triage scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Dimension
		var value string
		var pair ScorePair
		if err := rows.Scan(&d, &value, &pair.Completion, &pair.Weight); err != nil {
			return nil, fmt.Errorf("scan triage score: %w", err)
		}
		if cfg.Scores[d] == nil {
			cfg.Scores[d] = make(map[string]ScorePair)
		}
		cfg.Scores[d][value] = pair
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triage scores: %w", err)
	}

	sums, err := r.conn(ctx).Query(ctx, `
		SELECT dimension, checksum FROM triage_checksum WHERE version = $1`, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("load triage checksums: %w", err)
	}
	defer sums.Close()

	for sums.Next() {
		var d Dimension
		var checksum string
		if err := sums.Scan(&d, &checksum); err != nil {
			return nil, fmt.Errorf("scan triage checksum: %w", err)
		}
		cfg.Checksums[d] = checksum
	}
	if err := sums.Err(); err != nil {
		return nil, fmt.Errorf("iterate triage checksums: %w", err)
	}

	return cfg, nil
}

func (r *configRepoPG) Save(ctx context.Context, cfg *Configuration) error {
	cfg.StampChecksums()

	conn := r.conn(ctx)
	_, err := conn.Exec(ctx, `
		INSERT INTO triage_configuration (version, min_possible_score, max_possible_score,
			completion_low_threshold, completion_high_threshold,
			weighted_low_threshold, weighted_high_threshold)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		cfg.Version, cfg.MinimumPossibleScore, cfg.MaximumPossibleScore,
		cfg.CompletionLowThreshold, cfg.CompletionHighThreshold,
		cfg.WeightedLowThreshold, cfg.WeightedHighThreshold)
	if err != nil {
		return fmt.Errorf("insert triage configuration header: %w", err)
	}

	for d, scores := range cfg.Scores {
		for value, pair := range scores {
			if _, err := conn.Exec(ctx, `
				INSERT INTO triage_score (version, dimension, value, completion_score, weight_score)
				VALUES ($1,$2,$3,$4,$5)`,
				cfg.Version, d, value, pair.Completion, pair.Weight); err != nil {
				return fmt.Errorf("insert triage score %s/%s: %w", d, value, err)
			}
		}
	}

	for d, checksum := range cfg.Checksums {
		if _, err := conn.Exec(ctx, `
			INSERT INTO triage_checksum (version, dimension, checksum)
			VALUES ($1,$2,$3)`, cfg.Version, d, checksum); err != nil {
			return fmt.Errorf("insert triage checksum %s: %w", d, err)
		}
	}

	return nil
}
