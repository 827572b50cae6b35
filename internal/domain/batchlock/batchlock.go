// Package batchlock provides durable named mutual exclusion for batch jobs.
// A lock is a boolean row keyed by name; acquisition is an atomic conditional
// update, so the guarantee holds across process instances sharing the
// database. The same primitive guards independent jobs (contact sweep, token
// generation) under different names.
package batchlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrProcessAlreadyRunning reports that another instance holds the lock and
// the bounded wait was exhausted.
var ErrProcessAlreadyRunning = errors.New("batch process already running")

// Lock names used across the system.
const (
	LockContactSweep    = "BatchContactSweep"
	LockTokenGeneration = "TokenGeneration"
)

// Repository is the durable lock store.
type Repository interface {
	// TryAcquire claims the named lock if it is free, provisioning the row
	// when it does not exist yet. Returns true only when this call took the
	// lock.
	TryAcquire(ctx context.Context, name string, at time.Time) (bool, error)
	Release(ctx context.Context, name string) error
}

type Service struct {
	repo    Repository
	logger  zerolog.Logger
	retries int
	backoff time.Duration
	now     func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger, retries int) *Service {
	return &Service{
		repo:    repo,
		logger:  logger,
		retries: retries,
		backoff: time.Second,
		now:     time.Now,
	}
}

// SetBackoff overrides the retry backoff. Used by tests.
func (s *Service) SetBackoff(d time.Duration) { s.backoff = d }

// WithLock runs body while holding the named lock, releasing it afterwards
// even when body fails. Acquisition is retried with a fixed backoff;
// exhaustion returns ErrProcessAlreadyRunning and body never runs.
func (s *Service) WithLock(ctx context.Context, name string, body func(ctx context.Context) error) error {
	acquired := false
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff):
			}
		}
		ok, err := s.repo.TryAcquire(ctx, name, s.now().UTC())
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			acquired = true
			break
		}
		s.logger.Debug().Str("lock", name).Int("attempt", attempt+1).Msg("lock busy, waiting")
	}
	if !acquired {
		return fmt.Errorf("lock %s: %w", name, ErrProcessAlreadyRunning)
	}

	defer func() {
		// Release must not inherit a cancelled deadline or the lock stays
		// stuck until manual intervention.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.repo.Release(releaseCtx, name); err != nil {
			s.logger.Error().Err(err).Str("lock", name).Msg("failed to release batch lock")
		}
	}()

	return body(ctx)
}
