package triage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Engine scores referrals against the cached triage configuration. Scoring
// is a pure function of its inputs and the configuration version in effect:
// identical inputs always yield identical outcomes, and a configuration
// change only affects triages computed after it.
type Engine struct {
	repo   ConfigurationRepository
	logger zerolog.Logger

	mu     sync.RWMutex
	cached *Configuration
}

func NewEngine(repo ConfigurationRepository, logger zerolog.Logger) *Engine {
	return &Engine{repo: repo, logger: logger}
}

// Configuration returns the cached configuration, loading and validating it
// on first use.
func (e *Engine) Configuration(ctx context.Context) (*Configuration, error) {
	e.mu.RLock()
	cfg := e.cached
	e.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil {
		return e.cached, nil
	}

	cfg, err := e.repo.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load triage configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("triage configuration invalid: %w", err)
	}
	e.logger.Info().Int("version", cfg.Version).Msg("triage configuration loaded")
	e.cached = cfg
	return cfg, nil
}

// Invalidate drops the cached configuration so the next Score picks up a
// freshly written version.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

// Score computes the completion and weighted levels for one set of
// demographic inputs. A missing configuration key is fatal to the operation.
func (e *Engine) Score(ctx context.Context, in Inputs) (Outcome, error) {
	cfg, err := e.Configuration(ctx)
	if err != nil {
		return Outcome{}, err
	}

	keys := map[Dimension]string{
		DimensionAgeGroup:    AgeGroup(in.Age),
		DimensionSex:         in.Sex,
		DimensionEthnicity:   in.Ethnicity,
		DimensionDeprivation: strconv.Itoa(in.DeprivationQuintile),
	}

	var completionTotal, weightedTotal int
	for _, d := range Dimensions {
		pair, err := cfg.lookup(d, keys[d])
		if err != nil {
			return Outcome{}, err
		}
		completionTotal += pair.Completion
		weightedTotal += pair.Weight
	}

	return Outcome{
		CompletionScore: completionTotal,
		WeightedScore:   weightedTotal,
		CompletionLevel: bucket(completionTotal, cfg.CompletionLowThreshold, cfg.CompletionHighThreshold),
		WeightedLevel:   bucket(weightedTotal, cfg.WeightedLowThreshold, cfg.WeightedHighThreshold),
	}, nil
}

// bucket assigns a total to Low/Medium/High. Boundaries are inclusive-low: a
// total equal to a cut point falls into the bucket the cut point opens.
func bucket(total, low, high int) Level {
	switch {
	case total >= high:
		return LevelHigh
	case total >= low:
		return LevelMedium
	default:
		return LevelLow
	}
}
