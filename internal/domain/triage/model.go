package triage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Level is a triage bucket describing expected programme-completion
// likelihood.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Dimension is one of the four demographic scoring dimensions.
type Dimension string

const (
	DimensionAgeGroup    Dimension = "AgeGroup"
	DimensionSex         Dimension = "Sex"
	DimensionEthnicity   Dimension = "Ethnicity"
	DimensionDeprivation Dimension = "Deprivation"
)

// Dimensions lists every scoring dimension; all four must be configured.
var Dimensions = []Dimension{
	DimensionAgeGroup,
	DimensionSex,
	DimensionEthnicity,
	DimensionDeprivation,
}

// ScorePair holds the two per-dimension scores for one demographic value.
type ScorePair struct {
	Completion int `json:"completion"`
	Weight     int `json:"weight"`
}

// Configuration is a versioned table of (dimension, value) score pairs plus
// the global bucketing constants. It is loaded once, cached, and invalidated
// explicitly on update.
type Configuration struct {
	Version   int
	CreatedAt time.Time

	Scores map[Dimension]map[string]ScorePair

	MinimumPossibleScore int
	MaximumPossibleScore int

	CompletionLowThreshold  int
	CompletionHighThreshold int
	WeightedLowThreshold    int
	WeightedHighThreshold   int

	// Checksums holds the per-dimension checksum recorded when the
	// configuration was written. A mismatch against the recomputed value
	// means a partial update left the dimension inconsistent.
	Checksums map[Dimension]string
}

// NotFoundError reports a missing (dimension, value) configuration entry.
// Missing keys are an operational data problem, never a soft default.
type NotFoundError struct {
	Dimension Dimension
	Key       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no triage configuration for dimension %s value %q", e.Dimension, e.Key)
}

// Validate eagerly checks that every dimension is present and non-empty, the
// thresholds are ordered, and any recorded checksums match the stored scores.
func (c *Configuration) Validate() error {
	for _, d := range Dimensions {
		scores, ok := c.Scores[d]
		if !ok || len(scores) == 0 {
			return fmt.Errorf("triage configuration v%d has no scores for dimension %s", c.Version, d)
		}
	}
	if c.CompletionLowThreshold >= c.CompletionHighThreshold {
		return fmt.Errorf("completion thresholds out of order: low %d >= high %d",
			c.CompletionLowThreshold, c.CompletionHighThreshold)
	}
	if c.WeightedLowThreshold >= c.WeightedHighThreshold {
		return fmt.Errorf("weighted thresholds out of order: low %d >= high %d",
			c.WeightedLowThreshold, c.WeightedHighThreshold)
	}
	if c.MinimumPossibleScore > c.MaximumPossibleScore {
		return fmt.Errorf("minimum possible score %d exceeds maximum %d",
			c.MinimumPossibleScore, c.MaximumPossibleScore)
	}
	for d, recorded := range c.Checksums {
		if recorded == "" {
			continue
		}
		if actual := c.ChecksumFor(d); actual != recorded {
			return fmt.Errorf("triage configuration v%d dimension %s checksum mismatch: recorded %s, computed %s",
				c.Version, d, recorded, actual)
		}
	}
	return nil
}

// ChecksumFor computes a stable checksum over one dimension's score table.
func (c *Configuration) ChecksumFor(d Dimension) string {
	scores := c.Scores[d]
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		p := scores[k]
		fmt.Fprintf(h, "%s=%d,%d;", k, p.Completion, p.Weight)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StampChecksums records the current checksum for every dimension. Called
// when a configuration is written so later loads can detect partial updates.
func (c *Configuration) StampChecksums() {
	if c.Checksums == nil {
		c.Checksums = make(map[Dimension]string, len(Dimensions))
	}
	for _, d := range Dimensions {
		c.Checksums[d] = c.ChecksumFor(d)
	}
}

func (c *Configuration) lookup(d Dimension, key string) (ScorePair, error) {
	p, ok := c.Scores[d][key]
	if !ok {
		return ScorePair{}, &NotFoundError{Dimension: d, Key: key}
	}
	return p, nil
}

// Inputs are the demographic facts a referral is scored on.
type Inputs struct {
	Age                 int
	Sex                 string
	Ethnicity           string
	DeprivationQuintile int
}

// Outcome is the result of scoring one referral.
type Outcome struct {
	CompletionLevel Level
	WeightedLevel   Level
	CompletionScore int
	WeightedScore   int
}

// AgeGroup maps an age in whole years to the configured age-band key.
func AgeGroup(age int) string {
	switch {
	case age < 40:
		return "18-39"
	case age < 50:
		return "40-49"
	case age < 60:
		return "50-59"
	case age < 70:
		return "60-69"
	default:
		return "70+"
	}
}
