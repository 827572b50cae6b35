package triage

import "context"

// ConfigurationRepository loads and stores versioned triage configurations.
type ConfigurationRepository interface {
	// Latest returns the highest-version configuration.
	Latest(ctx context.Context) (*Configuration, error)
	// Save writes a new configuration version with its checksums stamped.
	Save(ctx context.Context, cfg *Configuration) error
}
