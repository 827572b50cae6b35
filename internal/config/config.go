package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Notification gateway (GOV.UK Notify style HTTP service).
	NotifyBaseURL   string `mapstructure:"NOTIFY_BASE_URL"`
	NotifyAPIKey    string `mapstructure:"NOTIFY_API_KEY"`
	NotifySMSSender string `mapstructure:"NOTIFY_SMS_SENDER"`

	// Postcode/deprivation lookup service.
	PostcodeBaseURL string `mapstructure:"POSTCODE_BASE_URL"`

	// Base URL for tokenised links embedded in outbound messages.
	LinkBaseURL string `mapstructure:"LINK_BASE_URL"`

	// Contact escalation windows, in hours.
	SMS1RecontactHours   int `mapstructure:"SMS1_RECONTACT_HOURS"`
	SMS2RecontactHours   int `mapstructure:"SMS2_RECONTACT_HOURS"`
	SMS3RecontactHours   int `mapstructure:"SMS3_RECONTACT_HOURS"`
	MaxLookBackDays      int `mapstructure:"MAX_LOOKBACK_DAYS"`
	RmcDelayHours        int `mapstructure:"RMC_DELAY_HOURS"`
	LinkTokenExpiryDays  int `mapstructure:"LINK_TOKEN_EXPIRY_DAYS"`
	SweepIntervalMinutes int `mapstructure:"SWEEP_INTERVAL_MINUTES"`

	// Batch lock behaviour.
	BatchLockRetries int `mapstructure:"BATCH_LOCK_RETRIES"`

	// Provider programme rules.
	ProgrammeCompletionDays int `mapstructure:"PROGRAMME_COMPLETION_DAYS"`

	// Whether coalesced provider sub-updates are sorted by date before
	// validation, or validated in submission order.
	SortSubmissionUpdates bool `mapstructure:"SORT_SUBMISSION_UPDATES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LINK_BASE_URL", "http://localhost:8000/c")
	v.SetDefault("SMS1_RECONTACT_HOURS", 48)
	v.SetDefault("SMS2_RECONTACT_HOURS", 96)
	v.SetDefault("SMS3_RECONTACT_HOURS", 72)
	v.SetDefault("MAX_LOOKBACK_DAYS", 45)
	v.SetDefault("RMC_DELAY_HOURS", 72)
	v.SetDefault("LINK_TOKEN_EXPIRY_DAYS", 28)
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 60)
	v.SetDefault("BATCH_LOCK_RETRIES", 3)
	v.SetDefault("PROGRAMME_COMPLETION_DAYS", 84)
	v.SetDefault("SORT_SUBMISSION_UPDATES", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
		"NOTIFY_BASE_URL", "NOTIFY_API_KEY", "NOTIFY_SMS_SENDER",
		"POSTCODE_BASE_URL", "LINK_BASE_URL",
		"SMS1_RECONTACT_HOURS", "SMS2_RECONTACT_HOURS", "SMS3_RECONTACT_HOURS",
		"MAX_LOOKBACK_DAYS", "RMC_DELAY_HOURS", "LINK_TOKEN_EXPIRY_DAYS",
		"SWEEP_INTERVAL_MINUTES", "BATCH_LOCK_RETRIES",
		"PROGRAMME_COMPLETION_DAYS", "SORT_SUBMISSION_UPDATES",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Escalation windows
// must be positive: a zero window would make every referral permanently due
// and the sweep would re-contact people on every pass.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set when ENV is %q; refusing to start without authentication", c.Env)
	}
	for name, hours := range map[string]int{
		"SMS1_RECONTACT_HOURS": c.SMS1RecontactHours,
		"SMS2_RECONTACT_HOURS": c.SMS2RecontactHours,
		"SMS3_RECONTACT_HOURS": c.SMS3RecontactHours,
		"RMC_DELAY_HOURS":      c.RmcDelayHours,
	} {
		if hours <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, hours)
		}
	}
	if c.MaxLookBackDays <= 0 {
		return fmt.Errorf("MAX_LOOKBACK_DAYS must be positive, got %d", c.MaxLookBackDays)
	}
	if c.LinkTokenExpiryDays <= 0 {
		return fmt.Errorf("LINK_TOKEN_EXPIRY_DAYS must be positive, got %d", c.LinkTokenExpiryDays)
	}
	if c.ProgrammeCompletionDays <= 0 {
		return fmt.Errorf("PROGRAMME_COMPLETION_DAYS must be positive, got %d", c.ProgrammeCompletionDays)
	}
	if c.BatchLockRetries < 0 {
		return fmt.Errorf("BATCH_LOCK_RETRIES must not be negative, got %d", c.BatchLockRetries)
	}
	return nil
}
