package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("DATABASE_URL", "postgres://localhost:5432/wms_test")
	t.Cleanup(func() { os.Unsetenv("DATABASE_URL") })
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %q", cfg.Port)
	}
	if cfg.SMS1RecontactHours != 48 {
		t.Errorf("expected default SMS1 window 48h, got %d", cfg.SMS1RecontactHours)
	}
	if cfg.SMS2RecontactHours != 96 {
		t.Errorf("expected default SMS2 window 96h, got %d", cfg.SMS2RecontactHours)
	}
	if cfg.MaxLookBackDays != 45 {
		t.Errorf("expected default look-back of 45 days, got %d", cfg.MaxLookBackDays)
	}
	if cfg.BatchLockRetries != 3 {
		t.Errorf("expected default lock retries 3, got %d", cfg.BatchLockRetries)
	}
	if !cfg.SortSubmissionUpdates {
		t.Error("expected submission updates to be sorted by default")
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	setRequiredEnv(t)
	os.Setenv("SMS1_RECONTACT_HOURS", "12")
	t.Cleanup(func() { os.Unsetenv("SMS1_RECONTACT_HOURS") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMS1RecontactHours != 12 {
		t.Errorf("expected SMS1 window 12h from env, got %d", cfg.SMS1RecontactHours)
	}
}

func TestValidate_ZeroWindowRejected(t *testing.T) {
	cfg := &Config{
		Env:                     "development",
		SMS1RecontactHours:      0,
		SMS2RecontactHours:      96,
		SMS3RecontactHours:      72,
		RmcDelayHours:           72,
		MaxLookBackDays:         45,
		LinkTokenExpiryDays:     28,
		ProgrammeCompletionDays: 84,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero SMS1 window to be rejected")
	}
}

func TestValidate_ProductionRequiresIssuer(t *testing.T) {
	cfg := &Config{
		Env:                     "production",
		SMS1RecontactHours:      48,
		SMS2RecontactHours:      96,
		SMS3RecontactHours:      72,
		RmcDelayHours:           72,
		MaxLookBackDays:         45,
		LinkTokenExpiryDays:     28,
		ProgrammeCompletionDays: 84,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected production config without AUTH_ISSUER to be rejected")
	}
	cfg.AuthIssuer = "https://auth.example.nhs.uk"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error with issuer set: %v", err)
	}
}
