package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		BillingMode:         "test",
		StripeTestSecretKey: "sk_test_xxx",
		GatewayTimeout:      15 * time.Second,
		GraceDays:           15,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_BadBillingMode(t *testing.T) {
	cfg := validConfig()
	cfg.BillingMode = "sandbox"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown billing mode")
	}
}

func TestValidate_LiveModeRequiresKey(t *testing.T) {
	cfg := validConfig()
	cfg.BillingMode = "live"
	cfg.StripeLiveSecretKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for live mode without live key")
	}
}

func TestValidate_BadGatewayTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.GatewayTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero gateway timeout")
	}
}

func TestStripeCredentialSelection(t *testing.T) {
	cfg := validConfig()
	cfg.StripeTestSecretKey = "sk_test_1"
	cfg.StripeLiveSecretKey = "sk_live_1"
	cfg.StripeTestWebhookKey = "whsec_test"
	cfg.StripeLiveWebhookKey = "whsec_live"

	if got := cfg.StripeSecretKey(); got != "sk_test_1" {
		t.Errorf("test mode key = %q, want sk_test_1", got)
	}
	if got := cfg.StripeWebhookSecret(); got != "whsec_test" {
		t.Errorf("test mode webhook secret = %q, want whsec_test", got)
	}

	cfg.BillingMode = "live"
	if got := cfg.StripeSecretKey(); got != "sk_live_1" {
		t.Errorf("live mode key = %q, want sk_live_1", got)
	}
	if got := cfg.StripeWebhookSecret(); got != "whsec_live" {
		t.Errorf("live mode webhook secret = %q, want whsec_live", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GRACE_PERIOD_DAYS", "30")
	t.Setenv("GATEWAY_TIMEOUT", "5s")
	t.Setenv("STRIPE_TEST_SECRET_KEY", "sk_test_env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.GraceDays != 30 {
		t.Errorf("GraceDays = %d, want 30", cfg.GraceDays)
	}
	if cfg.GatewayTimeout != 5*time.Second {
		t.Errorf("GatewayTimeout = %v, want 5s", cfg.GatewayTimeout)
	}
}
