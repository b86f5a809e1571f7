package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "RETRY_BASE")
	unsetEnvWithCleanup(t, "RETRY_MAX")
	unsetEnvWithCleanup(t, "WEBHOOK_TOLERANCE")
	unsetEnvWithCleanup(t, "PAYMENT_DRIVER")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("expected default ServerPort 8080, got %q", cfg.ServerPort)
	}
	if cfg.RetryBase != 4*time.Hour {
		t.Errorf("expected default RetryBase 4h, got %s", cfg.RetryBase)
	}
	if cfg.RetryMax != 5 {
		t.Errorf("expected default RetryMax 5, got %d", cfg.RetryMax)
	}
	if cfg.WebhookTolerance != 5*time.Minute {
		t.Errorf("expected default WebhookTolerance 5m, got %s", cfg.WebhookTolerance)
	}
	if cfg.PaymentDriver != "stripe" {
		t.Errorf("expected default PaymentDriver stripe, got %q", cfg.PaymentDriver)
	}
}

func TestLoadConfig_EnvOverridesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "RETRY_BASE", "2h")
	setEnvWithCleanup(t, "RETRY_MAX", "3")
	setEnvWithCleanup(t, "PAYMENT_DRIVER", "stub")
	setEnvWithCleanup(t, "CHARGE_AMOUNT_CEILING", "5000000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RetryBase != 2*time.Hour {
		t.Errorf("expected RetryBase 2h, got %s", cfg.RetryBase)
	}
	if cfg.RetryMax != 3 {
		t.Errorf("expected RetryMax 3, got %d", cfg.RetryMax)
	}
	if cfg.PaymentDriver != "stub" {
		t.Errorf("expected PaymentDriver stub, got %q", cfg.PaymentDriver)
	}
	if cfg.AmountCeiling != 5000000 {
		t.Errorf("expected AmountCeiling 5000000, got %d", cfg.AmountCeiling)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
