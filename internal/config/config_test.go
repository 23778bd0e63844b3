package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_WebhookSecretDefaultsToSecretKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PAYSTACK_SECRET_KEY", " sk_test_123 ")
	unsetEnvWithCleanup(t, "PAYSTACK_WEBHOOK_SECRET")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaystackWebhookSecret != "sk_test_123" {
		t.Fatalf("expected webhook secret to fall back to the secret key, got %q", cfg.PaystackWebhookSecret)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"PORT", "SERVER_PORT", "PENDING_RECONCILE_AFTER_MINUTES", "PENDING_EXPIRE_AFTER_HOURS",
		"RECONCILE_BATCH_SIZE", "INITIALIZE_RATE_LIMIT_PER_MINUTE", "SUBSCRIPTION_EVENTS_EXCHANGE", "REDIS_KEY_PREFIX",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8085" || cfg.PendingReconcileAfterMinutes != 30 || cfg.PendingExpireAfterHours != 48 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ReconcileBatchSize != 50 || cfg.InitializeRateLimitPerMinute != 10 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SubscriptionEventsExchange != "subscription_events" || cfg.RedisKeyPrefix != "accessedu" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestConfigPlans(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantCount  int
		wantAmount int64
	}{
		{
			name:       "whole naira",
			cfg:        Config{PlanMonthlyCode: "PLN_m", PlanMonthlyAmountNaira: "5000", PlanCurrency: "NGN"},
			wantCount:  1,
			wantAmount: 500000,
		},
		{
			name:       "fractional naira",
			cfg:        Config{PlanMonthlyCode: "PLN_m", PlanMonthlyAmountNaira: "4999.99", PlanCurrency: "NGN"},
			wantCount:  1,
			wantAmount: 499999,
		},
		{
			name:      "negative amount disables plan",
			cfg:       Config{PlanMonthlyCode: "PLN_m", PlanMonthlyAmountNaira: "-1"},
			wantCount: 0,
		},
		{
			name:      "unparsable amount disables plan",
			cfg:       Config{PlanMonthlyCode: "PLN_m", PlanMonthlyAmountNaira: "five thousand"},
			wantCount: 0,
		},
		{
			name:      "missing code disables plan",
			cfg:       Config{PlanMonthlyAmountNaira: "5000"},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := tt.cfg.Plans()
			if len(plans) != tt.wantCount {
				t.Fatalf("expected %d plans, got %d", tt.wantCount, len(plans))
			}
			if tt.wantCount > 0 && plans[0].Amount != tt.wantAmount {
				t.Fatalf("expected amount %d kobo, got %d", tt.wantAmount, plans[0].Amount)
			}
		})
	}
}

func TestLoadSchedulerConfig_TrimsServiceURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SUBSCRIPTION_SERVICE_URL", "http://subscription-service:8085/")
	unsetEnvWithCleanup(t, "RECONCILE_JOB_SCHEDULE")

	cfg, err := LoadSchedulerConfig()
	if err != nil {
		t.Fatalf("LoadSchedulerConfig returned error: %v", err)
	}
	if cfg.SubscriptionServiceURL != "http://subscription-service:8085" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", cfg.SubscriptionServiceURL)
	}
	if cfg.ReconcileJobSchedule != "*/15 * * * *" {
		t.Fatalf("expected default schedule, got %q", cfg.ReconcileJobSchedule)
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
