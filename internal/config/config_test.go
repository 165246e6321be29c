package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/bizgateway"},
		Redis:    RedisConfig{URL: "redis://localhost:6379"},
		RateLimits: RateLimitConfig{
			WindowSeconds:          60,
			DefaultTenantPerWindow: 600,
			DefaultClientPerWindow: 120,
			GlobalPerWindow:        10_000,
		},
		Budgets: BudgetConfig{DefaultCredits: 2000},
	}
}

func TestValidateRequiresDatabaseAndRedis(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = ""
	cfg.Redis.URL = ""
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "BIZGATEWAY_DATABASE_URL")
	require.Contains(t, err.Error(), "BIZGATEWAY_REDIS_URL")
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 24*time.Hour, cfg.Idempotency.Retention)
	require.Equal(t, 30*time.Second, cfg.Idempotency.PendingReclaim)
	require.Equal(t, "release", cfg.Idempotency.FailMode)
	require.Equal(t, []float64{0.75, 0.9}, cfg.Budgets.WarningThresholds)
	require.Equal(t, "calendar_month", cfg.Budgets.RefreshSchedule)
	require.Equal(t, time.Hour, cfg.Budgets.Alert.Cooldown)
	require.Equal(t, 5*time.Second, cfg.Budgets.Alert.Webhook.Timeout)
	require.Equal(t, 3, cfg.Budgets.Alert.Webhook.MaxRetries)
	require.Equal(t, "partial", cfg.Metering.TimeoutCharge)
	require.Equal(t, 0.5, cfg.Metering.TimeoutFraction)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, "UTC", cfg.Reporting.Timezone)
}

func TestValidateNormalizesFailMode(t *testing.T) {
	for raw, want := range map[string]string{
		"":         "release",
		"Release":  "release",
		" KEEP ":   "keep",
		"release ": "release",
	} {
		cfg := validConfig()
		cfg.Idempotency.FailMode = raw
		require.NoError(t, cfg.Validate(), "fail_mode %q", raw)
		require.Equal(t, want, cfg.Idempotency.FailMode, "fail_mode %q", raw)
	}

	cfg := validConfig()
	cfg.Idempotency.FailMode = "discard"
	require.ErrorContains(t, cfg.Validate(), "fail_mode")
}

func TestValidateNormalizesTimeoutCharge(t *testing.T) {
	for raw, want := range map[string]string{
		"":        "partial",
		"NONE":    "none",
		" Full ":  "full",
		"partial": "partial",
	} {
		cfg := validConfig()
		cfg.Metering.TimeoutCharge = raw
		require.NoError(t, cfg.Validate(), "timeout_charge %q", raw)
		require.Equal(t, want, cfg.Metering.TimeoutCharge, "timeout_charge %q", raw)
	}

	cfg := validConfig()
	cfg.Metering.TimeoutCharge = "half"
	require.ErrorContains(t, cfg.Validate(), "timeout_charge")

	cfg = validConfig()
	cfg.Metering.TimeoutFraction = 1.5
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.5, cfg.Metering.TimeoutFraction)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	for _, bad := range [][]float64{{0}, {1}, {-0.5}, {0.5, 1.2}} {
		cfg := validConfig()
		cfg.Budgets.WarningThresholds = bad
		require.ErrorContains(t, cfg.Validate(), "warning_thresholds", "thresholds %v", bad)
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Reporting.Timezone = "Mars/Olympus_Mons"
	require.ErrorContains(t, cfg.Validate(), "reporting.timezone")

	cfg = validConfig()
	cfg.Reporting.Timezone = " America/New_York "
	require.NoError(t, cfg.Validate())
	require.Equal(t, "America/New_York", cfg.Reporting.Timezone)
}

func TestValidateRequiresSMTPFrom(t *testing.T) {
	cfg := validConfig()
	cfg.Budgets.Alert.SMTP.Host = "smtp.example.com"
	require.ErrorContains(t, cfg.Validate(), "smtp.from")

	cfg.Budgets.Alert.SMTP.From = "alerts@example.com"
	require.NoError(t, cfg.Validate())
	require.Equal(t, 587, cfg.Budgets.Alert.SMTP.Port)
	require.Equal(t, 5*time.Second, cfg.Budgets.Alert.SMTP.ConnectTimeout)
}

func TestNormalizeRefreshSchedule(t *testing.T) {
	for raw, want := range map[string]string{
		"":               "calendar_month",
		"Calendar_Month": "calendar_month",
		"weekly":         "weekly",
		"rolling_30d":    "rolling_30d",
		"ROLLING_7D":     "rolling_7d",
		"rolling_0d":     "calendar_month",
		"rolling_xd":     "calendar_month",
		"quarterly":      "calendar_month",
	} {
		require.Equal(t, want, NormalizeRefreshSchedule(raw), "schedule %q", raw)
	}
}

func TestRollingWindowDays(t *testing.T) {
	days, ok := RollingWindowDays("rolling_30d")
	require.True(t, ok)
	require.Equal(t, 30, days)

	for _, raw := range []string{"weekly", "rolling_", "rolling_d", "rolling_-1d", "rolling_0d"} {
		_, ok := RollingWindowDays(raw)
		require.False(t, ok, "schedule %q", raw)
	}
}
