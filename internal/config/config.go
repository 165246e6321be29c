package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the gateway service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Budgets       BudgetConfig        `mapstructure:"budgets"`
	Metering      MeteringConfig      `mapstructure:"metering"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Providers     ProviderConfig      `mapstructure:"providers"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	ProviderTimeout       time.Duration `mapstructure:"provider_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	RunMigrations bool   `mapstructure:"run_migrations"`
	// MigrationsDir overrides the embedded migration files with an on-disk
	// directory. Empty means use the embedded copies.
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RateLimitConfig carries the default sliding-window ceilings. Tenant rows may
// override the tenant-scoped ceiling; the global ceiling has no override.
type RateLimitConfig struct {
	WindowSeconds          int  `mapstructure:"window_seconds"`
	DefaultTenantPerWindow int  `mapstructure:"default_tenant_per_window"`
	DefaultClientPerWindow int  `mapstructure:"default_client_per_window"`
	GlobalPerWindow        int  `mapstructure:"global_per_window"`
	BurstAllowance         int  `mapstructure:"burst_allowance"`
	ViolationAlertsEnabled bool `mapstructure:"violation_alerts_enabled"`
}

// IdempotencyConfig tunes the dedup protocol applied to unsafe operations.
type IdempotencyConfig struct {
	Retention      time.Duration `mapstructure:"retention"`
	PendingReclaim time.Duration `mapstructure:"pending_reclaim"`
	PendingWait    time.Duration `mapstructure:"pending_wait"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	// FailMode controls the stored record after a transient provider failure:
	// "release" lets the caller retry the same key, "keep" forces a fresh key.
	FailMode string `mapstructure:"fail_mode"`
}

type BudgetConfig struct {
	DefaultCredits    float64           `mapstructure:"default_credits"`
	WarningThresholds []float64         `mapstructure:"warning_thresholds"`
	RefreshSchedule   string            `mapstructure:"refresh_schedule"`
	Alert             BudgetAlertConfig `mapstructure:"alert"`
}

type BudgetAlertConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Emails   []string      `mapstructure:"emails"`
	Webhooks []string      `mapstructure:"webhooks"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	SMTP     SMTPConfig    `mapstructure:"smtp"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
}

type SMTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	From           string        `mapstructure:"from"`
	UseTLS         bool          `mapstructure:"use_tls"`
	SkipTLSVerify  bool          `mapstructure:"skip_tls_verify"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// MeteringConfig fixes the charging policy for requests that reached a provider
// but did not complete. TimeoutCharge is one of "none", "partial", "full";
// tenant rows may override both fields.
type MeteringConfig struct {
	TimeoutCharge   string  `mapstructure:"timeout_charge"`
	TimeoutFraction float64 `mapstructure:"timeout_fraction"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ProviderConfig holds platform-level credentials used when a tenant binding
// does not bring its own key.
type ProviderConfig struct {
	OpenAIKey     string        `mapstructure:"openai_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("BIZGATEWAY_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("BIZGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes policy fields.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "BIZGATEWAY_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "BIZGATEWAY_REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.RateLimits.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limits.window_seconds must be > 0")
	}
	if c.RateLimits.DefaultTenantPerWindow <= 0 {
		return fmt.Errorf("rate_limits.default_tenant_per_window must be > 0")
	}
	if c.RateLimits.DefaultClientPerWindow <= 0 {
		return fmt.Errorf("rate_limits.default_client_per_window must be > 0")
	}
	if c.RateLimits.GlobalPerWindow <= 0 {
		return fmt.Errorf("rate_limits.global_per_window must be > 0")
	}
	if c.RateLimits.BurstAllowance < 0 {
		return fmt.Errorf("rate_limits.burst_allowance must be >= 0")
	}

	if c.Idempotency.Retention <= 0 {
		c.Idempotency.Retention = 24 * time.Hour
	}
	if c.Idempotency.PendingReclaim <= 0 {
		c.Idempotency.PendingReclaim = 30 * time.Second
	}
	if c.Idempotency.PendingWait <= 0 {
		c.Idempotency.PendingWait = 2 * time.Second
	}
	if c.Idempotency.PollInterval <= 0 {
		c.Idempotency.PollInterval = 100 * time.Millisecond
	}
	switch strings.ToLower(strings.TrimSpace(c.Idempotency.FailMode)) {
	case "", "release":
		c.Idempotency.FailMode = "release"
	case "keep":
		c.Idempotency.FailMode = "keep"
	default:
		return fmt.Errorf("idempotency.fail_mode must be release or keep")
	}

	if c.Budgets.DefaultCredits <= 0 {
		return fmt.Errorf("budgets.default_credits must be > 0")
	}
	if len(c.Budgets.WarningThresholds) == 0 {
		c.Budgets.WarningThresholds = []float64{0.75, 0.9}
	}
	for _, t := range c.Budgets.WarningThresholds {
		if t <= 0 || t >= 1 {
			return fmt.Errorf("budgets.warning_thresholds values must be between 0 and 1 exclusive")
		}
	}
	c.Budgets.RefreshSchedule = NormalizeRefreshSchedule(c.Budgets.RefreshSchedule)
	c.Budgets.Alert.Emails = normalizeStringSlice(c.Budgets.Alert.Emails)
	c.Budgets.Alert.Webhooks = normalizeStringSlice(c.Budgets.Alert.Webhooks)
	if c.Budgets.Alert.Cooldown <= 0 {
		c.Budgets.Alert.Cooldown = time.Hour
	}
	smtp := &c.Budgets.Alert.SMTP
	if strings.TrimSpace(smtp.Host) != "" {
		if smtp.Port <= 0 {
			smtp.Port = 587
		}
		if strings.TrimSpace(smtp.From) == "" {
			return fmt.Errorf("budgets.alert.smtp.from must be provided when smtp.host is set")
		}
		if smtp.ConnectTimeout <= 0 {
			smtp.ConnectTimeout = 5 * time.Second
		}
	}
	if c.Budgets.Alert.Webhook.Timeout <= 0 {
		c.Budgets.Alert.Webhook.Timeout = 5 * time.Second
	}
	if c.Budgets.Alert.Webhook.MaxRetries <= 0 {
		c.Budgets.Alert.Webhook.MaxRetries = 3
	}

	switch strings.ToLower(strings.TrimSpace(c.Metering.TimeoutCharge)) {
	case "", "partial":
		c.Metering.TimeoutCharge = "partial"
	case "none", "full":
		c.Metering.TimeoutCharge = strings.ToLower(strings.TrimSpace(c.Metering.TimeoutCharge))
	default:
		return fmt.Errorf("metering.timeout_charge must be none, partial, or full")
	}
	if c.Metering.TimeoutFraction <= 0 || c.Metering.TimeoutFraction > 1 {
		c.Metering.TimeoutFraction = 0.5
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 2 * time.Second
	}

	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	tz := strings.TrimSpace(c.Reporting.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = tz

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 10)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.provider_timeout", "30s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("rate_limits.window_seconds", 60)
	v.SetDefault("rate_limits.default_tenant_per_window", 600)
	v.SetDefault("rate_limits.default_client_per_window", 120)
	v.SetDefault("rate_limits.global_per_window", 10_000)
	v.SetDefault("rate_limits.burst_allowance", 10)
	v.SetDefault("rate_limits.violation_alerts_enabled", true)

	v.SetDefault("idempotency.retention", "24h")
	v.SetDefault("idempotency.pending_reclaim", "30s")
	v.SetDefault("idempotency.pending_wait", "2s")
	v.SetDefault("idempotency.poll_interval", "100ms")
	v.SetDefault("idempotency.fail_mode", "release")

	v.SetDefault("budgets.default_credits", 2000.0)
	v.SetDefault("budgets.warning_thresholds", []float64{0.75, 0.9})
	v.SetDefault("budgets.refresh_schedule", "calendar_month")
	v.SetDefault("budgets.alert.enabled", true)
	v.SetDefault("budgets.alert.emails", []string{})
	v.SetDefault("budgets.alert.webhooks", []string{})
	v.SetDefault("budgets.alert.cooldown", "1h")
	v.SetDefault("budgets.alert.smtp.port", 587)
	v.SetDefault("budgets.alert.smtp.use_tls", true)
	v.SetDefault("budgets.alert.smtp.skip_tls_verify", false)
	v.SetDefault("budgets.alert.smtp.connect_timeout", "5s")
	v.SetDefault("budgets.alert.webhook.timeout", "5s")
	v.SetDefault("budgets.alert.webhook.max_retries", 3)

	v.SetDefault("metering.timeout_charge", "partial")
	v.SetDefault("metering.timeout_fraction", 0.5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "100ms")
	v.SetDefault("retry.max_delay", "2s")

	v.SetDefault("providers.http_timeout", "30s")

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
}

// NormalizeRefreshSchedule canonicalizes a billing period schedule string.
// Supported values: calendar_month, weekly, rolling_<N>d.
func NormalizeRefreshSchedule(schedule string) string {
	schedule = strings.ToLower(strings.TrimSpace(schedule))
	if schedule == "" {
		return "calendar_month"
	}
	switch schedule {
	case "calendar_month", "weekly":
		return schedule
	default:
		if days, ok := RollingWindowDays(schedule); ok && days > 0 {
			return fmt.Sprintf("rolling_%dd", days)
		}
	}
	return "calendar_month"
}

// RollingWindowDays extracts N from a rolling_<N>d schedule.
func RollingWindowDays(schedule string) (int, bool) {
	schedule = strings.ToLower(strings.TrimSpace(schedule))
	if !strings.HasPrefix(schedule, "rolling_") {
		return 0, false
	}
	rest := strings.TrimPrefix(schedule, "rolling_")
	rest = strings.TrimSuffix(rest, "d")
	if rest == "" {
		return 0, false
	}
	days := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		days = days*10 + int(r-'0')
	}
	if days <= 0 {
		return 0, false
	}
	return days, true
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
