package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Enrollment EnrollmentConfig
	EMI        EMIConfig
	Gateway    GatewayConfig
	Analytics  AnalyticsConfig
	Statements StatementsConfig
	Notify     NotifyConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnrollmentConfig governs enrollment lifecycle defaults.
type EnrollmentConfig struct {
	AccessDuration time.Duration
	BatchGraceDays int
	UpdateRetries  int
}

// EMIConfig governs installment schedule generation and overdue policy.
type EMIConfig struct {
	DefaultInstallments int
	CadenceDays         int
	GracePeriodDays     int
	LateFeeMode         string // none | fixed | percent
	LateFeeFixed        int64
	LateFeePercent      float64
	OverdueBlocksAll    bool
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// AnalyticsConfig holds the consistency scoring thresholds and cache tuning.
// The thresholds are configuration on purpose: upstream reporting disagrees on
// the exact buckets, so deployments pick their own.
type AnalyticsConfig struct {
	Enabled            bool
	CacheTTL           time.Duration
	ExcellentThreshold float64
	GoodThreshold      float64
	FairThreshold      float64
}

// StatementsConfig controls statement export storage and signed downloads.
type StatementsConfig struct {
	Enabled         bool
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	CleanupInterval time.Duration
}

// NotifyConfig tunes the best-effort notification dispatcher.
type NotifyConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Enrollment = EnrollmentConfig{
		AccessDuration: parseDuration(v.GetString("ENROLLMENT_ACCESS_DURATION"), 8760*time.Hour),
		BatchGraceDays: v.GetInt("ENROLLMENT_BATCH_GRACE_DAYS"),
		UpdateRetries:  v.GetInt("ENROLLMENT_UPDATE_RETRIES"),
	}

	cfg.EMI = EMIConfig{
		DefaultInstallments: v.GetInt("EMI_DEFAULT_INSTALLMENTS"),
		CadenceDays:         v.GetInt("EMI_CADENCE_DAYS"),
		GracePeriodDays:     v.GetInt("EMI_GRACE_PERIOD_DAYS"),
		LateFeeMode:         v.GetString("EMI_LATE_FEE_MODE"),
		LateFeeFixed:        v.GetInt64("EMI_LATE_FEE_FIXED"),
		LateFeePercent:      v.GetFloat64("EMI_LATE_FEE_PERCENT"),
		OverdueBlocksAll:    v.GetBool("EMI_OVERDUE_BLOCKS_ALL"),
	}

	cfg.Gateway = GatewayConfig{
		BaseURL:       v.GetString("GATEWAY_BASE_URL"),
		KeyID:         v.GetString("GATEWAY_KEY_ID"),
		KeySecret:     v.GetString("GATEWAY_KEY_SECRET"),
		WebhookSecret: v.GetString("GATEWAY_WEBHOOK_SECRET"),
		Timeout:       parseDuration(v.GetString("GATEWAY_TIMEOUT"), 10*time.Second),
	}

	cfg.Analytics = AnalyticsConfig{
		Enabled:            v.GetBool("ENABLE_ANALYTICS"),
		CacheTTL:           parseDuration(v.GetString("ANALYTICS_CACHE_TTL"), 10*time.Minute),
		ExcellentThreshold: v.GetFloat64("ANALYTICS_EXCELLENT_THRESHOLD"),
		GoodThreshold:      v.GetFloat64("ANALYTICS_GOOD_THRESHOLD"),
		FairThreshold:      v.GetFloat64("ANALYTICS_FAIR_THRESHOLD"),
	}

	cfg.Statements = StatementsConfig{
		Enabled:         v.GetBool("ENABLE_STATEMENTS"),
		StorageDir:      v.GetString("STATEMENTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("STATEMENTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("STATEMENTS_SIGNED_URL_TTL"), 30*time.Minute),
		CleanupInterval: parseDuration(v.GetString("STATEMENTS_CLEANUP_INTERVAL"), time.Hour),
	}

	cfg.Notify = NotifyConfig{
		Enabled:    v.GetBool("ENABLE_NOTIFICATIONS"),
		Workers:    v.GetInt("NOTIFY_WORKERS"),
		BufferSize: v.GetInt("NOTIFY_BUFFER_SIZE"),
		MaxRetries: v.GetInt("NOTIFY_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFY_RETRY_DELAY"), time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "lms_pay")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENROLLMENT_ACCESS_DURATION", "8760h")
	v.SetDefault("ENROLLMENT_BATCH_GRACE_DAYS", 30)
	v.SetDefault("ENROLLMENT_UPDATE_RETRIES", 3)

	v.SetDefault("EMI_DEFAULT_INSTALLMENTS", 3)
	v.SetDefault("EMI_CADENCE_DAYS", 30)
	v.SetDefault("EMI_GRACE_PERIOD_DAYS", 5)
	v.SetDefault("EMI_LATE_FEE_MODE", "none")
	v.SetDefault("EMI_LATE_FEE_FIXED", 0)
	v.SetDefault("EMI_LATE_FEE_PERCENT", 0)
	v.SetDefault("EMI_OVERDUE_BLOCKS_ALL", true)

	v.SetDefault("GATEWAY_BASE_URL", "https://api.razorpay.com/v1")
	v.SetDefault("GATEWAY_KEY_ID", "")
	v.SetDefault("GATEWAY_KEY_SECRET", "")
	v.SetDefault("GATEWAY_WEBHOOK_SECRET", "")
	v.SetDefault("GATEWAY_TIMEOUT", "10s")

	v.SetDefault("ENABLE_ANALYTICS", true)
	v.SetDefault("ANALYTICS_CACHE_TTL", "10m")
	v.SetDefault("ANALYTICS_EXCELLENT_THRESHOLD", 95)
	v.SetDefault("ANALYTICS_GOOD_THRESHOLD", 85)
	v.SetDefault("ANALYTICS_FAIR_THRESHOLD", 70)

	v.SetDefault("ENABLE_STATEMENTS", false)
	v.SetDefault("STATEMENTS_STORAGE_DIR", "./statements")
	v.SetDefault("STATEMENTS_SIGNED_URL_SECRET", "dev_statements_secret")
	v.SetDefault("STATEMENTS_SIGNED_URL_TTL", "30m")
	v.SetDefault("STATEMENTS_CLEANUP_INTERVAL", "1h")

	v.SetDefault("ENABLE_NOTIFICATIONS", false)
	v.SetDefault("NOTIFY_WORKERS", 1)
	v.SetDefault("NOTIFY_BUFFER_SIZE", 16)
	v.SetDefault("NOTIFY_MAX_RETRIES", 3)
	v.SetDefault("NOTIFY_RETRY_DELAY", "1s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
