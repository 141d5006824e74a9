package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// StorageAreas names the storage areas files move between.
type StorageAreas struct {
	Incoming  string `env:"AREA_INCOMING" envDefault:"incoming"`
	Processed string `env:"AREA_PROCESSED" envDefault:"processed"`
	Failed    string `env:"AREA_FAILED" envDefault:"failed"`
	Responses string `env:"AREA_RESPONSES" envDefault:"responses"`
	Output    string `env:"AREA_OUTPUT" envDefault:"output"`
}

// All returns every configured area.
func (a StorageAreas) All() []string {
	return []string{a.Incoming, a.Processed, a.Failed, a.Responses, a.Output}
}

// MinioConfig holds the S3-compatible object store settings.
type MinioConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Region    string `env:"MINIO_REGION" envDefault:"us-east-1"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"fs"` // "fs" or "minio"
	StorageRoot    string `env:"STORAGE_ROOT" envDefault:"./data"`
	Minio          MinioConfig
	Areas          StorageAreas

	CronSpecPendingScan  string `env:"CRON_SPEC_PENDING_SCAN" envDefault:"*/15 * * * *"`
	CronSpecCleanupRetry string `env:"CRON_SPEC_CLEANUP_RETRY" envDefault:"0 * * * *"`
	PendingResponseHours int    `env:"PENDING_RESPONSE_HOURS" envDefault:"4"`
	CleanupBatchSize     int    `env:"CLEANUP_BATCH_SIZE" envDefault:"100"`
	ResponseSuffix       string `env:"RESPONSE_SUFFIX" envDefault:".xml"`
	MaxFileSizeMB        int    `env:"MAX_FILE_SIZE_MB" envDefault:"10"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	// Operator notifications are enabled when TelegramToken is set.
	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	OperatorChatID int64  `env:"OPERATOR_CHAT_ID"`
	CronSpecDigest string `env:"CRON_SPEC_DIGEST" envDefault:"0 8 * * *"`
}

// MaxFileSize is the upload limit in bytes.
func (c *AppConfig) MaxFileSize() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// NotificationsEnabled reports whether a Telegram bot should be started.
func (c *AppConfig) NotificationsEnabled() bool {
	return c.TelegramToken != ""
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Environment = strings.ToLower(cfg.Environment)
	cfg.StorageBackend = strings.ToLower(cfg.StorageBackend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *AppConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	switch c.StorageBackend {
	case "fs":
		if strings.TrimSpace(c.StorageRoot) == "" {
			return fmt.Errorf("STORAGE_ROOT is required for the fs storage backend")
		}
	case "minio":
		if c.Minio.AccessKey == "" || c.Minio.SecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio storage backend")
		}
		if strings.Contains(c.Minio.Endpoint, "://") {
			return fmt.Errorf("MINIO_ENDPOINT must not include scheme: %q", c.Minio.Endpoint)
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q (want fs or minio)", c.StorageBackend)
	}
	if c.PendingResponseHours < 0 {
		return fmt.Errorf("PENDING_RESPONSE_HOURS must not be negative")
	}
	if c.CleanupBatchSize <= 0 {
		return fmt.Errorf("CLEANUP_BATCH_SIZE must be positive")
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be positive")
	}
	if c.NotificationsEnabled() && c.OperatorChatID == 0 {
		return fmt.Errorf("OPERATOR_CHAT_ID is required when TELEGRAM_TOKEN is set")
	}
	for _, a := range c.Areas.All() {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("storage area names must not be empty")
		}
	}
	return nil
}
