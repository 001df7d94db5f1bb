// Package config loads engagehub settings from defaults, an optional YAML
// file and ENGAGEHUB_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
)

const (
	EnvConfigFile = "ENGAGEHUB_CONFIG"
	EnvDotEnvFile = "ENGAGEHUB_ENV_FILE"
)

type Config struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	YouTube YouTubeConfig `yaml:"youtube"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Sync    SyncConfig    `yaml:"sync"`
	Kafka   KafkaConfig   `yaml:"kafka"`

	// path of the YAML file the config was read from, if any
	File string `yaml:"-"`
}

type StorageConfig struct {
	// Profile is one of custom, memory, durable-local or production.
	Profile        string `yaml:"profile"`
	DataDir        string `yaml:"dataDir"`
	ProductionDSN  string `yaml:"productionDsn"`
	LedgerDSN      string `yaml:"ledgerDsn"`
	AnalyticsDSN   string `yaml:"analyticsDsn"`
	CredentialsDSN string `yaml:"credentialsDsn"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwtSecret"`
	JWTAudience     string        `yaml:"jwtAudience"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

type YouTubeConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	UserAgent  string        `yaml:"userAgent"`
	MaxRetries int           `yaml:"maxRetries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type OAuthConfig struct {
	TokenURL     string `yaml:"tokenUrl"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

type SyncConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	BatchLimit     int           `yaml:"batchLimit"`
	Workers        int           `yaml:"workers"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
	SweepJitter    float64       `yaml:"sweepJitter"`
	SweepTimeout   time.Duration `yaml:"sweepTimeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	policy := actionsync.DefaultPolicy()
	return Config{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Storage: StorageConfig{
			DataDir: ".engagehub",
		},
		Auth: AuthConfig{
			JWTAudience:     "engagehub",
			MaxBodyBytes:    64 << 10,
			RateLimitWindow: time.Minute,
		},
		YouTube: YouTubeConfig{
			BaseURL: "https://www.googleapis.com",
			Timeout: 20 * time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Sync: SyncConfig{
			MaxAttempts:    policy.MaxAttempts,
			RetryInterval:  policy.RetryInterval,
			BatchLimit:     policy.BatchLimit,
			Workers:        policy.Workers,
			AttemptTimeout: policy.AttemptTimeout,
			SweepInterval:  time.Minute,
			SweepJitter:    0.2,
			SweepTimeout:   5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "engagehub.sync.outcomes",
		},
	}
}

// Load reads .env (if present), then the YAML file at path, then environment
// overrides. An empty path falls back to ENGAGEHUB_CONFIG.
func Load(path string, logger logrus.FieldLogger) (Config, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := loadDotEnv(envOrDefault(EnvDotEnvFile, ".env")); err != nil {
		return Config{}, err
	}
	if path = strings.TrimSpace(path); path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	return LoadFile(path, logger)
}

// LoadFile builds a config from defaults, the YAML file at path (skipped when
// path is empty) and environment overrides.
func LoadFile(path string, logger logrus.FieldLogger) (Config, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.File = path
	}
	cfg.applyEnv(logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	// variables already set in the process win over the file
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(logger logrus.FieldLogger) {
	c.Addr = envOrDefault("ENGAGEHUB_ADDR", c.Addr)
	c.LogLevel = envOrDefault("ENGAGEHUB_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("ENGAGEHUB_LOG_FORMAT", c.LogFormat)

	c.Storage.Profile = envOrDefault("ENGAGEHUB_BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DataDir = envOrDefault("ENGAGEHUB_DATA_DIR", c.Storage.DataDir)
	c.Storage.ProductionDSN = envOrDefault("ENGAGEHUB_PRODUCTION_DSN", envOrDefault("ENGAGEHUB_POSTGRES_DSN", c.Storage.ProductionDSN))
	c.Storage.LedgerDSN = envOrDefault("ENGAGEHUB_LEDGER_DSN", c.Storage.LedgerDSN)
	c.Storage.AnalyticsDSN = envOrDefault("ENGAGEHUB_ANALYTICS_DSN", c.Storage.AnalyticsDSN)
	c.Storage.CredentialsDSN = envOrDefault("ENGAGEHUB_CREDENTIALS_DSN", c.Storage.CredentialsDSN)

	c.Auth.JWTSecret = envOrDefault("ENGAGEHUB_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = envOrDefault("ENGAGEHUB_JWT_AUDIENCE", c.Auth.JWTAudience)
	c.Auth.MaxBodyBytes = int64Env(logger, "ENGAGEHUB_MAX_BODY_BYTES", c.Auth.MaxBodyBytes)
	c.Auth.RateLimitMax = intEnv(logger, "ENGAGEHUB_RATE_LIMIT_MAX", c.Auth.RateLimitMax)
	c.Auth.RateLimitWindow = durationEnv(logger, "ENGAGEHUB_RATE_LIMIT_WINDOW", c.Auth.RateLimitWindow)

	c.YouTube.BaseURL = envOrDefault("ENGAGEHUB_YOUTUBE_BASE_URL", c.YouTube.BaseURL)
	c.YouTube.UserAgent = envOrDefault("ENGAGEHUB_YOUTUBE_USER_AGENT", c.YouTube.UserAgent)
	c.YouTube.MaxRetries = intEnv(logger, "ENGAGEHUB_YOUTUBE_MAX_RETRIES", c.YouTube.MaxRetries)
	c.YouTube.Timeout = durationEnv(logger, "ENGAGEHUB_YOUTUBE_TIMEOUT", c.YouTube.Timeout)

	c.OAuth.TokenURL = envOrDefault("ENGAGEHUB_OAUTH_TOKEN_URL", c.OAuth.TokenURL)
	c.OAuth.ClientID = envOrDefault("ENGAGEHUB_GOOGLE_CLIENT_ID", c.OAuth.ClientID)
	c.OAuth.ClientSecret = envOrDefault("ENGAGEHUB_GOOGLE_CLIENT_SECRET", c.OAuth.ClientSecret)

	c.Sync.MaxAttempts = intEnv(logger, "ENGAGEHUB_SYNC_MAX_ATTEMPTS", c.Sync.MaxAttempts)
	c.Sync.RetryInterval = secondsOrDurationEnv(logger, "ENGAGEHUB_SYNC_RETRY_INTERVAL", c.Sync.RetryInterval)
	c.Sync.BatchLimit = intEnv(logger, "ENGAGEHUB_SYNC_BATCH_LIMIT", c.Sync.BatchLimit)
	c.Sync.Workers = intEnv(logger, "ENGAGEHUB_SYNC_WORKERS", c.Sync.Workers)
	c.Sync.AttemptTimeout = durationEnv(logger, "ENGAGEHUB_SYNC_ATTEMPT_TIMEOUT", c.Sync.AttemptTimeout)
	c.Sync.SweepInterval = durationEnv(logger, "ENGAGEHUB_SWEEP_INTERVAL", c.Sync.SweepInterval)
	c.Sync.SweepJitter = floatEnv(logger, "ENGAGEHUB_SWEEP_JITTER", c.Sync.SweepJitter)
	c.Sync.SweepTimeout = durationEnv(logger, "ENGAGEHUB_SWEEP_TIMEOUT", c.Sync.SweepTimeout)

	if raw := strings.TrimSpace(os.Getenv("ENGAGEHUB_KAFKA_BROKERS")); raw != "" {
		c.Kafka.Brokers = splitList(raw)
	}
	c.Kafka.Topic = envOrDefault("ENGAGEHUB_KAFKA_TOPIC", c.Kafka.Topic)
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.LogFormat)
	}
	if _, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if _, err := c.StorageDSNs(); err != nil {
		return err
	}
	return nil
}

// Policy returns the retry knobs. Zero or negative values fall back to the
// actionsync defaults.
func (c Config) Policy() actionsync.Policy {
	return actionsync.Policy{
		MaxAttempts:    c.Sync.MaxAttempts,
		RetryInterval:  c.Sync.RetryInterval,
		BatchLimit:     c.Sync.BatchLimit,
		Workers:        c.Sync.Workers,
		AttemptTimeout: c.Sync.AttemptTimeout,
	}.Normalize()
}

type BackendDSNs struct {
	Ledger      string
	Analytics   string
	Credentials string
}

// StorageDSNs resolves the backend profile into per-store DSNs. Explicit DSNs
// always win over profile defaults.
func (c Config) StorageDSNs() (BackendDSNs, error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".engagehub"
	}
	var defaults BackendDSNs
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		defaults = BackendDSNs{Ledger: "memory://", Analytics: "memory://", Credentials: "memory://"}
	case "durable-local", "local-durable":
		defaults = BackendDSNs{
			Ledger:      "sqlite://" + filepath.Join(dataDir, "ledger.db"),
			Analytics:   "sqlite://" + filepath.Join(dataDir, "analytics.db"),
			Credentials: "sqlite://" + filepath.Join(dataDir, "credentials.db"),
		}
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			return BackendDSNs{}, fmt.Errorf("ENGAGEHUB_PRODUCTION_DSN or ENGAGEHUB_POSTGRES_DSN is required when backend profile is %s", profile)
		}
		defaults = BackendDSNs{Ledger: dsn, Analytics: dsn, Credentials: dsn}
	default:
		return BackendDSNs{}, fmt.Errorf("unsupported ENGAGEHUB_BACKEND_PROFILE: %s", profile)
	}
	return BackendDSNs{
		Ledger:      firstNonEmpty(c.Storage.LedgerDSN, defaults.Ledger),
		Analytics:   firstNonEmpty(c.Storage.AnalyticsDSN, defaults.Analytics),
		Credentials: firstNonEmpty(c.Storage.CredentialsDSN, defaults.Credentials),
	}, nil
}

// NewLogger builds a logger with the configured level and format.
func (c Config) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	logger.SetLevel(level)
	if strings.EqualFold(strings.TrimSpace(c.LogFormat), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger logrus.FieldLogger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger logrus.FieldLogger, name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger logrus.FieldLogger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// secondsOrDurationEnv accepts a bare number of seconds ("300") as well as a
// Go duration ("5m").
func secondsOrDurationEnv(logger logrus.FieldLogger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return durationEnv(logger, name, fallback)
}

func floatEnv(logger logrus.FieldLogger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
