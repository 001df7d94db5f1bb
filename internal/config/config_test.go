package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
}

func TestDefaultsMatchSyncPolicy(t *testing.T) {
	cfg, err := LoadFile("", nil)
	require.NoError(t, err)
	assert.Equal(t, actionsync.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.Sync.RetryInterval)
	assert.Equal(t, 50, cfg.Sync.BatchLimit)
	assert.Equal(t, ":8080", cfg.Addr)
}

func TestLoadFileAppliesYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engagehub.yaml")
	writeFile(t, path, `
addr: ":9090"
logFormat: json
storage:
  profile: memory
sync:
  maxAttempts: 7
  retryInterval: 2m
  batchLimit: 20
kafka:
  brokers: ["k1:9092"]
`)
	t.Setenv("ENGAGEHUB_SYNC_BATCH_LIMIT", "30")
	t.Setenv("ENGAGEHUB_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 7, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Sync.RetryInterval)
	assert.Equal(t, 30, cfg.Sync.BatchLimit, "env overrides the file")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "engagehub.sync.outcomes", cfg.Kafka.Topic, "unset keys keep their defaults")

	dsns, err := cfg.StorageDSNs()
	require.NoError(t, err)
	assert.Equal(t, "memory://", dsns.Ledger)
}

func TestInvalidEnvValueLogsAndFallsBack(t *testing.T) {
	t.Setenv("ENGAGEHUB_SYNC_MAX_ATTEMPTS", "many")
	logger, hook := logtest.NewNullLogger()

	cfg, err := LoadFile("", logger)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "ENGAGEHUB_SYNC_MAX_ATTEMPTS")
}

func TestRetryIntervalAcceptsSeconds(t *testing.T) {
	t.Setenv("ENGAGEHUB_SYNC_RETRY_INTERVAL", "45")
	cfg, err := LoadFile("", nil)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Sync.RetryInterval)

	t.Setenv("ENGAGEHUB_SYNC_RETRY_INTERVAL", "90s")
	cfg, err = LoadFile("", nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Sync.RetryInterval)
}

func TestPolicyNormalizesNonPositiveValues(t *testing.T) {
	cfg := Default()
	cfg.Sync.MaxAttempts = 0
	cfg.Sync.BatchLimit = -1
	policy := cfg.Policy()
	assert.Equal(t, actionsync.DefaultMaxAttempts, policy.MaxAttempts)
	assert.Equal(t, actionsync.DefaultBatchLimit, policy.BatchLimit)
}

func TestStorageProfiles(t *testing.T) {
	cfg := Default()
	cfg.Storage.Profile = "durable-local"
	cfg.Storage.DataDir = "/var/lib/engagehub"
	dsns, err := cfg.StorageDSNs()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/engagehub/ledger.db", dsns.Ledger)
	assert.Equal(t, "sqlite:///var/lib/engagehub/analytics.db", dsns.Analytics)

	cfg.Storage.Profile = "production"
	_, err = cfg.StorageDSNs()
	require.Error(t, err)

	cfg.Storage.ProductionDSN = "postgres://db/engagehub"
	cfg.Storage.CredentialsDSN = "sqlite:///secure/creds.db"
	dsns, err = cfg.StorageDSNs()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/engagehub", dsns.Ledger)
	assert.Equal(t, "sqlite:///secure/creds.db", dsns.Credentials, "explicit DSN wins")

	cfg.Storage.Profile = "cloud"
	_, err = cfg.StorageDSNs()
	require.Error(t, err)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	writeFile(t, envFile, "ENGAGEHUB_TEST_DOTENV_ADDR=:7070\n")
	t.Setenv(EnvDotEnvFile, envFile)
	t.Setenv(EnvConfigFile, "")
	t.Setenv("ENGAGEHUB_ADDR", "")
	t.Cleanup(func() { _ = os.Unsetenv("ENGAGEHUB_TEST_DOTENV_ADDR") })

	_, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":7070", os.Getenv("ENGAGEHUB_TEST_DOTENV_ADDR"))

	t.Setenv(EnvDotEnvFile, filepath.Join(dir, "missing.env"))
	_, err = Load("", nil)
	require.NoError(t, err, "a missing .env file is not an error")
}

func TestValidateRejectsBadLogging(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LogLevel = "loud"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LogFormat = "json"
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestWatchDeliversReloadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engagehub.yaml")
	writeFile(t, path, "sync:\n  maxAttempts: 3\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg Config) { changes <- cfg })
	}()

	// give the watcher time to register before the write
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "sync:\n  maxAttempts: 9\n")

	select {
	case cfg := <-changes:
		assert.Equal(t, 9, cfg.Sync.MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestWatchRequiresPath(t *testing.T) {
	require.Error(t, Watch(context.Background(), "", nil, func(Config) {}))
}
