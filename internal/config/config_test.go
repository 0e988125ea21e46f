package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/idempotency"
	"github.com/ChuLiYu/fairshare/internal/outbox"
	"github.com/ChuLiYu/fairshare/internal/worker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fairshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json

store:
  backend: postgres
  postgres:
    dsn: "postgres://localhost/fairshare?sslmode=disable"
    max_open_conns: 10
  snapshot_interval: 1m

broker:
  backend: jetstream
  jetstream:
    url: "nats://localhost:4222"
    ack_wait: 45s

worker:
  group: balancers
  batch_size: 25
  block: 2s

idempotency:
  ttl: 12h
  backend: pebble
  pebble_path: /var/lib/fairshare/keys

outbox:
  batch_size: 50
  interval: 2s

metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 10, cfg.Store.Postgres.MaxOpenConns)
	assert.Equal(t, time.Minute, cfg.Store.SnapshotInterval)
	assert.Equal(t, "jetstream", cfg.Broker.Backend)
	assert.Equal(t, 45*time.Second, cfg.Broker.JetStream.AckWait)
	assert.Equal(t, "balancers", cfg.Worker.Group)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Worker.Block)
	assert.Equal(t, 12*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "/var/lib/fairshare/keys", cfg.Idempotency.PebblePath)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.False(t, cfg.Metrics.Enabled)

	// 未設定的欄位補上預設值
	assert.Equal(t, worker.DefaultStream, cfg.Worker.Stream)
	assert.Equal(t, outbox.DefaultNotifyStream, cfg.Outbox.NotifyStream)
	assert.True(t, cfg.GRPC.Enabled)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Broker.Backend)
	assert.Equal(t, "store", cfg.Idempotency.Backend)
	assert.Equal(t, idempotency.DefaultTTL, cfg.Idempotency.TTL)
	assert.Equal(t, worker.DefaultBatchSize, cfg.Worker.BatchSize)
	assert.Equal(t, worker.DefaultBlock, cfg.Worker.Block)
	assert.NotEmpty(t, cfg.Worker.Consumer)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.True(t, cfg.Schedule.DailyReset)
	assert.Equal(t, time.Minute, cfg.Schedule.RolloverCheck)
	assert.Equal(t, "data/fairshare.journal", cfg.Store.JournalPath)
	assert.False(t, cfg.Store.JournalSync)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
worker:
  batch_size: 5
`)
	t.Setenv("FAIRSHARE_STORE_BACKEND", "postgres")
	t.Setenv("FAIRSHARE_POSTGRES_DSN", "postgres://env/fairshare")
	t.Setenv("FAIRSHARE_WORKER_BATCH_SIZE", "40")
	t.Setenv("FAIRSHARE_IDEMPOTENCY_TTL", "30m")
	t.Setenv("FAIRSHARE_METRICS_ENABLED", "false")
	t.Setenv("FAIRSHARE_JOURNAL_PATH", "/tmp/fairshare.journal")
	t.Setenv("FAIRSHARE_JOURNAL_SYNC", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "postgres://env/fairshare", cfg.Store.Postgres.DSN)
	assert.Equal(t, 40, cfg.Worker.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Idempotency.TTL)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/tmp/fairshare.journal", cfg.Store.JournalPath)
	assert.True(t, cfg.Store.JournalSync)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("FAIRSHARE_WORKER_BATCH_SIZE", "many")

	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "worker: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"unknown broker", func(c *Config) { c.Broker.Backend = "kafka" }, "broker.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres.dsn"},
		{"jetstream without url", func(c *Config) { c.Broker.Backend = "jetstream" }, "broker.jetstream.url"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"s3 upload without endpoint", func(c *Config) { c.Report.UploadS3 = true }, "report.s3.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_NormalizesCase(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = " Memory "
	cfg.Log.Format = "JSON"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	log.Info("hidden")
	log.Warn("shown", "task_id", "t1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "t1", entry["task_id"])
}
