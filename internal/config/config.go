// ============================================================================
// fairshare 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
//
// 來源（後者覆蓋前者）:
//   1. 內建預設值
//   2. YAML 設定檔（預設 configs/fairshare.yaml）
//   3. .env 檔案（若存在，只補上尚未設定的環境變數）
//   4. FAIRSHARE_* 環境變數
//
// Validate 補齊各元件的預設值並檢查列舉欄位。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fairshare/internal/broker"
	"github.com/ChuLiYu/fairshare/internal/idempotency"
	"github.com/ChuLiYu/fairshare/internal/kpi"
	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/internal/observability"
	"github.com/ChuLiYu/fairshare/internal/outbox"
	"github.com/ChuLiYu/fairshare/internal/report"
	"github.com/ChuLiYu/fairshare/internal/rules"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/internal/worker"
)

const DefaultPath = "configs/fairshare.yaml"

var ErrInvalidConfig = errors.New("invalid config")

// Config 完整的系統設定
type Config struct {
	Log         LogConfig                   `yaml:"log"`
	Store       StoreConfig                 `yaml:"store"`
	Broker      BrokerConfig                `yaml:"broker"`
	Worker      worker.Config               `yaml:"worker"`
	Matcher     matcher.Config              `yaml:"matcher"`
	Rules       RulesConfig                 `yaml:"rules"`
	Idempotency idempotency.Config          `yaml:"idempotency"`
	Outbox      outbox.Config               `yaml:"outbox"`
	KPI         kpi.Config                  `yaml:"kpi"`
	Stats       StatsConfig                 `yaml:"stats"`
	Schedule    ScheduleConfig              `yaml:"schedule"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	GRPC        GRPCConfig                  `yaml:"grpc"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	Report      ReportConfig                `yaml:"report"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type StoreConfig struct {
	Backend          string               `yaml:"backend"` // memory | postgres
	Postgres         store.PostgresConfig `yaml:"postgres"`
	SnapshotPath     string               `yaml:"snapshot_path"`
	SnapshotInterval time.Duration        `yaml:"snapshot_interval"`
	SnapshotKeep     int                  `yaml:"snapshot_keep"`
	// JournalPath 兩次快照之間的修改寫入此日誌；需搭配 SnapshotPath，留空則不啟用
	JournalPath string `yaml:"journal_path"`
	// JournalSync 每筆修改都 fsync；關閉時以批次寫入，崩潰最多遺失一個批次間隔
	JournalSync bool `yaml:"journal_sync"`
}

type BrokerConfig struct {
	Backend           string                 `yaml:"backend"` // memory | jetstream
	VisibilityTimeout time.Duration          `yaml:"visibility_timeout"`
	JetStream         broker.JetStreamConfig `yaml:"jetstream"`
}

type RulesConfig struct {
	CostLimit uint64 `yaml:"cost_limit"`
	// File 啟動時套用的規則集（可留空）
	File string `yaml:"file"`
}

type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ScheduleConfig 日期切換：結算前一天 KPI 並歸零 assignedToday
//
// 多個行程共用同一個儲存時，只應有一個行程開啟 DailyReset。
type ScheduleConfig struct {
	DailyReset    bool          `yaml:"daily_reset"`
	RolloverCheck time.Duration `yaml:"rollover_check"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ReportConfig struct {
	Format   string          `yaml:"format"` // json | csv
	Dir      string          `yaml:"dir"`
	S3       report.S3Config `yaml:"s3"`
	UploadS3 bool            `yaml:"upload_s3"`
}

// Default 內建預設值
func Default() *Config {
	cfg := &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Backend:      "memory",
			SnapshotPath: "data/fairshare.snapshot.json",
			JournalPath:  "data/fairshare.journal",
		},
		Broker:   BrokerConfig{Backend: "memory"},
		Schedule: ScheduleConfig{DailyReset: true},
		Metrics:  MetricsConfig{Enabled: true, Addr: ":9090"},
		GRPC:     GRPCConfig{Enabled: true, Addr: ":50051"},
		Tracing:  observability.TracingConfig{Exporter: "none"},
		Report:   ReportConfig{Format: "json", Dir: "reports"},
	}
	cfg.Idempotency.Backend = "store"
	return cfg
}

// Load 依序套用預設值、設定檔、.env 與環境變數
//
// path 為空時不讀設定檔；指定的檔案不存在則回傳錯誤。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 以 FAIRSHARE_* 覆蓋設定
func (c *Config) applyEnv() error {
	c.Log.Level = getEnv("FAIRSHARE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("FAIRSHARE_LOG_FORMAT", c.Log.Format)

	c.Store.Backend = getEnv("FAIRSHARE_STORE_BACKEND", c.Store.Backend)
	c.Store.Postgres.DSN = getEnv("FAIRSHARE_POSTGRES_DSN", c.Store.Postgres.DSN)
	c.Store.SnapshotPath = getEnv("FAIRSHARE_SNAPSHOT_PATH", c.Store.SnapshotPath)
	c.Store.JournalPath = getEnv("FAIRSHARE_JOURNAL_PATH", c.Store.JournalPath)

	c.Broker.Backend = getEnv("FAIRSHARE_BROKER_BACKEND", c.Broker.Backend)
	c.Broker.JetStream.URL = getEnv("FAIRSHARE_NATS_URL", c.Broker.JetStream.URL)

	c.Worker.Consumer = getEnv("FAIRSHARE_WORKER_CONSUMER", c.Worker.Consumer)
	c.Worker.Group = getEnv("FAIRSHARE_WORKER_GROUP", c.Worker.Group)

	c.Idempotency.Backend = getEnv("FAIRSHARE_IDEMPOTENCY_BACKEND", c.Idempotency.Backend)
	c.Idempotency.PebblePath = getEnv("FAIRSHARE_IDEMPOTENCY_PEBBLE_PATH", c.Idempotency.PebblePath)

	c.Metrics.Addr = getEnv("FAIRSHARE_METRICS_ADDR", c.Metrics.Addr)
	c.GRPC.Addr = getEnv("FAIRSHARE_GRPC_ADDR", c.GRPC.Addr)

	c.Tracing.Exporter = getEnv("FAIRSHARE_TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = getEnv("FAIRSHARE_OTLP_ENDPOINT", c.Tracing.Endpoint)

	c.Report.S3.Endpoint = getEnv("FAIRSHARE_S3_ENDPOINT", c.Report.S3.Endpoint)
	c.Report.S3.AccessKey = getEnv("FAIRSHARE_S3_ACCESS_KEY", c.Report.S3.AccessKey)
	c.Report.S3.SecretKey = getEnv("FAIRSHARE_S3_SECRET_KEY", c.Report.S3.SecretKey)
	c.Report.S3.Bucket = getEnv("FAIRSHARE_S3_BUCKET", c.Report.S3.Bucket)

	var err error
	if c.Idempotency.TTL, err = getDuration("FAIRSHARE_IDEMPOTENCY_TTL", c.Idempotency.TTL); err != nil {
		return err
	}
	if c.Worker.BatchSize, err = getInt("FAIRSHARE_WORKER_BATCH_SIZE", c.Worker.BatchSize); err != nil {
		return err
	}
	if c.Metrics.Enabled, err = getBool("FAIRSHARE_METRICS_ENABLED", c.Metrics.Enabled); err != nil {
		return err
	}
	if c.Schedule.DailyReset, err = getBool("FAIRSHARE_DAILY_RESET", c.Schedule.DailyReset); err != nil {
		return err
	}
	if c.GRPC.Enabled, err = getBool("FAIRSHARE_GRPC_ENABLED", c.GRPC.Enabled); err != nil {
		return err
	}
	if c.Report.S3.UseSSL, err = getBool("FAIRSHARE_S3_USE_SSL", c.Report.S3.UseSSL); err != nil {
		return err
	}
	if c.Store.JournalSync, err = getBool("FAIRSHARE_JOURNAL_SYNC", c.Store.JournalSync); err != nil {
		return err
	}
	return nil
}

// Validate 檢查列舉欄位並補上預設值
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) string {
		v := strings.ToLower(strings.TrimSpace(value))
		for _, a := range allowed {
			if v == a {
				return v
			}
		}
		errs = append(errs, fmt.Errorf("%w: %s must be one of %s, got %q",
			ErrInvalidConfig, field, strings.Join(allowed, "|"), value))
		return value
	}

	c.Log.Level = check("log.level", c.Log.Level, "debug", "info", "warn", "error")
	c.Log.Format = check("log.format", c.Log.Format, "text", "json")
	c.Store.Backend = check("store.backend", c.Store.Backend, "memory", "postgres")
	c.Broker.Backend = check("broker.backend", c.Broker.Backend, "memory", "jetstream")
	c.Idempotency.Backend = check("idempotency.backend", c.Idempotency.Backend, "store", "pebble")
	c.Report.Format = check("report.format", c.Report.Format, "json", "csv")

	if c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "" {
		errs = append(errs, fmt.Errorf("%w: store.postgres.dsn is required for the postgres backend", ErrInvalidConfig))
	}
	if c.Broker.Backend == "jetstream" && c.Broker.JetStream.URL == "" {
		errs = append(errs, fmt.Errorf("%w: broker.jetstream.url is required for the jetstream backend", ErrInvalidConfig))
	}
	if c.Idempotency.Backend == "pebble" && c.Idempotency.PebblePath == "" {
		c.Idempotency.PebblePath = "data/idempotency"
	}
	if c.Report.UploadS3 && c.Report.S3.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%w: report.s3.endpoint is required when upload_s3 is set", ErrInvalidConfig))
	}

	c.Worker.ApplyDefaults()
	if c.Broker.VisibilityTimeout <= 0 {
		c.Broker.VisibilityTimeout = broker.DefaultVisibilityTimeout
	}
	if c.Matcher.MaxCommitRetries <= 0 {
		c.Matcher.MaxCommitRetries = matcher.DefaultMaxCommitRetries
	}
	if c.Rules.CostLimit == 0 {
		c.Rules.CostLimit = rules.DefaultCostLimit
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = idempotency.DefaultTTL
	}
	if c.Idempotency.PurgeInterval <= 0 {
		c.Idempotency.PurgeInterval = time.Hour
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = outbox.DefaultBatchSize
	}
	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = outbox.DefaultInterval
	}
	if c.Outbox.NotifyStream == "" {
		c.Outbox.NotifyStream = outbox.DefaultNotifyStream
	}
	if c.KPI.Interval <= 0 {
		c.KPI.Interval = kpi.DefaultInterval
	}
	if c.KPI.TrendDays <= 0 {
		c.KPI.TrendDays = kpi.DefaultTrendDays
	}
	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 15 * time.Second
	}
	if c.Schedule.RolloverCheck <= 0 {
		c.Schedule.RolloverCheck = time.Minute
	}
	if c.Store.SnapshotInterval <= 0 {
		c.Store.SnapshotInterval = 30 * time.Second
	}
	if c.Store.SnapshotKeep <= 0 {
		c.Store.SnapshotKeep = 3
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}

	return errors.Join(errs...)
}

// NewLogger 依設定建立 slog.Logger
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel 未知的字串視為 info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s: %v", ErrInvalidConfig, key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}
