// ============================================================================
// fairshare 組裝 - 依設定建立 Controller
// ============================================================================
//
// Package: internal/controller
// 文件: build.go
//
// 職責說明：
// 1. 依設定檔開啟儲存、訊息代理、冪等鍵後端並組合 Controller
// 2. 任一步驟失敗時關閉已開啟的資源
// 3. 套用規則檔（內容與目前啟用的規則集相同時不重複寫入）
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/fairshare/internal/broker"
	"github.com/ChuLiYu/fairshare/internal/config"
	"github.com/ChuLiYu/fairshare/internal/idempotency"
	"github.com/ChuLiYu/fairshare/internal/metrics"
	"github.com/ChuLiYu/fairshare/internal/rules"
	"github.com/ChuLiYu/fairshare/internal/snapshot"
	"github.com/ChuLiYu/fairshare/internal/storage/wal"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// ConfigFrom 從完整設定取出 Controller 需要的部分
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Worker:           cfg.Worker,
		Matcher:          cfg.Matcher,
		Idempotency:      cfg.Idempotency,
		Outbox:           cfg.Outbox,
		KPI:              cfg.KPI,
		StatsInterval:    cfg.Stats.Interval,
		SnapshotInterval: cfg.Store.SnapshotInterval,
		SnapshotKeep:     cfg.Store.SnapshotKeep,
		DailyReset:       cfg.Schedule.DailyReset,
		RolloverCheck:    cfg.Schedule.RolloverCheck,
		RuleFile:         cfg.Rules.File,
	}
}

// Build 依設定開啟所有後端並建立 Controller（尚未 Start）
//
// reg 為指標註冊處；nil 時使用獨立的 registry。
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	var opened []io.Closer
	fail := func(err error) (*Controller, error) {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i].Close()
		}
		return nil, err
	}

	// 1. 儲存
	s, snap, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	opened = append(opened, s)

	// 2. 訊息代理
	b, err := OpenBroker(cfg.Broker)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, b)

	// 3. 冪等鍵後端
	deps := Deps{
		Store:     s,
		Broker:    b,
		Snapshots: snap,
		Logger:    log,
		Metrics:   metrics.NewCollector(reg),
	}
	if cfg.Idempotency.Backend == "pebble" {
		if err := os.MkdirAll(filepath.Dir(cfg.Idempotency.PebblePath), 0o755); err != nil {
			return fail(fmt.Errorf("failed to create pebble directory: %w", err))
		}
		keys, err := idempotency.OpenPebble(cfg.Idempotency.PebblePath)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, keys)
		deps.Keys = keys
		deps.Closers = append(deps.Closers, keys)
	}

	// 4. 規則引擎
	if deps.Engine, err = rules.NewEngine(cfg.Rules.CostLimit); err != nil {
		return fail(fmt.Errorf("failed to create rule engine: %w", err))
	}

	c, err := New(ConfigFrom(cfg), deps)
	if err != nil {
		return fail(err)
	}

	log.Info("Controller built",
		"store", cfg.Store.Backend,
		"broker", cfg.Broker.Backend,
		"idempotency", cfg.Idempotency.Backend)
	return c, nil
}

// OpenStore 開啟儲存後端；memory 後端另外回傳快照管理器
//
// postgres 後端開啟後會執行 Migrate。memory 後端同時設定 SnapshotPath 與
// JournalPath 時以 *store.Journaled 包裝，日誌要等 Restore 後才會重放。
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, *snapshot.Manager, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, nil, nil

	case "memory", "":
		if cfg.SnapshotPath == "" {
			return store.NewMemory(), nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(cfg.SnapshotPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
		snap := snapshot.NewManager(cfg.SnapshotPath)
		if cfg.JournalPath == "" {
			return store.NewMemory(), snap, nil
		}
		journal, err := wal.Open(cfg.JournalPath, wal.Options{SyncOnAppend: cfg.JournalSync})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		return store.NewJournaled(store.NewMemory(), journal), snap, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
}

// OpenBroker 開啟訊息代理
func OpenBroker(cfg config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Backend {
	case "jetstream":
		return broker.ConnectJetStream(cfg.JetStream)
	case "memory", "":
		return broker.NewMemory(cfg.VisibilityTimeout), nil
	}
	return nil, fmt.Errorf("%w: unknown broker backend %q", config.ErrInvalidConfig, cfg.Backend)
}

// RuleStore 規則集的讀寫
type RuleStore interface {
	SaveRuleSet(ctx context.Context, rs *types.RuleSet) error
	ActiveRuleSet(ctx context.Context) (*types.RuleSet, error)
}

// ApplyRuleFile 讀取、驗證並啟用規則檔
//
// 內容與目前啟用的規則集相同時回傳既有規則集，applied 為 false。
func ApplyRuleFile(ctx context.Context, s RuleStore, engine *rules.Engine, path string) (rs *types.RuleSet, applied bool, err error) {
	rs, err = rules.LoadRuleSet(path)
	if err != nil {
		return nil, false, err
	}
	if err := engine.Validate(rs); err != nil {
		return nil, false, fmt.Errorf("rule set %s: %w", rs.Name, err)
	}
	rs.Active = true

	current, err := s.ActiveRuleSet(ctx)
	if err != nil {
		return nil, false, err
	}
	if current != nil && sameRules(current, rs) {
		return current, false, nil
	}

	rs.ID = ""
	if err := s.SaveRuleSet(ctx, rs); err != nil {
		return nil, false, fmt.Errorf("failed to save rule set: %w", err)
	}
	return rs, true, nil
}

func sameRules(a, b *types.RuleSet) bool {
	key := func(rs *types.RuleSet) string {
		data, err := json.Marshal(struct {
			Name       string             `json:"name"`
			Conditions []types.Condition  `json:"conditions"`
			Weights    []types.WeightRule `json:"weights"`
		}{rs.Name, rs.Conditions, rs.Weights})
		if err != nil {
			return ""
		}
		return string(data)
	}
	ka := key(a)
	return ka != "" && ka == key(b)
}
