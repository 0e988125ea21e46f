// ============================================================================
// fairshare CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 建立 fairshare 的命令列介面
//
// 命令結構:
//   fairshare                      # 根命令
//   ├── run                        # 啟動 Controller、gRPC 與 metrics 伺服器
//   ├── submit                     # 經由 gRPC 提交任務
//   ├── stats                      # 經由 gRPC 查詢負載分布
//   ├── status                     # 讀取儲存，顯示系統狀態
//   ├── reset-daily                # 歸零所有 Executor 的 assignedToday
//   ├── kpi trend|compute|export   # KPI 查詢、計算與匯出
//   ├── rules validate|apply|show  # 規則集管理
//   ├── executor add|set|list|perf # Executor 管理
//   ├── journal stats|dump|repair  # memory 後端日誌檢查與修復
//   ├── --config, -c               # 設定檔（預設 configs/fairshare.yaml）
//   └── --version
//
// 設定檔:
//   未指定 --config 且預設檔案不存在時使用內建預設值；
//   .env 與 FAIRSHARE_* 環境變數會覆蓋檔案內容（見 internal/config）。
//
// 管理命令與 memory 後端:
//   status / reset-daily / kpi / rules / executor 直接開啟設定中的儲存。
//   memory 後端會先載入快照並重放日誌，修改後寫回快照；請勿在 run 執行中對同一快照操作。
//
// run 命令:
//   1. 載入設定並建立 logger、tracing
//   2. 依設定建立並啟動 Controller
//   3. 啟動 Metrics HTTP 伺服器與 gRPC 伺服器（若啟用）
//   4. 等待系統訊號 (SIGINT, SIGTERM) 或伺服器錯誤
//   5. 依序關閉：伺服器 → Controller → tracing
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fairshare/internal/config"
	"github.com/ChuLiYu/fairshare/internal/controller"
	"github.com/ChuLiYu/fairshare/internal/metrics"
	"github.com/ChuLiYu/fairshare/internal/observability"
	"github.com/ChuLiYu/fairshare/internal/server"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// Version 由建置時的 -ldflags 注入
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fairshare",
		Short: "fairshare: a fair task-to-executor balancer",
		Long: `fairshare assigns incoming tasks to executors with:
- rule-based eligibility and weights
- fairness against each executor's daily limit
- idempotent ingestion and at-least-once queue consumption
- transactional outbox and daily KPI aggregation`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(
		buildRunCommand(),
		buildSubmitCommand(),
		buildStatsCommand(),
		buildStatusCommand(),
		buildResetDailyCommand(),
		buildKPICommand(),
		buildRulesCommand(),
		buildExecutorCommand(),
		buildJournalCommand(),
	)

	return rootCmd
}

// loadConfig 讀取 --config；未指定且預設檔不存在時只用預設值與環境變數
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if f := cmd.Flag("config"); f == nil || !f.Changed {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the balancer (consumer, outbox, KPI and servers)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runSystem(cmd.Context(), cfg)
		},
	}
	return cmd
}

func runSystem(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "fairshare", cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := controller.Build(ctx, cfg, reg, log)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	errCh := make(chan error, 2)
	running := 0

	if cfg.Metrics.Enabled {
		running++
		go func() {
			if err := metrics.StartServer(serveCtx, cfg.Metrics.Addr, reg, log); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			cancelServe()
			ctrl.Stop()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		srv := server.NewGRPCServer(server.NewServer(ctrl, ctrl.Matcher(), ctrl.Aggregator(), log))
		log.Info("gRPC server listening", "addr", lis.Addr().String())

		running++
		go func() {
			if err := server.Serve(serveCtx, srv, lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	log.Info("System started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		running--
		log.Error("Server exited", "error", runErr)
	}

	cancelServe()
	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			log.Warn("Server stopped with error", "error", err)
		}
	}
	ctrl.Stop()

	log.Info("System stopped")
	return runErr
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status from the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, false, func(s store.Store) error {
				return showStatus(cmd, cfg, s)
			})
		},
	}
	return cmd
}

func showStatus(cmd *cobra.Command, cfg *config.Config, s store.Store) error {
	ctx := cmd.Context()
	counts, err := s.CountTasks(ctx)
	if err != nil {
		return err
	}
	m, err := newMatcher(s, cfg)
	if err != nil {
		return err
	}
	d, err := m.DistributionStats(ctx)
	if err != nil {
		return err
	}
	rs, err := s.ActiveRuleSet(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  config file:  %s\n", displayPath(configFile))
	fmt.Fprintf(out, "  store:        %s\n", cfg.Store.Backend)
	fmt.Fprintf(out, "  broker:       %s\n", cfg.Broker.Backend)
	fmt.Fprintf(out, "  idempotency:  %s (ttl %s)\n", cfg.Idempotency.Backend, cfg.Idempotency.TTL)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Tasks:")
	fmt.Fprintf(out, "  pending:   %d\n", counts[types.TaskPending])
	fmt.Fprintf(out, "  assigned:  %d\n", counts[types.TaskAssigned])
	fmt.Fprintf(out, "  failed:    %d\n", counts[types.TaskFailed])
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Executors:")
	fmt.Fprintf(out, "  active:    %d of %d\n", d.ActiveExecutors, len(d.Executors))
	fmt.Fprintf(out, "  assigned:  %d / %d capacity\n", d.TotalAssigned, d.TotalCapacity)
	fmt.Fprintf(out, "  mae:       %.4f\n", d.MAE)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Rules:")
	if rs == nil {
		fmt.Fprintln(out, "  no active rule set (all active executors eligible)")
	} else {
		fmt.Fprintf(out, "  %s (%d conditions, %d weights)\n", rs.Name, len(rs.Conditions), len(rs.Weights))
	}
	return nil
}

func displayPath(p string) string {
	if _, err := os.Stat(p); err != nil {
		return p + " (not found, using defaults)"
	}
	return p
}

func newTable(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
}
