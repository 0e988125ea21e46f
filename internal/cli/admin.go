// ============================================================================
// fairshare CLI - 管理指令
// ============================================================================
//
// Package: internal/cli
// 文件: admin.go
//
// 職責說明：
// 1. withStore：開啟設定中的儲存（memory 後端載入並寫回快照）
// 2. executor add|set|list|perf：Executor 管理
// 3. rules validate|apply|show：規則集管理
// 4. reset-daily：手動歸零 assignedToday
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fairshare/internal/config"
	"github.com/ChuLiYu/fairshare/internal/controller"
	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/internal/rules"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// withStore 開啟儲存並執行 fn
//
// memory 後端先從快照與日誌恢復；write 為 true 且 fn 成功時寫回快照並壓縮日誌。
func withStore(ctx context.Context, cfg *config.Config, write bool, fn func(s store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, snap, err := controller.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	persist, ok := s.(store.Snapshotter)
	ok = ok && snap != nil
	if ok {
		data, err := snap.Load()
		if err != nil {
			return err
		}
		if err := persist.Restore(data); err != nil {
			return err
		}
	}

	if err := fn(s); err != nil {
		return err
	}

	if write && ok {
		data := persist.Snapshot()
		if err := snap.WriteWithBackup(data, cfg.Store.SnapshotKeep); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if cp, isCompactor := s.(store.Compactor); isCompactor {
			if err := cp.Compact(data.JournalSeq); err != nil {
				return fmt.Errorf("failed to compact journal: %w", err)
			}
		}
	}
	return nil
}

func newMatcher(s store.Store, cfg *config.Config) (*matcher.Matcher, error) {
	engine, err := rules.NewEngine(cfg.Rules.CostLimit)
	if err != nil {
		return nil, err
	}
	return matcher.New(s, engine, cfg.Matcher, slog.Default()), nil
}

// storeCommand 載入設定後在儲存上執行 fn
func storeCommand(write bool, fn func(cmd *cobra.Command, args []string, cfg *config.Config, s store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), cfg, write, func(s store.Store) error {
			return fn(cmd, args, cfg, s)
		})
	}
}

// ============================================================================
// reset-daily
// ============================================================================

func buildResetDailyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-daily",
		Short: "Reset assigned_today of every executor to zero",
		Args:  cobra.NoArgs,
		RunE: storeCommand(true, func(cmd *cobra.Command, _ []string, cfg *config.Config, s store.Store) error {
			m, err := newMatcher(s, cfg)
			if err != nil {
				return err
			}
			n, err := m.ResetDailyCounts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d executors\n", n)
			return nil
		}),
	}
}

// ============================================================================
// executor
// ============================================================================

func buildExecutorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executor",
		Aliases: []string{"executors"},
		Short:   "Manage executors",
	}
	cmd.AddCommand(
		buildExecutorAddCommand(),
		buildExecutorSetCommand(),
		buildExecutorListCommand(),
		buildExecutorPerfCommand(),
	)
	return cmd
}

func buildExecutorAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an executor",
		Args:  cobra.NoArgs,
		RunE: storeCommand(true, func(cmd *cobra.Command, _ []string, _ *config.Config, s store.Store) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			limit, _ := cmd.Flags().GetInt("limit")
			inactive, _ := cmd.Flags().GetBool("inactive")
			raw, _ := cmd.Flags().GetStringArray("param")

			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			params, err := parseParams(raw)
			if err != nil {
				return err
			}

			e := &types.Executor{
				ID:         id,
				Name:       name,
				Parameters: params,
				Active:     !inactive,
				DailyLimit: limit,
			}
			if err := s.CreateExecutor(cmd.Context(), e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "executor %s created\n", e.ID)
			return nil
		}),
	}
	cmd.Flags().String("id", "", "executor id (generated when empty)")
	cmd.Flags().String("name", "", "executor name")
	cmd.Flags().Int("limit", 100, "daily assignment limit")
	cmd.Flags().Bool("inactive", false, "register as inactive")
	cmd.Flags().StringArray("param", nil, "parameter key=value (repeatable; value parsed as YAML)")
	return cmd
}

func buildExecutorSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Update an executor (only the given flags change)",
		Args:  cobra.ExactArgs(1),
		RunE: storeCommand(true, func(cmd *cobra.Command, args []string, _ *config.Config, s store.Store) error {
			ctx := cmd.Context()
			e, err := s.GetExecutor(ctx, args[0])
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("name") {
				e.Name, _ = flags.GetString("name")
			}
			if flags.Changed("limit") {
				limit, _ := flags.GetInt("limit")
				if limit < 0 {
					return fmt.Errorf("--limit must not be negative")
				}
				e.DailyLimit = limit
			}
			if flags.Changed("active") {
				e.Active, _ = flags.GetBool("active")
			}
			if flags.Changed("param") {
				raw, _ := flags.GetStringArray("param")
				params, err := parseParams(raw)
				if err != nil {
					return err
				}
				if e.Parameters == nil {
					e.Parameters = types.NewDocument()
				}
				for _, k := range params.Keys() {
					v, _ := params.Get(k)
					e.Parameters.Set(k, v)
				}
			}
			if flags.Changed("unset") {
				keys, _ := flags.GetStringSlice("unset")
				for _, k := range keys {
					e.Parameters.Delete(k)
				}
			}

			if err := s.UpdateExecutor(ctx, e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "executor %s updated\n", e.ID)
			return nil
		}),
	}
	cmd.Flags().String("name", "", "executor name")
	cmd.Flags().Int("limit", 0, "daily assignment limit")
	cmd.Flags().Bool("active", true, "whether the executor takes assignments")
	cmd.Flags().StringArray("param", nil, "set parameter key=value (repeatable)")
	cmd.Flags().StringSlice("unset", nil, "parameter keys to remove")
	return cmd
}

func buildExecutorListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executors",
		Args:  cobra.NoArgs,
		RunE: storeCommand(false, func(cmd *cobra.Command, _ []string, _ *config.Config, s store.Store) error {
			executors, err := s.ListExecutors(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tASSIGNED\tLIMIT\tPARAMETERS")
			for _, e := range executors {
				params := "{}"
				if e.Parameters != nil {
					if data, err := json.Marshal(e.Parameters); err == nil {
						params = string(data)
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%s\n",
					e.ID, e.Name, e.Active, e.AssignedToday, e.DailyLimit, params)
			}
			return tw.Flush()
		}),
	}
	return cmd
}

func buildExecutorPerfCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Show assignments and average score per executor",
		Args:  cobra.NoArgs,
		RunE: storeCommand(false, func(cmd *cobra.Command, _ []string, cfg *config.Config, s store.Store) error {
			days, _ := cmd.Flags().GetInt("days")
			m, err := newMatcher(s, cfg)
			if err != nil {
				return err
			}
			perf, err := m.ExecutorPerformance(cmd.Context(), days)
			if err != nil {
				return err
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "EXECUTOR\tASSIGNMENTS\tAVG_SCORE\tAVG_LATENCY")
			for _, p := range perf {
				fmt.Fprintf(tw, "%s\t%d\t%.4f\t%s\n", p.ExecutorID, p.Assignments, p.AverageScore, p.AvgLatency)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().Int("days", 7, "number of days including today")
	return cmd
}

// ============================================================================
// rules
// ============================================================================

func buildRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate, apply and inspect rule sets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Check a rule set file without applying it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				rs, err := rules.LoadRuleSet(args[0])
				if err != nil {
					return err
				}
				engine, err := rules.NewEngine(cfg.Rules.CostLimit)
				if err != nil {
					return err
				}
				if err := engine.Validate(rs); err != nil {
					return fmt.Errorf("rule set %s is invalid: %w", rs.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rule set %s is valid (%d conditions, %d weights)\n",
					rs.Name, len(rs.Conditions), len(rs.Weights))
				return nil
			},
		},
		&cobra.Command{
			Use:   "apply <file>",
			Short: "Validate a rule set file and make it the active rule set",
			Args:  cobra.ExactArgs(1),
			RunE: storeCommand(true, func(cmd *cobra.Command, args []string, cfg *config.Config, s store.Store) error {
				engine, err := rules.NewEngine(cfg.Rules.CostLimit)
				if err != nil {
					return err
				}
				rs, applied, err := controller.ApplyRuleFile(cmd.Context(), s, engine, args[0])
				if err != nil {
					return err
				}
				if !applied {
					fmt.Fprintf(cmd.OutOrStdout(), "rule set %s unchanged (id %s)\n", rs.Name, rs.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rule set %s applied (id %s)\n", rs.Name, rs.ID)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the active rule set as JSON",
			Args:  cobra.NoArgs,
			RunE: storeCommand(false, func(cmd *cobra.Command, _ []string, _ *config.Config, s store.Store) error {
				rs, err := s.ActiveRuleSet(cmd.Context())
				if err != nil {
					return err
				}
				if rs == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no active rule set")
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rs)
			}),
		},
	)
	return cmd
}
