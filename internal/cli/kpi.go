// ============================================================================
// fairshare CLI - KPI 指令
// ============================================================================
//
// Package: internal/cli
// 文件: kpi.go
//
// 職責說明：
// 1. kpi trend：最近 N 天 KPI（--addr 時查詢執行中的系統）
// 2. kpi compute：重新計算指定日期
// 3. kpi export：匯出為 JSON/CSV 檔案，或上傳到 S3
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fairshare/internal/config"
	"github.com/ChuLiYu/fairshare/internal/kpi"
	"github.com/ChuLiYu/fairshare/internal/report"
	"github.com/ChuLiYu/fairshare/internal/server"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

func buildKPICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Query, compute and export daily KPI records",
	}
	cmd.AddCommand(
		buildKPITrendCommand(),
		buildKPIComputeCommand(),
		buildKPIExportCommand(),
	)
	return cmd
}

func buildKPITrendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Show KPI records of the last N days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("days")
			recs, err := loadTrend(cmd, days)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no KPI records")
				return nil
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "DAY\tMAE\tAVG_LATENCY\tASSIGNED")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%.4f\t%.3fs\t%d\n",
					r.Day.UTC().Format(time.DateOnly), r.MAE, r.AvgLatency, r.TotalAssigned)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("days", 7, "number of days")
	addClientFlags(cmd)
	return cmd
}

// loadTrend 有 --addr 時經由 gRPC，否則直接讀取儲存
func loadTrend(cmd *cobra.Command, days int) ([]types.KPIRecord, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		var recs []types.KPIRecord
		err := withClient(cmd, func(ctx context.Context, c *server.Client) error {
			var err error
			recs, err = c.KPITrend(ctx, days)
			return err
		})
		return recs, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	var recs []types.KPIRecord
	err = withStore(cmd.Context(), cfg, false, func(s store.Store) error {
		recs, err = kpi.NewAggregator(s, cfg.KPI, slog.Default()).Trend(cmd.Context(), days)
		return err
	})
	return recs, err
}

func buildKPIComputeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Recompute the KPI record of one day from its assignments",
		Args:  cobra.NoArgs,
		RunE: storeCommand(true, func(cmd *cobra.Command, _ []string, cfg *config.Config, s store.Store) error {
			raw, _ := cmd.Flags().GetString("day")
			day := time.Now().UTC()
			if raw != "" {
				var err error
				if day, err = time.Parse(time.DateOnly, raw); err != nil {
					return fmt.Errorf("invalid --day %q, want YYYY-MM-DD", raw)
				}
			}

			rec, ok, err := kpi.NewAggregator(s, cfg.KPI, slog.Default()).ComputeDay(cmd.Context(), day)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "no assignments on %s\n", kpi.DayStart(day).Format(time.DateOnly))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s mae=%.4f avg_latency=%.3fs assigned=%d\n",
				rec.Day.UTC().Format(time.DateOnly), rec.MAE, rec.AvgLatency, rec.TotalAssigned)
			return nil
		}),
	}
	cmd.Flags().String("day", "", "UTC day as YYYY-MM-DD (default today)")
	return cmd
}

func buildKPIExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export KPI records to a file or an S3 bucket",
		Long: `Export the KPI trend as JSON or CSV.

Without --out the file is written to report.dir with a name derived from the
date range. --s3 uploads to the bucket configured under report.s3 instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			out, _ := cmd.Flags().GetString("out")
			upload, _ := cmd.Flags().GetBool("s3")
			formatFlag, _ := cmd.Flags().GetString("format")
			if formatFlag == "" {
				formatFlag = cfg.Report.Format
			}
			f, err := report.ParseFormat(formatFlag)
			if err != nil {
				return err
			}

			recs, err := loadTrend(cmd, days)
			if err != nil {
				return err
			}

			if upload || (cfg.Report.UploadS3 && out == "") {
				return exportS3(cmd, cfg, f, recs)
			}
			if out == "" {
				out = filepath.Join(cfg.Report.Dir, report.ObjectName("", f, recs))
			}
			if err := report.WriteFile(out, f, recs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", len(recs), out)
			return nil
		},
	}
	cmd.Flags().Int("days", 30, "number of days")
	cmd.Flags().String("format", "", "json or csv (default: report.format from config)")
	cmd.Flags().StringP("out", "o", "", "output file")
	cmd.Flags().Bool("s3", false, "upload to report.s3 instead of writing a file")
	addClientFlags(cmd)
	return cmd
}

func exportS3(cmd *cobra.Command, cfg *config.Config, f report.Format, recs []types.KPIRecord) error {
	exp, err := report.NewS3Exporter(cfg.Report.S3, slog.Default())
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	object, err := exp.Export(ctx, f, recs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d records to %s\n", len(recs), object)
	return nil
}
