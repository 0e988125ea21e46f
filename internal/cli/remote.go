// ============================================================================
// fairshare CLI - 遠端指令（gRPC）
// ============================================================================
//
// Package: internal/cli
// 文件: remote.go
//
// 職責說明：
// 1. submit：從旗標或 JSON 檔案建立任務，經由 gRPC 提交
// 2. stats：查詢執行中系統的負載分布
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/internal/server"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// withClient 連線到 --addr（預設為設定中的 grpc.addr）
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.GRPC.Addr
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := server.Dial(dialAddr(addr))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx, c)
}

// dialAddr ":50051" → "localhost:50051"
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "balancer gRPC address (default: grpc.addr from config)")
	cmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit tasks to a running balancer",
		Long: `Submit a single task from flags, or a batch from a JSON file:

  fairshare submit --external-id order-42 --param priority=high --param skills=[go,sql]
  fairshare submit --file tasks.json

The file holds an array of {"external_id", "parameters", "weight", "parent_id", "idempotency_key"}.
Duplicate submissions are reported and skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := submitRequests(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return submitTasks(ctx, cmd, c, reqs)
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "JSON file with an array of tasks")
	cmd.Flags().String("external-id", "", "external id of a single task")
	cmd.Flags().StringArray("param", nil, "task parameter key=value (repeatable; value parsed as YAML)")
	cmd.Flags().Int("weight", 1, "task weight")
	cmd.Flags().String("parent-id", "", "parent task id")
	cmd.Flags().String("key", "", "idempotency key")
	addClientFlags(cmd)
	return cmd
}

func submitRequests(cmd *cobra.Command) ([]ingress.Request, error) {
	file, _ := cmd.Flags().GetString("file")
	if file != "" {
		return loadRequests(file)
	}

	externalID, _ := cmd.Flags().GetString("external-id")
	if externalID == "" {
		return nil, errors.New("either --file or --external-id is required")
	}
	raw, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(raw)
	if err != nil {
		return nil, err
	}
	weight, _ := cmd.Flags().GetInt("weight")
	parentID, _ := cmd.Flags().GetString("parent-id")
	key, _ := cmd.Flags().GetString("key")

	return []ingress.Request{{
		ExternalID:     externalID,
		Parameters:     params,
		Weight:         weight,
		ParentID:       parentID,
		IdempotencyKey: key,
	}}, nil
}

func loadRequests(path string) ([]ingress.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var reqs []ingress.Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	return reqs, nil
}

func submitTasks(ctx context.Context, cmd *cobra.Command, c *server.Client, reqs []ingress.Request) error {
	out := cmd.OutOrStdout()
	accepted, duplicates, failed := 0, 0, 0
	for _, req := range reqs {
		resp, err := c.CreateTask(ctx, req)
		switch {
		case err == nil:
			accepted++
			fmt.Fprintf(out, "accepted  %s  task_id=%s\n", req.ExternalID, resp.TaskID)
		case errors.Is(err, ingress.ErrDuplicate):
			duplicates++
			fmt.Fprintf(out, "duplicate %s\n", req.ExternalID)
		default:
			failed++
			fmt.Fprintf(out, "failed    %s  %v\n", req.ExternalID, err)
		}
	}
	fmt.Fprintf(out, "submitted %d/%d (duplicates %d, failed %d)\n", accepted, len(reqs), duplicates, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(reqs))
	}
	return nil
}

// parseParams 把 key=value 轉成文件；value 以 YAML 解析（數字、布林、清單）
func parseParams(pairs []string) (*types.Document, error) {
	doc := types.NewDocument()
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		var native any
		if err := yaml.Unmarshal([]byte(raw), &native); err != nil {
			native = raw
		}
		if native == nil {
			native = raw
		}
		v, err := types.ValueOf(native)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
		doc.Set(key, v)
	}
	return doc, nil
}

// ============================================================================
// stats
// ============================================================================

func buildStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the load distribution of a running balancer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				d, err := c.DistributionStats(ctx)
				if err != nil {
					return err
				}

				tw := newTable(cmd)
				fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tASSIGNED\tLIMIT\tUTILIZATION")
				for _, e := range d.Executors {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%.1f%%\n",
						e.ID, e.Name, e.Active, e.AssignedToday, e.DailyLimit, e.Utilization*100)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nactive=%d assigned=%d capacity=%d mean_utilization=%.1f%% mae=%.4f\n",
					d.ActiveExecutors, d.TotalAssigned, d.TotalCapacity, d.MeanUtilization*100, d.MAE)
				return nil
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}
