// ============================================================================
// fairshare CLI - 日誌檢查與修復
// ============================================================================
//
// Package: internal/cli
// 文件: journal.go
//
// 職責說明：
// 1. journal stats：統計日誌檔（事件數、序號範圍、類型分布）
// 2. journal dump：逐筆列出事件
// 3. journal repair：略過損毀的紀錄，寫出新的日誌檔
//
// 未指定路徑時使用設定中的 store.journal_path。
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fairshare/internal/storage/wal"
)

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and repair the memory store journal",
	}
	cmd.AddCommand(
		buildJournalStatsCommand(),
		buildJournalDumpCommand(),
		buildJournalRepairCommand(),
	)
	return cmd
}

// journalPath 第一個參數，否則取設定檔
func journalPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Store.JournalPath == "" {
		return "", fmt.Errorf("store.journal_path is not configured")
	}
	return cfg.Store.JournalPath, nil
}

func buildJournalStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [path]",
		Short: "Show journal statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := journalPath(cmd, args)
			if err != nil {
				return err
			}
			st, err := wal.Inspect(path)
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:      %s\n", st.Path)
			fmt.Fprintf(out, "size:      %d bytes\n", st.Size)
			fmt.Fprintf(out, "events:    %d\n", st.Events)
			if st.Events > 0 {
				fmt.Fprintf(out, "seq:       %d..%d\n", st.FirstSeq, st.LastSeq)
				fmt.Fprintf(out, "span:      %s .. %s\n",
					st.First.UTC().Format(time.RFC3339), st.Last.UTC().Format(time.RFC3339))
			}
			if st.TornTail {
				fmt.Fprintln(out, "torn tail: yes (truncated on next open)")
			}
			if len(st.EventTypes) == 0 {
				return nil
			}

			kinds := make([]string, 0, len(st.EventTypes))
			for k := range st.EventTypes {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			tw := newTable(cmd)
			fmt.Fprintln(tw, "\nTYPE\tCOUNT")
			for _, k := range kinds {
				fmt.Fprintf(tw, "%s\t%d\n", k, st.EventTypes[wal.EventType(k)])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}

func buildJournalDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump [path]",
		Short: "Print every journal event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := journalPath(cmd, args)
			if err != nil {
				return err
			}
			return wal.Dump(path, cmd.OutOrStdout())
		},
	}
}

func buildJournalRepairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair [path]",
		Short: "Copy the valid events of a corrupted journal to a new file",
		Long: `Copy every event that passes its checksum to --out, skipping corrupted
records. Replace the original with the output only after checking it with
"journal stats"; events dropped here are lost.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := journalPath(cmd, args)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = path + ".repaired"
			}
			kept, dropped, err := wal.Repair(path, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kept %d events, dropped %d, wrote %s\n", kept, dropped, out)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "output file (default <path>.repaired)")
	return cmd
}
