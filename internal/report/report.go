// ============================================================================
// fairshare KPI 報表匯出
// ============================================================================
//
// Package: internal/report
// 文件: report.go
// 功能: 將 KPI 趨勢輸出為 JSON 或 CSV，寫到本機檔案或 S3 相容儲存 (MinIO)
//
// 欄位: day, mae, avg_latency, total_assigned
//
// ============================================================================

package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

var ErrUnknownFormat = errors.New("unknown report format")

// Format 報表格式
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat 不分大小寫；空字串為 JSON
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Ext 副檔名
func (f Format) Ext() string { return "." + string(f) }

// ContentType MIME 類型
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Row 報表中的一列
type Row struct {
	Day           string  `json:"day"`
	MAE           float64 `json:"mae"`
	AvgLatency    float64 `json:"avg_latency"`
	TotalAssigned int     `json:"total_assigned"`
}

// Rows 轉換 KPI 紀錄
func Rows(recs []types.KPIRecord) []Row {
	rows := make([]Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, Row{
			Day:           r.Day.UTC().Format(time.DateOnly),
			MAE:           r.MAE,
			AvgLatency:    r.AvgLatency,
			TotalAssigned: r.TotalAssigned,
		})
	}
	return rows
}

// Write 以指定格式輸出
func Write(w io.Writer, f Format, recs []types.KPIRecord) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, recs)
	case FormatCSV:
		return WriteCSV(w, recs)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

func WriteJSON(w io.Writer, recs []types.KPIRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Rows(recs))
}

func WriteCSV(w io.Writer, recs []types.KPIRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"day", "mae", "avg_latency", "total_assigned"}); err != nil {
		return err
	}
	for _, r := range Rows(recs) {
		if err := cw.Write([]string{
			r.Day,
			strconv.FormatFloat(r.MAE, 'f', -1, 64),
			strconv.FormatFloat(r.AvgLatency, 'f', -1, 64),
			strconv.Itoa(r.TotalAssigned),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Render 輸出到記憶體
func Render(f Format, recs []types.KPIRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f, recs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile 原子寫入本機檔案（暫存檔 + rename）
func WriteFile(path string, f Format, recs []types.KPIRecord) error {
	data, err := Render(f, recs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// ObjectName 依日期範圍產生物件名稱，例如 kpi/2024-03-01_2024-03-07.csv
func ObjectName(prefix string, f Format, recs []types.KPIRecord) string {
	name := "empty"
	if len(recs) > 0 {
		name = recs[0].Day.UTC().Format(time.DateOnly) + "_" + recs[len(recs)-1].Day.UTC().Format(time.DateOnly)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name + f.Ext()
	}
	return prefix + "/" + name + f.Ext()
}
