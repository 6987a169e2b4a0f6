package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"dentra-dispatch/internal/models"

	"github.com/xuri/excelize/v2"
)

// DeadLetterSheet 导出工作表名称
const DeadLetterSheet = "Dead Letters"

// DeadLetterHeader 导出表头
var DeadLetterHeader = []string{
	"Event ID",
	"Event Type",
	"Category",
	"Status",
	"Priority",
	"Attempts",
	"Max Attempts",
	"Last Error",
	"Correlation ID",
	"Available At",
	"Created At",
	"Payload",
}

var deadLetterWidths = []float64{10, 32, 14, 10, 10, 10, 12, 60, 24, 22, 22, 60}

// DeadLetterLister 读取耗尽重试的事件
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.Event, error)
}

// ExportDeadLetters 查询并生成 xlsx，返回文件内容与行数
func ExportDeadLetters(ctx context.Context, store DeadLetterLister, limit int) ([]byte, int, error) {
	events, err := store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	data, err := GenerateDeadLetterReport(events)
	if err != nil {
		return nil, 0, err
	}
	return data, len(events), nil
}

// GenerateDeadLetterReport 生成死信报表；events 为空时只有表头
func GenerateDeadLetterReport(events []models.Event) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(DeadLetterSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE9E7"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range DeadLetterHeader {
		if err := setCellValue(f, col+1, 1, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(DeadLetterSheet, name, name, deadLetterWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(DeadLetterHeader), 1)
	if err := f.SetCellStyle(DeadLetterSheet, "A1", last, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i := range events {
		ev := &events[i]
		row := i + 2 // 第1行是表头
		values := []interface{}{
			ev.ID,
			string(ev.Type),
			ev.Type.Category().String(),
			string(ev.Status),
			ev.Priority,
			ev.Attempts,
			ev.MaxAttempts,
			deref(ev.LastError),
			deref(ev.CorrelationID),
			formatTime(ev.AvailableAt),
			formatTime(ev.CreatedAt),
			string(ev.Payload),
		}
		for col, v := range values {
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			if err := setCellValue(f, col+1, row, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(DeadLetterSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func setCellValue(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(DeadLetterSheet, cell, value)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
