package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"lonelycare-monitor/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// ActivityExportHeader 活动历史导出表头
var ActivityExportHeader = []string{
	"Hour",
	"Activity Count",
	"Counting Paused",
	"Last Updated",
}

// ExportActivity 导出对象的小时活动历史 Excel
func (h *SubjectHandler) ExportActivity(w http.ResponseWriter, req *http.Request, subjectID string) {
	days := h.config.Monitor.HistoryDays
	if v := req.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= h.config.Monitor.HistoryDays {
			days = n
		}
	}

	now := time.Now()
	to := models.HourKeyOf(now).Add(time.Hour) // 含当前小时
	from := to.Add(-time.Duration(days) * 24 * time.Hour)

	buckets, err := h.buckets.ListBuckets(req.Context(), subjectID, from, to)
	if err != nil {
		h.logger.Error("Failed to list buckets for export",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to load activity history"))
		return
	}

	data, err := generateActivityExcel(buckets)
	if err != nil {
		h.logger.Error("Failed to generate activity export",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to generate export"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=activity-%s.xlsx", subjectID))
	_, _ = w.Write(data)
}

// generateActivityExcel 生成活动历史 Excel 文件
func generateActivityExcel(buckets []models.HourBucket) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	sheetName := "Activity History"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	// 删除默认的 Sheet1
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	// 表头样式
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	// 写入表头
	for col, header := range ActivityExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	// 列宽
	columnWidths := []float64{22, 15, 15, 22}
	for i := range ActivityExportHeader {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheetName, col, col, columnWidths[i]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	// 写入数据
	for rowIdx, bucket := range buckets {
		row := rowIdx + 2 // 从第2行开始（第1行是表头）
		values := []interface{}{
			bucket.HourKey.Format("2006-01-02 15:00"),
			bucket.Count,
			bucket.Paused,
			bucket.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write excel file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close excel file: %w", err)
	}

	return buf.Bytes(), nil
}
