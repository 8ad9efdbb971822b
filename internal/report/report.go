package report

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"telemetry-engine/internal/analytics/aggregation"
)

// Snapshot is an aggregation result prepared for rendering.
type Snapshot struct {
	Title       string
	GeneratedAt time.Time
	Query       aggregation.Query
	Result      aggregation.Result
}

var errNoResult = errors.New("report: empty result")

// columns returns the header row: grouping columns first, then one column
// per metric in query order.
func (s Snapshot) columns() []string {
	var cols []string
	if s.Query.Interval != "" {
		cols = append(cols, "bucket")
	}
	cols = append(cols, s.Query.GroupBy...)
	for _, m := range s.Query.Metrics {
		cols = append(cols, m.Key())
	}
	return cols
}

// cells flattens one result row in column order.
func (s Snapshot) cells(row aggregation.Row) []any {
	var cells []any
	if s.Query.Interval != "" {
		cells = append(cells, row.Bucket.UTC().Format(time.RFC3339))
	}
	for _, field := range s.Query.GroupBy {
		cells = append(cells, row.Group[field])
	}
	for _, m := range s.Query.Metrics {
		v := row.Values[m.Key()]
		if v == nil {
			cells = append(cells, nil)
		} else {
			cells = append(cells, *v)
		}
	}
	return cells
}

// BuildXLSX renders a snapshot to a workbook with a summary sheet and a
// data sheet.
func BuildXLSX(s Snapshot) ([]byte, error) {
	if len(s.Result.Rows) == 0 {
		return nil, errNoResult
	}
	f := excelize.NewFile()
	summarySheet := "summary"
	dataSheet := "data"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(dataSheet)

	title := s.Title
	if title == "" {
		title = "Telemetry Report"
	}
	_ = f.SetCellValue(summarySheet, "A1", title)
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", s.GeneratedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Rows")
	_ = f.SetCellValue(summarySheet, "B4", s.Result.TotalRows)
	_ = f.SetCellValue(summarySheet, "A5", "Elapsed (ms)")
	_ = f.SetCellValue(summarySheet, "B5", s.Result.Elapsed.Milliseconds())
	_ = f.SetCellValue(summarySheet, "A6", "Metrics")
	_ = f.SetCellValue(summarySheet, "B6", metricList(s.Query))

	for i, name := range s.columns() {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(dataSheet, cell, name)
	}
	for r, row := range s.Result.Rows {
		for c, v := range s.cells(row) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if v == nil {
				continue
			}
			_ = f.SetCellValue(dataSheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPDF renders a snapshot to a tabular PDF.
func BuildPDF(s Snapshot) ([]byte, error) {
	if len(s.Result.Rows) == 0 {
		return nil, errNoResult
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	title := s.Title
	if title == "" {
		title = "Telemetry Report"
	}
	pdf.Cell(0, 8, title)
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", s.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rows: %d", s.Result.TotalRows))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Metrics: %s", metricList(s.Query)))
	pdf.Ln(8)

	cols := s.columns()
	width := 270.0 / float64(len(cols))
	pdf.SetFont("Arial", "B", 9)
	for _, name := range cols {
		pdf.CellFormat(width, 6, name, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, row := range s.Result.Rows {
		for _, v := range s.cells(row) {
			pdf.CellFormat(width, 6, cellText(v), "1", 0, "R", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func metricList(q aggregation.Query) string {
	keys := make([]string, 0, len(q.Metrics))
	for _, m := range q.Metrics {
		keys = append(keys, m.Key())
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}

func cellText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%.2f", val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
