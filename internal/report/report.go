// Package report renders a review's findings as an Excel workbook.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/doctrine-review/inkwell/internal/store"
)

const sheet = "Review"

var headers = []string{"#", "Severity", "Type", "Title", "Description", "Original Text", "Location", "Feedback", "Comment"}

// Build writes the workbook for one task to w: a summary block, then
// one row per issue. Issues should arrive pre-ordered (severity, age).
func Build(w io.Writer, task *store.Task, issues []store.Issue) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	titleStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return fmt.Errorf("title style: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	sw := &sheetWriter{f: f}
	title := task.Title
	if title == "" {
		title = "Document review"
	}
	sw.set("A1", title)
	sw.style("A1", "A1", titleStyle)

	sw.set("A2", "Task ID")
	sw.set("B2", task.ID)
	sw.set("C2", "Status")
	sw.set("D2", string(task.Status))
	if task.CompletedAt != nil {
		sw.set("E2", "Completed")
		sw.set("F2", task.CompletedAt.UTC().Format(time.RFC3339))
	}

	counts := map[store.Severity]int{}
	for _, is := range issues {
		counts[is.Severity]++
	}
	sw.set("A3", "Issues")
	sw.set("B3", len(issues))
	sw.set("C3", "Critical")
	sw.set("D3", counts[store.SeverityCritical])
	sw.set("E3", "High")
	sw.set("F3", counts[store.SeverityHigh])
	sw.set("G3", "Medium")
	sw.set("H3", counts[store.SeverityMedium])
	sw.set("I3", "Low")
	sw.set("J3", counts[store.SeverityLow])

	const headerRow = 5
	for i, h := range headers {
		sw.setCoord(i+1, headerRow, h)
	}
	sw.style(cell(1, headerRow), cell(len(headers), headerRow), headerStyle)

	for i, is := range issues {
		row := headerRow + 1 + i
		sw.setCoord(1, row, i+1)
		sw.setCoord(2, row, string(is.Severity))
		sw.setCoord(3, row, string(is.Type))
		sw.setCoord(4, row, is.Title)
		sw.setCoord(5, row, is.Description)
		sw.setCoord(6, row, is.OriginalText)
		sw.setCoord(7, row, is.LocationHint)
		sw.setCoord(8, row, feedbackLabel(is.UserFeedback))
		sw.setCoord(9, row, is.FeedbackComment)
	}
	if sw.err != nil {
		return fmt.Errorf("fill sheet: %w", sw.err)
	}

	widths := []struct {
		col   string
		width float64
	}{
		{"A", 6}, {"B", 10}, {"C", 14}, {"D", 32}, {"E", 60}, {"F", 48}, {"G", 16}, {"H", 10}, {"I", 32},
	}
	for _, cw := range widths {
		if err := f.SetColWidth(sheet, cw.col, cw.col, cw.width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Filename derives a safe attachment name from the task title.
func Filename(task *store.Task) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, task.Title)
	base = strings.Trim(base, "-")
	if base == "" {
		base = "review"
	}
	id := task.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s.xlsx", base, id)
}

func feedbackLabel(fb store.Feedback) string {
	switch fb {
	case store.FeedbackAccept:
		return "accepted"
	case store.FeedbackReject:
		return "rejected"
	default:
		return ""
	}
}

// sheetWriter batches cell writes, keeping the first error.
type sheetWriter struct {
	f   *excelize.File
	err error
}

func (s *sheetWriter) set(cellName string, v any) {
	if s.err == nil {
		s.err = s.f.SetCellValue(sheet, cellName, v)
	}
}

func (s *sheetWriter) setCoord(col, row int, v any) {
	s.set(cell(col, row), v)
}

func (s *sheetWriter) style(from, to string, styleID int) {
	if s.err == nil {
		s.err = s.f.SetCellStyle(sheet, from, to, styleID)
	}
}

func cell(col, row int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		// col/row are always positive here
		panic(err)
	}
	return name
}
