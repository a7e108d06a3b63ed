package settlement

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Settlement Calls"

// ExportXLSX renders jobs as a spreadsheet, one row per job.
func ExportXLSX(jobs []*Job) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := []string{
		"Call ID", "Method", "Caller", "Status", "Retries", "Max Retries",
		"Order ID", "Next Run At", "Last Error", "Created At", "Updated At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for r, j := range jobs {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}

		write(1, j.ID)
		write(2, j.Method)
		write(3, j.CallerAddress)
		write(4, string(j.Status))
		write(5, j.Retries)
		write(6, j.MaxRetries)
		if j.OrderID != nil {
			write(7, *j.OrderID)
		}
		if j.NextRunAt != nil {
			write(8, j.NextRunAt.UTC().Format(time.RFC3339))
		}
		write(9, j.LastError)
		write(10, j.CreatedAt.UTC().Format(time.RFC3339))
		write(11, j.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 30)
	_ = f.SetColWidth(exportSheet, "C", "C", 44)
	_ = f.SetColWidth(exportSheet, "H", "H", 22)
	_ = f.SetColWidth(exportSheet, "I", "I", 60)
	_ = f.SetColWidth(exportSheet, "J", "K", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
