package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/procuresight_backend/models"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExcelExporter is one exported row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

type alertRow struct {
	models.Alert
}

func (r alertRow) GetCellValues() []interface{} {
	acknowledgedBy := ""
	if r.AcknowledgedBy != nil {
		acknowledgedBy = *r.AcknowledgedBy
	}
	vendor := r.VendorName
	if vendor == "" {
		vendor = fmt.Sprint(r.VendorId)
	}
	return []interface{}{
		r.ID,
		r.CreatedAt.UTC().Format(time.RFC3339),
		vendor,
		r.InvoiceNo,
		string(r.Type),
		string(r.Severity),
		r.Score,
		string(r.Status),
		acknowledgedBy,
		r.Message,
	}
}

var alertHeadings = []string{
	"AlertId", "CreatedAt", "Vendor", "InvoiceNo", "Type",
	"Severity", "Score", "Status", "AcknowledgedBy", "Message",
}

// ExportAlerts writes alerts as a single-sheet workbook.
func ExportAlerts(w io.Writer, alerts []models.Alert) error {
	rows := make([]ExcelExporter, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, alertRow{a})
	}
	return exportExcel(w, "Alerts", rows, alertHeadings...)
}

func exportExcel(w io.Writer, sheetName string, data []ExcelExporter, headings ...string) error {
	f := excelize.NewFile()
	defer f.Close()

	// rename the default sheet rather than adding a second one
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return err
	}

	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}

	for rowNo, d := range data {
		for i, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}
