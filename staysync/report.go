package staysync

import (
	"fmt"
	"time"

	"bitbucket.org/casadata/rentals_backend/models"
	"github.com/xuri/excelize/v2"
)

// BuildRunReport renders one run and its audit items as an xlsx workbook for
// operators who want the run outcome outside the API.
func BuildRunReport(run *models.ReconciliationRun, items []models.ReconciliationItem) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Sheet1"
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}

	// Run summary block
	f.SetCellValue(sheet, "A1", "RunId")
	f.SetCellValue(sheet, "B1", run.ID)
	f.SetCellValue(sheet, "A2", "Status")
	f.SetCellValue(sheet, "B2", run.Status)
	f.SetCellValue(sheet, "A3", "DryRun")
	f.SetCellValue(sheet, "B3", run.DryRun)
	f.SetCellValue(sheet, "A4", "Checked")
	f.SetCellValue(sheet, "B4", run.TotalChecked)
	f.SetCellValue(sheet, "A5", "Deleted")
	f.SetCellValue(sheet, "B5", run.FoundDeleted)
	f.SetCellValue(sheet, "A6", "Modified")
	f.SetCellValue(sheet, "B6", run.FoundModified)
	f.SetCellValue(sheet, "A7", "Cancelled")
	f.SetCellValue(sheet, "B7", run.ActionCancelled)
	f.SetCellValue(sheet, "A8", "Updated")
	f.SetCellValue(sheet, "B8", run.ActionUpdated)
	f.SetCellValue(sheet, "A9", "Skipped")
	f.SetCellValue(sheet, "B9", run.ActionSkipped)
	f.SetCellValue(sheet, "A10", "Errors")
	f.SetCellValue(sheet, "B10", run.ErrorCount)
	if run.StartedAt != nil {
		f.SetCellValue(sheet, "A11", "StartedAt")
		f.SetCellValue(sheet, "B11", run.StartedAt.Format(time.RFC3339))
	}

	// Item rows
	const headerRow = 13
	headers := []string{"ReservationId", "ExternalId", "PropertyId", "IssueType", "LocalStatus", "RemoteStatus", "ActionTaken", "ActionReason", "CreatedAt"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, headerRow)
		f.SetCellValue(sheet, cell, h)
	}
	for i, item := range items {
		row := headerRow + 1 + i
		values := []interface{}{
			item.ReservationId, item.ExternalId, item.PropertyId,
			item.IssueType, item.LocalStatus, item.RemoteStatus,
			item.ActionTaken, item.ActionReason,
			item.CreatedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheet, cell, v)
		}
	}
	return f, nil
}

func RunReportFilename(run *models.ReconciliationRun) string {
	return fmt.Sprintf("reconciliation-run-%d.xlsx", run.ID)
}
