/*
export.go - Excel export of the fiscal-year ledger

PURPOSE:
  Builds the downloadable workbook for GET /v1/export/ledger. One sheet,
  one header row, one row per (employee, year) ledger row, ordered as the
  store returns them (employee number ascending).

FORMAT:
  Headers use the same Japanese vocabulary as the ingested vacation
  workbook so the export opens cleanly next to the source ledgers.
  Quantities are written as numbers, dates as YYYY-MM-DD strings.

SEE ALSO:
  - handlers.go: ExportLedger sets the download headers
  - ingest/vacation.go: the inbound counterpart of this format
*/
package api

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/warp/yukyu/fiscal"
)

// ledgerSheetHeaders is the export column order.
var ledgerSheetHeaders = []string{
	"社員番号", // employee number
	"氏名",   // name
	"区分",   // category
	"就業場所", // work location
	"年度",   // fiscal year
	"付与",   // granted
	"繰越",   // carried in
	"消化",   // used
	"消滅",   // expired
	"繰出",   // carried out
	"残",    // balance
	"入社日",  // hire date
	"退職日",  // leave date
	"状態",   // status
}

// buildLedgerWorkbook renders one fiscal year's rows into a workbook.
func buildLedgerWorkbook(year int, rows []fiscal.LedgerRow) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := fmt.Sprintf("有給台帳%d", year)
	f.SetSheetName("Sheet1", sheet)

	for col, title := range ledgerSheetHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for i, row := range rows {
		values := []any{
			string(row.EmployeeNum),
			row.Name,
			string(row.Category),
			row.WorkLocation,
			row.Year,
			row.Granted.InexactFloat64(),
			row.CarriedIn.InexactFloat64(),
			row.Used.InexactFloat64(),
			row.Expired.InexactFloat64(),
			row.CarriedOut.InexactFloat64(),
			row.Balance.InexactFloat64(),
			formatDatePtr(row.HireDate),
			formatDatePtr(row.LeaveDate),
			string(row.Status),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return nil, fmt.Errorf("row cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, fmt.Errorf("write row %d: %w", i+2, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf, nil
}
