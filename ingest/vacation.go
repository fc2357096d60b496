package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/yukyu/fiscal"
)

// VacationSheetName is the sheet the HR process exports usage marks to. The
// space in the middle is full-width.
const VacationSheetName = "作業者データ　有給"

// Vacation sheet layout, 1-based columns:
//
//	1  employee number
//	2  name
//	3  fiscal year   (only when the header row labels it 年度)
//	+1 granted days for that year
//	..  calendar region, one usage mark per cell
//
// Header sits on row 5, data starts on row 6. Sheets exported without the
// year column attribute every row to the current fiscal year; the report
// flags this so operators can correct the export.
const (
	vacationHeaderRow = 5
	vacationDataRow   = 6
)

// vacationRow is one parsed (employee, fiscal year) line of the sheet.
type vacationRow struct {
	EmployeeNum fiscal.EmployeeNum
	Name        string
	Year        int
	Granted     decimal.Decimal
	HasGranted  bool
	Events      []fiscal.UsageEvent
	RowNum      int
}

// parseVacationWorkbook reads the vacation sheet into rows, tallying skips
// and warnings on report. A missing sheet or unreadable grid is a file-level
// failure; a bad row is not.
func parseVacationWorkbook(f *excelize.File, p fiscal.FiscalPolicy, now time.Time, report *Report) ([]vacationRow, error) {
	sheet, err := findSheet(f, VacationSheetName, "有給")
	if err != nil {
		return nil, err
	}
	grid, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %s: %v", fiscal.ErrIngestionFailed, sheet, err)
	}
	if len(grid) < vacationHeaderRow {
		return nil, fmt.Errorf("%w: sheet %s has no header row %d", fiscal.ErrIngestionFailed, sheet, vacationHeaderRow)
	}

	hasYearColumn := headerHasYear(grid[vacationHeaderRow-1])
	grantedCol := 2 // 0-based; shifts right when the year column is present
	if hasYearColumn {
		grantedCol = 3
	} else {
		report.warn("sheet %s has no fiscal-year column; events attributed to fiscal year %d", sheet, p.YearOf(now))
	}
	calendarCol := grantedCol + 1

	var rows []vacationRow
	for i := vacationDataRow - 1; i < len(grid); i++ {
		line := grid[i]
		rowNum := i + 1
		if blankRow(line) {
			continue
		}
		report.RowsRead++

		num := fiscal.EmployeeNum(cellAt(line, 0))
		if !num.Valid() {
			report.skip(sheet, rowNum, "missing or invalid employee number %q", cellAt(line, 0))
			continue
		}

		year := p.YearOf(now)
		if hasYearColumn {
			y, ok, err := parseYearCell(cellAt(line, 2))
			switch {
			case err != nil:
				report.skip(sheet, rowNum, "fiscal year: %v", err)
				continue
			case !ok:
				report.warn("%s row %d: empty fiscal year, attributed to %d", sheet, rowNum, year)
			default:
				year = y
			}
		}

		row := vacationRow{
			EmployeeNum: num,
			Name:        cellAt(line, 1),
			Year:        year,
			RowNum:      rowNum,
		}

		if g := cellAt(line, grantedCol); g != "" {
			granted, err := decimal.NewFromString(g)
			if err != nil || granted.IsNegative() || granted.GreaterThan(fiscal.MaxGrantDays) {
				report.skip(sheet, rowNum, "granted days %q outside [0,%s]", g, fiscal.MaxGrantDays)
				continue
			}
			row.Granted = granted
			row.HasGranted = true
		}

		for j := calendarCol; j < len(line); j++ {
			raw := line[j]
			if normalizeText(raw) == "" {
				continue
			}
			c, err := classifyCell(raw, year, p)
			if err == errIgnoreCell {
				continue
			}
			if err != nil {
				cellRef, _ := excelize.CoordinatesToCellName(j+1, rowNum)
				report.warn("%s!%s: %v", sheet, cellRef, err)
				continue
			}
			row.Events = append(row.Events, fiscal.UsageEvent{
				EmployeeNum: num,
				Year:        year,
				UseDate:     c.Date,
				DaysUsed:    c.Days,
				Type:        c.Type,
				Source:      fiscal.SourceIngested,
			})
		}

		report.RowsAccepted++
		rows = append(rows, row)
	}
	return rows, nil
}

// headerHasYear reports whether the header row carries a fiscal-year label
// in the third column.
func headerHasYear(header []string) bool {
	label := cellAt(header, 2)
	return strings.Contains(label, "年度") || strings.EqualFold(label, "year")
}

// parseYearCell reads a fiscal-year cell such as "2024", "2024年度" or
// "2024年". ok is false for an empty cell.
func parseYearCell(s string) (year int, ok bool, err error) {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "年度"), "年")
	if s == "" {
		return 0, false, nil
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("unparseable year %q", s)
	}
	if y < 1950 || y > 2200 {
		return 0, false, fmt.Errorf("year %d out of range", y)
	}
	return y, true, nil
}

// findSheet locates a sheet by exact name, falling back to the first sheet
// whose name contains the given substring.
func findSheet(f *excelize.File, exact, contains string) (string, error) {
	names := f.GetSheetList()
	for _, n := range names {
		if n == exact {
			return n, nil
		}
	}
	for _, n := range names {
		if strings.Contains(n, contains) {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: workbook has no sheet %q", fiscal.ErrIngestionFailed, exact)
}

func blankRow(line []string) bool {
	for _, c := range line {
		if normalizeText(c) != "" {
			return false
		}
	}
	return true
}
