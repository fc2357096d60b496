package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/yukyu/fiscal"
)

// ============================================================================
// REGISTER WORKBOOK
// ============================================================================
// One workbook, three sheets, one per employment category. Columns are
// positional; the upstream HR export is treated as a bit-exact contract.
// Header depth differs per sheet, data starts on the row after it.

// registerLayout describes one category sheet. Column indices are 0-based;
// -1 marks a column the category's export does not carry.
type registerLayout struct {
	category  fiscal.Category
	nameHints []string
	headerRow int
	numCol    int
	nameCol   int
	locCol    int
	wageCol   int
	hireCol   int
	leaveCol  int
}

var registerLayouts = []registerLayout{
	{
		category:  fiscal.CategoryDispatch,
		nameHints: []string{"派遣"},
		headerRow: 3,
		numCol:    0, locCol: 2, nameCol: 6, wageCol: 12, hireCol: -1, leaveCol: -1,
	},
	{
		category:  fiscal.CategoryContract,
		nameHints: []string{"契約", "委託"},
		headerRow: 4,
		numCol:    0, locCol: 1, nameCol: 2, wageCol: -1, hireCol: -1, leaveCol: -1,
	},
	{
		category:  fiscal.CategoryStaff,
		nameHints: []string{"社員", "スタッフ"},
		headerRow: 2,
		numCol:    0, locCol: -1, nameCol: 2, wageCol: -1, hireCol: 14, leaveCol: 15,
	},
}

// parseRegisterWorkbook reads all three category sheets. Every sheet must be
// present; a workbook missing one is malformed and nothing is written.
func parseRegisterWorkbook(f *excelize.File, now time.Time, report *Report) ([]fiscal.RegisterEmployee, error) {
	sheets := f.GetSheetList()
	var out []fiscal.RegisterEmployee
	for i, layout := range registerLayouts {
		sheet, ok := resolveRegisterSheet(sheets, layout, i)
		if !ok {
			return nil, fmt.Errorf("%w: workbook has no %s register sheet", fiscal.ErrIngestionFailed, layout.category)
		}
		grid, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("%w: read sheet %s: %v", fiscal.ErrIngestionFailed, sheet, err)
		}
		if len(grid) < layout.headerRow {
			return nil, fmt.Errorf("%w: sheet %s has no header row %d", fiscal.ErrIngestionFailed, sheet, layout.headerRow)
		}
		for r := layout.headerRow; r < len(grid); r++ {
			line := grid[r]
			rowNum := r + 1
			if blankRow(line) {
				continue
			}
			report.RowsRead++
			emp, err := layout.parseRow(line, now)
			if err != nil {
				report.skip(sheet, rowNum, "%v", err)
				continue
			}
			report.RowsAccepted++
			out = append(out, emp)
		}
	}
	return out, nil
}

// resolveRegisterSheet finds the category's sheet by name hint, falling back
// to sheet order (dispatch, contract, staff) for unlabeled exports.
func resolveRegisterSheet(sheets []string, layout registerLayout, index int) (string, bool) {
	for _, s := range sheets {
		for _, hint := range layout.nameHints {
			if strings.Contains(s, hint) {
				return s, true
			}
		}
	}
	if index < len(sheets) {
		return sheets[index], true
	}
	return "", false
}

func (l registerLayout) parseRow(line []string, now time.Time) (fiscal.RegisterEmployee, error) {
	num := fiscal.EmployeeNum(cellAt(line, l.numCol))
	if !num.Valid() {
		return fiscal.RegisterEmployee{}, fmt.Errorf("missing or invalid employee number %q", cellAt(line, l.numCol))
	}
	emp := fiscal.RegisterEmployee{
		EmployeeNum: num,
		Category:    l.category,
		Name:        cellAt(line, l.nameCol),
		Status:      fiscal.StatusActive,
	}
	switch l.category {
	case fiscal.CategoryDispatch:
		emp.DispatchName = cellAt(line, l.locCol)
	case fiscal.CategoryContract:
		emp.Business = cellAt(line, l.locCol)
	}
	if l.wageCol >= 0 {
		wage, err := parseWageCell(cellAt(line, l.wageCol))
		if err != nil {
			return fiscal.RegisterEmployee{}, err
		}
		emp.HourlyWage = wage
	}
	if l.hireCol >= 0 {
		hire, err := parseRegisterDate(cellAt(line, l.hireCol))
		if err != nil {
			return fiscal.RegisterEmployee{}, fmt.Errorf("hire date: %w", err)
		}
		emp.HireDate = hire
	}
	if l.leaveCol >= 0 {
		leave, err := parseRegisterDate(cellAt(line, l.leaveCol))
		if err != nil {
			return fiscal.RegisterEmployee{}, fmt.Errorf("leave date: %w", err)
		}
		emp.LeaveDate = leave
		if leave != nil && !leave.After(now) {
			emp.Status = fiscal.StatusRetired
		}
	}
	return emp, nil
}

// parseWageCell reads an hourly wage in yen. Empty cells become nil; the
// export sometimes groups thousands with commas.
func parseWageCell(s string) (*int64, error) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return nil, fmt.Errorf("unparseable hourly wage %q", s)
	}
	w := int64(f)
	return &w, nil
}

// parseRegisterDate reads a hire or leave date cell, either a spreadsheet
// serial or a written date with an explicit year. Empty cells become nil.
func parseRegisterDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return nil, fmt.Errorf("serial %q: %w", s, err)
		}
		if t.Year() <= 1900 {
			return nil, fmt.Errorf("serial %q resolves to year %d", s, t.Year())
		}
		d := fiscal.DateOnly(t)
		return &d, nil
	}
	for _, layout := range fullDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() <= 1900 {
				return nil, fmt.Errorf("date %q has year %d", s, t.Year())
			}
			d := fiscal.DateOnly(t)
			return &d, nil
		}
	}
	return nil, fmt.Errorf("unparseable date %q", s)
}
