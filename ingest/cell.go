package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/yukyu/fiscal"
)

// ============================================================================
// USAGE CELL CLASSIFIER
// ============================================================================
// A calendar cell on the vacation sheet holds one usage mark. The rules below
// are ordered and the first match wins:
//
//	1. "*" or "＊"                 annotation, ignore
//	2. whole cell is "N日間"       duration note, ignore
//	3. contains "消滅"             expiration, 0.0 days
//	4. contains "半" "0.5" AM PM   half day, 0.5 days
//	5. contains "2h" or "2時間"    hourly slice, 0.25 days
//	6. contains "支給"             paid out, 1.0 days
//	7. plain date                  full day, 1.0 days
//
// Parenthesized segments (both ASCII and full-width) are dropped before the
// date is extracted, so "12/25(支給)" and "3/10（半）" resolve cleanly.

var (
	durationNotePattern = regexp.MustCompile(`^\d+日間$`)
	parenPattern        = regexp.MustCompile(`\([^)]*\)|（[^）]*）`)
)

// classification is the outcome of reading one calendar cell.
type classification struct {
	Type fiscal.UsageType
	Days decimal.Decimal
	Date time.Time
}

var errIgnoreCell = fmt.Errorf("cell carries no usage")

// classifyCell reads one calendar cell and returns the usage it records.
// year is the fiscal year of the row, used to resolve dates written without
// a year component. errIgnoreCell means the cell is an annotation; any other
// error means the cell is malformed.
func classifyCell(raw string, year int, p fiscal.FiscalPolicy) (classification, error) {
	s := normalizeText(raw)
	if s == "" || s == "*" || strings.TrimSpace(raw) == "＊" {
		return classification{}, errIgnoreCell
	}
	if durationNotePattern.MatchString(s) {
		return classification{}, errIgnoreCell
	}

	switch {
	case strings.Contains(s, "消滅"):
		return classifyMarked(s, year, p, fiscal.UsageExpired, fiscal.DaysZero)
	case isHalfDay(s):
		return classifyMarked(s, year, p, fiscal.UsageHalf, fiscal.DaysHalf)
	case isHourly(s):
		return classifyMarked(s, year, p, fiscal.UsageHourly, fiscal.DaysQuarter)
	case strings.Contains(s, "支給"):
		return classifyMarked(s, year, p, fiscal.UsagePaidOut, fiscal.DaysFull)
	}

	date, err := parseCellDate(s, year, p)
	if err != nil {
		return classification{}, err
	}
	return classification{Type: fiscal.UsageFull, Days: fiscal.DaysFull, Date: date}, nil
}

func isHalfDay(s string) bool {
	if strings.Contains(s, "半") || strings.Contains(s, "0.5") {
		return true
	}
	upper := strings.ToUpper(s)
	return strings.Contains(upper, "AM") || strings.Contains(upper, "PM")
}

func isHourly(s string) bool {
	return strings.Contains(strings.ToLower(s), "2h") || strings.Contains(s, "2時間")
}

// Marker tokens removed before date extraction. "0.5" is handled separately
// as a whole field only, so it can never bite digits out of a serial date.
var markerTokens = []string{"消滅", "支給", "2時間", "半", "AM", "PM", "am", "pm", "2h", "2H"}

// classifyMarked strips parentheticals and all sentinel tokens, then parses
// whatever date text remains.
func classifyMarked(s string, year int, p fiscal.FiscalPolicy, typ fiscal.UsageType, days decimal.Decimal) (classification, error) {
	rest := parenPattern.ReplaceAllString(s, "")
	fields := strings.Fields(rest)
	kept := fields[:0]
	for _, f := range fields {
		if f != "0.5" {
			kept = append(kept, f)
		}
	}
	rest = strings.Join(kept, " ")
	for _, m := range markerTokens {
		rest = strings.ReplaceAll(rest, m, "")
	}
	date, err := parseCellDate(rest, year, p)
	if err != nil {
		return classification{}, fmt.Errorf("%s mark: %w", typ, err)
	}
	return classification{Type: typ, Days: days, Date: date}, nil
}

// dateLayouts are tried in order. Layouts without a year component resolve
// against the row's fiscal year.
var (
	fullDateLayouts  = []string{"2006/1/2", "2006-1-2", "2006年1月2日"}
	shortDateLayouts = []string{"1/2", "1-2", "1月2日"}
)

// parseCellDate turns cell text into a calendar date. Numeric text is read
// as a spreadsheet serial. Dates written without a year (the common case on
// the calendar grid) land inside the row's fiscal period, which for a
// December day past the period start means the previous calendar year.
func parseCellDate(s string, year int, p fiscal.FiscalPolicy) (time.Time, error) {
	s = strings.Trim(strings.TrimSpace(s), "・,、 ")
	if s == "" {
		return time.Time{}, fmt.Errorf("no date in cell")
	}

	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("serial %q: %w", s, err)
		}
		if t.Year() <= 1900 {
			return time.Time{}, fmt.Errorf("serial %q resolves to year %d", s, t.Year())
		}
		return fiscal.DateOnly(t), nil
	}

	for _, layout := range fullDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() <= 1900 {
				return time.Time{}, fmt.Errorf("date %q has year %d", s, t.Year())
			}
			return fiscal.DateOnly(t), nil
		}
	}
	for _, layout := range shortDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return resolveShortDate(t.Month(), t.Day(), year, p), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// resolveShortDate places a month/day inside fiscal year Y. The period runs
// from late December of Y-1, so December days at or past the period start
// belong to the previous calendar year.
func resolveShortDate(month time.Month, day, year int, p fiscal.FiscalPolicy) time.Time {
	candidate := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if p.Contains(year, candidate) {
		return candidate
	}
	prev := time.Date(year-1, month, day, 0, 0, 0, 0, time.UTC)
	if p.Contains(year, prev) {
		return prev
	}
	return candidate
}
