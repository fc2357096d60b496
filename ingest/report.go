package ingest

import "fmt"

// RowError records why one spreadsheet row was skipped. Row numbers are
// 1-based as shown in Excel, so operators can jump straight to the cell.
type RowError struct {
	Sheet  string `json:"sheet"`
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

func (e RowError) String() string {
	return fmt.Sprintf("%s row %d: %s", e.Sheet, e.Row, e.Reason)
}

// Report summarizes one ingestion run. Skipped rows never abort the run;
// they are tallied here with their reasons so the upstream file can be
// repaired and re-submitted. Re-submitting is safe: registers are keyed by
// employee number and usage events by (employee, year, date).
type Report struct {
	Kind          string     `json:"kind"`
	FileName      string     `json:"file_name,omitempty"`
	RowsRead      int        `json:"rows_read"`
	RowsAccepted  int        `json:"rows_accepted"`
	RowsSkipped   int        `json:"rows_skipped"`
	EventsWritten int        `json:"events_written,omitempty"`
	Employees     int        `json:"employees,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
	Errors        []RowError `json:"errors,omitempty"`
}

func (r *Report) skip(sheet string, row int, format string, args ...any) {
	r.RowsSkipped++
	r.Errors = append(r.Errors, RowError{Sheet: sheet, Row: row, Reason: fmt.Sprintf(format, args...)})
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
