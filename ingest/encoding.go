package ingest

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/width"
)

// normalizeText makes a workbook cell comparable: repair Shift-JIS bytes
// that survived into the cell, fold every rune to its canonical width
// (full-width digits and slashes become ASCII, half-width kana becomes
// full-width), and trim. Kanji passes through unchanged.
func normalizeText(s string) string {
	if !utf8.ValidString(s) {
		if dec, err := japanese.ShiftJIS.NewDecoder().String(s); err == nil && utf8.ValidString(dec) {
			s = dec
		} else {
			s = strings.ToValidUTF8(s, "")
		}
	}
	return strings.TrimSpace(width.Fold.String(s))
}

// cellAt returns the normalized cell at index i, or "" when the row is
// shorter (excelize trims trailing empties).
func cellAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return normalizeText(row[i])
}
