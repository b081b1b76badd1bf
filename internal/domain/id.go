// Package domain id.go contains the report identifier type and its parsing rules.
package domain

import "strconv"

// ReportID is the canonical identifier for a filed crash report. IDs are
// allocated monotonically by the report store and never reused for the
// lifetime of the store root.
type ReportID uint64

// String returns the base-10 string form used for on-disk directory names.
func (id ReportID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseReportID parses a base-10 report id (e.g. an on-disk directory name).
// Returns ErrInvalidReportID on failure.
func ParseReportID(s string) (ReportID, error) {
	if s == "" {
		return 0, ErrInvalidReportID
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidReportID
	}
	return ReportID(n), nil
}
