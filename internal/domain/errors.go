// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidReportID = errors.New("invalid report id")
	ErrNoProgramName   = errors.New("report missing program name")
	ErrBadProgramName  = errors.New("program name not usable as a path segment")
	ErrReservedKey     = errors.New("reserved annotation or attachment key")
	ErrNotFound        = errors.New("report not found")
	ErrStoreFull       = errors.New("report store full")
	ErrDuplicateReport = errors.New("duplicate report id")
	ErrSizeInvalid     = errors.New("storage size invalid")
)
