// Package domain size.go contains the StorageSize type used for every quota
// and running total in the system, so byte counts are never mixed with plain
// integers of unclear unit.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// StorageSize is a byte count.
type StorageSize uint64

// Common units.
const (
	Byte     StorageSize = 1
	Kibibyte             = 1024 * Byte
	Mebibyte             = 1024 * Kibibyte
	Gibibyte             = 1024 * Mebibyte
)

// Bytes returns the raw byte count.
func (s StorageSize) Bytes() uint64 { return uint64(s) }

// String renders the size with the largest unit that keeps one decimal place
// readable, e.g. "5.0MiB", "312B".
func (s StorageSize) String() string {
	switch {
	case s >= Gibibyte:
		return fmt.Sprintf("%.1fGiB", float64(s)/float64(Gibibyte))
	case s >= Mebibyte:
		return fmt.Sprintf("%.1fMiB", float64(s)/float64(Mebibyte))
	case s >= Kibibyte:
		return fmt.Sprintf("%.1fKiB", float64(s)/float64(Kibibyte))
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}

// ParseStorageSize converts a human-friendly size string into a StorageSize.
// Accepts plain integers (bytes) or IEC/human suffixes: KiB/MiB/GiB
// (case-insensitive) or K/M/G.
// Examples: "131072" => 131072, "128KiB" => 131072, "2G" => 2147483648.
func ParseStorageSize(s string) (StorageSize, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty size string", ErrSizeInvalid)
	}
	upper := strings.ToUpper(s)
	if n, ok, err := parseSizeWithSuffix(upper, orig); ok {
		return n, err
	}
	n, err := strconv.ParseUint(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %q: %v", ErrSizeInvalid, orig, err)
	}
	return StorageSize(n), nil
}

// parseSizeWithSuffix attempts to parse well-known size suffixes. It returns
// (value, true, nil) on success; (0, false, nil) if no suffix matched; or
// (0, true, error) if a suffix matched but parsing failed.
func parseSizeWithSuffix(upper, orig string) (StorageSize, bool, error) {
	type unit struct {
		suffix string
		mult   StorageSize
	}
	units := []unit{
		{"KIB", Kibibyte}, {"MIB", Mebibyte}, {"GIB", Gibibyte},
		{"K", Kibibyte}, {"M", Mebibyte}, {"G", Gibibyte},
	}
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numPart := strings.TrimSpace(upper[:len(upper)-len(u.suffix)])
			if numPart == "" {
				return 0, true, fmt.Errorf("%w: parse %q: missing number", ErrSizeInvalid, orig)
			}
			n, err := strconv.ParseUint(numPart, 10, 64)
			if err != nil {
				return 0, true, fmt.Errorf("%w: parse %q: %v", ErrSizeInvalid, orig, err)
			}
			return StorageSize(n) * u.mult, true, nil
		}
	}
	return 0, false, nil
}
