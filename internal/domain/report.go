// Package domain report.go contains the Report payload and its validation
// rules.
package domain

import "strings"

// Filenames reserved for the store's own use inside a report directory.
// Producers may not supply annotations or attachments under these keys.
const (
	AnnotationsFilename  = "annotations.json"
	MinidumpFilename     = "minidump.dmp"
	SnapshotUUIDFilename = "snapshot_uuid.txt"
)

// reservedKeys maps every filename the store writes itself.
var reservedKeys = map[string]struct{}{
	AnnotationsFilename:  {},
	MinidumpFilename:     {},
	SnapshotUUIDFilename: {},
}

// IsReservedKey reports whether key collides with a store-owned filename.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// Report is one crash occurrence. The payload is owned by the report store
// once filed; the queue loads it back only for the duration of an upload
// attempt.
type Report struct {
	ID           ReportID
	ProgramName  string
	Annotations  *Annotations
	Attachments  map[string][]byte
	Minidump     []byte
	SnapshotUUID string
}

// Validate rejects malformed reports: a missing or path-unsafe program name,
// or any reserved annotation/attachment key. Malformed reports are never
// stored.
func (r *Report) Validate() error {
	if r.ProgramName == "" {
		return ErrNoProgramName
	}
	// Program names become directory names under the store roots.
	if r.ProgramName == "." || r.ProgramName == ".." ||
		strings.ContainsAny(r.ProgramName, `/\`) {
		return ErrBadProgramName
	}
	if r.Annotations != nil {
		for _, k := range r.Annotations.Keys() {
			if IsReservedKey(k) {
				return ErrReservedKey
			}
		}
	}
	for k := range r.Attachments {
		if IsReservedKey(k) || strings.ContainsAny(k, `/\`) {
			return ErrReservedKey
		}
	}
	return nil
}

// Size returns the storage footprint of the report: serialized annotations
// plus every attachment, the minidump, and the snapshot uuid file.
func (r *Report) Size() StorageSize {
	var total StorageSize
	if r.Annotations != nil {
		if b, err := r.Annotations.MarshalJSON(); err == nil {
			total += StorageSize(len(b))
		}
	}
	for _, data := range r.Attachments {
		total += StorageSize(len(data))
	}
	total += StorageSize(len(r.Minidump))
	total += StorageSize(len(r.SnapshotUUID))
	return total
}
