// Package domain snapshot.go contains the snapshot uuid sentinels. Sentinel
// uuids denote well-known failure classes and never correspond to stored
// snapshot data.
package domain

// Sentinel snapshot uuids.
const (
	UUIDGarbageCollected = "garbage-collected"
	UUIDNotPersisted     = "not-persisted"
	UUIDTimedOut         = "timed-out"
	UUIDShutdown         = "shutdown"
	UUIDNoUUID           = "no-uuid"
)

// Annotation keys describing why snapshot data is missing from a report.
const (
	AnnotationSnapshotPresent = "debug.snapshot.present"
	AnnotationSnapshotError   = "debug.snapshot.error"
)

// sentinelReasons maps each sentinel uuid to its missing-snapshot reason.
var sentinelReasons = map[string]string{
	UUIDGarbageCollected: "garbage collected",
	UUIDNotPersisted:     "not persisted",
	UUIDTimedOut:         "timeout",
	UUIDShutdown:         "system shutdown",
	UUIDNoUUID:           "no uuid",
}

// IsSentinelUUID reports whether uuid is one of the reserved failure-class
// uuids.
func IsSentinelUUID(uuid string) bool {
	_, ok := sentinelReasons[uuid]
	return ok
}

// MissingSnapshotAnnotations returns the fixed annotations describing why the
// snapshot for uuid is unavailable. Non-sentinel uuids report "garbage
// collected" (data evicted under cache pressure).
func MissingSnapshotAnnotations(uuid string) *Annotations {
	a := NewAnnotations()
	a.Set(AnnotationSnapshotPresent, "false")
	if reason, ok := sentinelReasons[uuid]; ok {
		a.Set(AnnotationSnapshotError, reason)
	} else {
		a.Set(AnnotationSnapshotError, "garbage collected")
	}
	return a
}
