// Package queue implements the upload orchestration state machine. It
// declares the ports it needs from the report store, the snapshot manager,
// the upload transport, and the policy/network sources; adapter packages
// provide concrete implementations.
package queue

import (
	"context"
	"time"

	"github.com/vsrinivas/crashd/internal/domain"
	"github.com/vsrinivas/crashd/internal/snapshot"
)

// ReportStore is the persistence port. Satisfied by *store.Store.
type ReportStore interface {
	// Add persists a report and assigns its id.
	Add(r *domain.Report) (domain.ReportID, error)
	// Get loads a stored report's payload.
	Get(id domain.ReportID) (*domain.Report, error)
	// Remove deletes a report; returns false if unknown.
	Remove(id domain.ReportID) bool
	// Contains revalidates the report against the filesystem.
	Contains(id domain.ReportID) bool
	// Reports lists every stored report id, ascending.
	Reports() []domain.ReportID
}

// SnapshotResolver is the snapshot port. Satisfied by *snapshot.Manager.
type SnapshotResolver interface {
	// GetSnapshotUUID returns a future resolving to a snapshot uuid (or a
	// sentinel).
	GetSnapshotUUID(timeout time.Duration) <-chan string
	// GetSnapshot resolves a uuid to its data or a missing-snapshot view.
	GetSnapshot(uuid string) snapshot.Snapshot
	// Release drops one client reference on uuid.
	Release(uuid string) bool
}

// Uploader is the transport collaborator. A non-nil error is treated as
// UploadFailure regardless of the returned outcome.
type Uploader interface {
	Upload(ctx context.Context, r *domain.Report, snap snapshot.Snapshot) (domain.UploadOutcome, string, error)
}

// PolicySource notifies the queue of the global reporting policy. Watch must
// invoke fn immediately with the current policy and again on every change.
type PolicySource interface {
	Watch(fn func(domain.ReportingPolicy))
}

// NetworkWatcher notifies the queue of reachability transitions.
type NetworkWatcher interface {
	Watch(fn func(reachable bool))
}
