// Package domain policy.go contains the global reporting policy and the
// upload outcome enumerations.
package domain

import "fmt"

// ReportingPolicy is the global directive controlling what happens to queued
// reports. It is mutated only by an external policy source (e.g. a privacy
// consent setting) and observed by the queue.
type ReportingPolicy int

const (
	// PolicyUndecided leaves reports parked until the policy resolves.
	PolicyUndecided ReportingPolicy = iota
	// PolicyArchive keeps reports on disk but never uploads them.
	PolicyArchive
	// PolicyDoNotFileAndDelete discards reports immediately.
	PolicyDoNotFileAndDelete
	// PolicyUpload sends reports to the remote collector.
	PolicyUpload
)

func (p ReportingPolicy) String() string {
	switch p {
	case PolicyUndecided:
		return "undecided"
	case PolicyArchive:
		return "archive"
	case PolicyDoNotFileAndDelete:
		return "delete"
	case PolicyUpload:
		return "upload"
	default:
		return fmt.Sprintf("reporting_policy(%d)", int(p))
	}
}

// ParseReportingPolicy parses the string form used in configuration.
func ParseReportingPolicy(s string) (ReportingPolicy, error) {
	switch s {
	case "undecided":
		return PolicyUndecided, nil
	case "archive":
		return PolicyArchive, nil
	case "delete":
		return PolicyDoNotFileAndDelete, nil
	case "upload":
		return PolicyUpload, nil
	default:
		return PolicyUndecided, fmt.Errorf("unknown reporting policy %q", s)
	}
}

// UploadOutcome is the transport collaborator's verdict on one upload attempt.
type UploadOutcome int

const (
	// UploadSuccess means the collector accepted the report.
	UploadSuccess UploadOutcome = iota
	// UploadFailure means the attempt failed and may be retried.
	UploadFailure
	// UploadThrottled means the collector refused the report and it must not
	// be retried. Not an error.
	UploadThrottled
)

func (o UploadOutcome) String() string {
	switch o {
	case UploadSuccess:
		return "success"
	case UploadFailure:
		return "failure"
	case UploadThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("upload_outcome(%d)", int(o))
	}
}
