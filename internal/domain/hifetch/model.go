// Package hifetch implements the HI Fetch Orchestrator: driving a
// HIFetchRequest from PENDING through a bounded worker pool that decrypts,
// validates, and stores each incoming health-information record (spec.md
// §4.C).
package hifetch

import (
	"time"

	"github.com/google/uuid"

	"github.com/dr-assistant/abdm-core/internal/domain/consent"
)

// Status is the lifecycle state of a HIFetchRequest.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusPartial    Status = "PARTIAL"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether status admits no further record processing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// HIFetchRequest is one invocation of the HI Exchange against a single
// artifact (spec.md §3).
type HIFetchRequest struct {
	ID               uuid.UUID
	ConsentArtifactID uuid.UUID
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	ABDMRequestID    string
	HITypes          []consent.HIType
	DateRangeFrom    time.Time
	DateRangeTo      time.Time
	Status           Status
	TotalRecords     *int
	CompletedRecords int
	FailedRecords    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	TerminalAt       *time.Time
	CancelReason     string
	// EndOfStreamAt is set once a callback with endOfStream=true has been
	// observed; termination requires both this and counters balancing
	// (spec.md §4.C "Termination").
	EndOfStreamAt *time.Time
	// LastSeq is the highest callback sequence number processed so far;
	// ABDM owns redelivery and may resend a callback verbatim, so a seq at
	// or below this is a duplicate and is no-op'd rather than reprocessed
	// (spec.md §6.1: "Webhooks always respond 200... No retries are
	// emitted from the core to ABDM; ABDM owns redelivery").
	LastSeq int64
}

// Stage is a step in a single record's processing pipeline (spec.md §4.C).
type Stage string

const (
	StageReceive Stage = "RECEIVE"
	StageDecrypt Stage = "DECRYPT"
	StageValidate Stage = "VALIDATE"
	StageStore   Stage = "STORE"
	StageError   Stage = "ERROR"
)

// LogStatus is the outcome of one ProcessingLog entry.
type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogFailure LogStatus = "FAILURE"
)

// ProcessingLog records one stage's outcome for one incoming record
// (spec.md §3).
type ProcessingLog struct {
	ID               uuid.UUID
	FetchRequestID   uuid.UUID
	HealthRecordID   *uuid.UUID
	ABDMRecordID     *string
	Stage            Stage
	Status           LogStatus
	ProcessingTimeMs int64
	Details          map[string]any
	At               time.Time
}

// StatusView is the getFetchStatus response shape (spec.md §4.C).
type StatusView struct {
	Status           Status
	TotalRecords     *int
	CompletedRecords int
	FailedRecords    int
	ProgressPercent  float64
}

func newStatusView(r *HIFetchRequest) StatusView {
	v := StatusView{
		Status: r.Status, TotalRecords: r.TotalRecords,
		CompletedRecords: r.CompletedRecords, FailedRecords: r.FailedRecords,
	}
	if r.TotalRecords != nil && *r.TotalRecords > 0 {
		v.ProgressPercent = 100 * float64(r.CompletedRecords+r.FailedRecords) / float64(*r.TotalRecords)
	}
	return v
}

// withinPermission reports whether the requested hiTypes/date range sit
// inside the artifact's granted permission (spec.md §4.C "validates that
// ... requested hiTypes/dateRange are within the artifact's permission").
func withinPermission(perm consent.Permission, hiTypes []consent.HIType, from, to time.Time) bool {
	set := make(map[consent.HIType]bool, len(perm.HITypes))
	for _, t := range perm.HITypes {
		set[t] = true
	}
	for _, t := range hiTypes {
		if !set[t] {
			return false
		}
	}
	return !from.Before(perm.DateRangeFrom) && !to.After(perm.DateRangeTo)
}
