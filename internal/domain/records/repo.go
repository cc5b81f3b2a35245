package records

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists HealthRecords (spec.md §4.D).
type Repository interface {
	// Insert writes a new HealthRecord row. Callers are responsible for
	// having already superseded any prior ACTIVE version with the same
	// ABDMRecordID in the same transaction.
	Insert(ctx context.Context, r *HealthRecord) error

	// GetActiveByABDMRecordID finds the current ACTIVE version for an
	// ABDM-sourced record, used to decide whether Put is a fresh insert or
	// a new version.
	GetActiveByABDMRecordID(ctx context.Context, abdmRecordID string) (*HealthRecord, error)

	// Supersede marks a HealthRecord row SUPERSEDED.
	Supersede(ctx context.Context, id uuid.UUID) error

	GetActive(ctx context.Context, id uuid.UUID) (*HealthRecord, error)

	FindByPatient(ctx context.Context, patientID uuid.UUID, filters Filters, paging Paging) ([]*HealthRecord, int, error)

	// SoftDelete marks a HealthRecord DELETED.
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// ErrNotFound is returned by Repository lookups that find no row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "records: not found" }
