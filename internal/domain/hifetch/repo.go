package hifetch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists HIFetchRequests and their per-record ProcessingLogs
// (spec.md §3, §4.C).
type Repository interface {
	Create(ctx context.Context, r *HIFetchRequest) error
	Get(ctx context.Context, id uuid.UUID) (*HIFetchRequest, error)
	GetByABDMRequestID(ctx context.Context, abdmRequestID string) (*HIFetchRequest, error)
	Update(ctx context.Context, r *HIFetchRequest) error
	ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*HIFetchRequest, error)

	AppendLog(ctx context.Context, l *ProcessingLog) error
	ListLogs(ctx context.Context, fetchRequestID uuid.UUID) ([]*ProcessingLog, error)
}

// ErrNotFound is returned by Repository lookups that find no row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "hifetch: not found" }
