package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists ConsentRequests and ConsentArtifacts and provides the
// lookups the orchestrator's callback reconciliation needs (spec.md §4.B).
type Repository interface {
	CreateRequest(ctx context.Context, r *ConsentRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error)
	GetRequestByABDMRequestID(ctx context.Context, abdmRequestID string) (*ConsentRequest, error)
	UpdateRequest(ctx context.Context, r *ConsentRequest) error
	ListRequestedOlderThan(ctx context.Context, cutoff time.Time) ([]*ConsentRequest, error)

	CreateArtifact(ctx context.Context, a *ConsentArtifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*ConsentArtifact, error)
	GetActiveArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error)
	ListActiveArtifactsByPatient(ctx context.Context, patientID uuid.UUID) ([]*ConsentArtifact, error)
	UpdateArtifact(ctx context.Context, a *ConsentArtifact) error
	ListActiveArtifactsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*ConsentArtifact, error)

	// SeenCallback records a callback's dedup key (abdmRequestId + sequence
	// or payload hash) and reports whether it had already been recorded
	// (spec.md §4.B: "Dedup by (abdmRequestId, callbackSequenceNumber or
	// payload hash). Duplicate → no-op, reply 200.").
	SeenCallback(ctx context.Context, dedupKey string) (alreadySeen bool, err error)
}

// ErrNotFound is returned by Repository lookups that find no row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "consent: not found" }
