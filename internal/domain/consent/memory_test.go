package consent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*ConsentRequest
	artifacts map[uuid.UUID]*ConsentArtifact
	dedup     map[string]bool
}

func newInMemoryRepo() *inMemoryRepo {
	return &inMemoryRepo{
		requests:  make(map[uuid.UUID]*ConsentRequest),
		artifacts: make(map[uuid.UUID]*ConsentArtifact),
		dedup:     make(map[string]bool),
	}
}

func (r *inMemoryRepo) CreateRequest(ctx context.Context, cr *ConsentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cr
	r.requests[cr.ID] = &cp
	return nil
}

func (r *inMemoryRepo) GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cr
	return &cp, nil
}

func (r *inMemoryRepo) GetRequestByABDMRequestID(ctx context.Context, abdmRequestID string) (*ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cr := range r.requests {
		if cr.ABDMRequestID == abdmRequestID {
			cp := *cr
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *inMemoryRepo) UpdateRequest(ctx context.Context, cr *ConsentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[cr.ID]; !ok {
		return ErrNotFound
	}
	cp := *cr
	r.requests[cr.ID] = &cp
	return nil
}

func (r *inMemoryRepo) ListRequestedOlderThan(ctx context.Context, cutoff time.Time) ([]*ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConsentRequest
	for _, cr := range r.requests {
		if cr.Status == StatusRequested && cr.ExpiresAt.Before(cutoff) {
			cp := *cr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *inMemoryRepo) CreateArtifact(ctx context.Context, a *ConsentArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.artifacts[a.ID] = &cp
	return nil
}

func (r *inMemoryRepo) GetArtifact(ctx context.Context, id uuid.UUID) (*ConsentArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *inMemoryRepo) GetActiveArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.artifacts {
		if a.ConsentRequestID == consentRequestID && a.Status == ArtifactActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *inMemoryRepo) ListActiveArtifactsByPatient(ctx context.Context, patientID uuid.UUID) ([]*ConsentArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConsentArtifact
	for _, a := range r.artifacts {
		if a.Status == ArtifactActive {
			reqID := a.ConsentRequestID
			if cr, ok := r.requests[reqID]; ok && cr.PatientID == patientID {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (r *inMemoryRepo) UpdateArtifact(ctx context.Context, a *ConsentArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	r.artifacts[a.ID] = &cp
	return nil
}

func (r *inMemoryRepo) ListActiveArtifactsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*ConsentArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConsentArtifact
	for _, a := range r.artifacts {
		if a.Status == ArtifactActive && a.ExpiresAt.Before(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *inMemoryRepo) SeenCallback(ctx context.Context, dedupKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dedup[dedupKey] {
		return true, nil
	}
	r.dedup[dedupKey] = true
	return false, nil
}
