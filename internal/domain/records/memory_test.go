package records

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type inMemoryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*HealthRecord
}

func newInMemoryRepo() *inMemoryRepo {
	return &inMemoryRepo{records: make(map[uuid.UUID]*HealthRecord)}
}

func (r *inMemoryRepo) Insert(ctx context.Context, rec *HealthRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *inMemoryRepo) GetActiveByABDMRecordID(ctx context.Context, abdmRecordID string) (*HealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ABDMRecordID != nil && *rec.ABDMRecordID == abdmRecordID && rec.Status == StatusActive {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *inMemoryRepo) Supersede(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusSuperseded
	return nil
}

func (r *inMemoryRepo) GetActive(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != StatusActive {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *inMemoryRepo) FindByPatient(ctx context.Context, patientID uuid.UUID, filters Filters, paging Paging) ([]*HealthRecord, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []*HealthRecord
	for _, rec := range r.records {
		if rec.PatientID == patientID && rec.Status == StatusActive {
			cp := *rec
			matches = append(matches, &cp)
		}
	}
	paging = paging.normalized()
	total := len(matches)
	start := paging.Offset
	if start > total {
		start = total
	}
	end := start + paging.Limit
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func (r *inMemoryRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusDeleted
	return nil
}
