package hifetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*HIFetchRequest
	logs     map[uuid.UUID][]*ProcessingLog
}

func newInMemoryRepo() *inMemoryRepo {
	return &inMemoryRepo{requests: make(map[uuid.UUID]*HIFetchRequest), logs: make(map[uuid.UUID][]*ProcessingLog)}
}

func (r *inMemoryRepo) Create(ctx context.Context, f *HIFetchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *f
	r.requests[f.ID] = &cp
	return nil
}

func (r *inMemoryRepo) Get(ctx context.Context, id uuid.UUID) (*HIFetchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *inMemoryRepo) GetByABDMRequestID(ctx context.Context, abdmRequestID string) (*HIFetchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.requests {
		if f.ABDMRequestID == abdmRequestID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *inMemoryRepo) Update(ctx context.Context, f *HIFetchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[f.ID]; !ok {
		return ErrNotFound
	}
	cp := *f
	r.requests[f.ID] = &cp
	return nil
}

func (r *inMemoryRepo) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*HIFetchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*HIFetchRequest
	for _, f := range r.requests {
		if f.Status == StatusProcessing && f.CreatedAt.Before(cutoff) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *inMemoryRepo) AppendLog(ctx context.Context, l *ProcessingLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.logs[l.FetchRequestID] = append(r.logs[l.FetchRequestID], &cp)
	return nil
}

func (r *inMemoryRepo) ListLogs(ctx context.Context, fetchRequestID uuid.UUID) ([]*ProcessingLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ProcessingLog(nil), r.logs[fetchRequestID]...), nil
}
