package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// inMemoryRepo is a Repository test double. Kept in a _test.go file since
// nothing outside this package's tests needs a non-durable audit store.
type inMemoryRepo struct {
	mu           sync.Mutex
	consentEvent []*ConsentAuditEvent
	accessLog    []*AccessLog
}

func newInMemoryRepo() *inMemoryRepo {
	return &inMemoryRepo{}
}

func (r *inMemoryRepo) AppendConsentEvent(_ context.Context, ev *ConsentAuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consentEvent = append(r.consentEvent, ev)
	return nil
}

func (r *inMemoryRepo) QueryByConsent(_ context.Context, id uuid.UUID) ([]*ConsentAuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ConsentAuditEvent
	for _, ev := range r.consentEvent {
		if ev.ConsentRequestID != nil && *ev.ConsentRequestID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *inMemoryRepo) AppendAccessLog(_ context.Context, entry *AccessLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessLog = append(r.accessLog, entry)
	return nil
}

func (r *inMemoryRepo) QueryByRecord(_ context.Context, id uuid.UUID) ([]*AccessLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*AccessLog
	for _, l := range r.accessLog {
		if l.HealthRecordID == id {
			out = append(out, l)
		}
	}
	return out, nil
}
