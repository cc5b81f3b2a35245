package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestService() (*Service, *inMemoryRepo) {
	repo := newInMemoryRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func TestService_AppendAndQueryConsentEvents(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	consentID := uuid.New()

	if err := svc.AppendConsentEvent(ctx, consentID, ConsentEventCreated, "doctor-1", nil); err != nil {
		t.Fatalf("append CREATED: %v", err)
	}
	if err := svc.AppendConsentEvent(ctx, consentID, ConsentEventGranted, "abdm-gateway", map[string]any{"artifactId": "a-1"}); err != nil {
		t.Fatalf("append GRANTED: %v", err)
	}

	events, err := svc.QueryByConsent(ctx, consentID)
	if err != nil {
		t.Fatalf("QueryByConsent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != ConsentEventCreated || events[1].Event != ConsentEventGranted {
		t.Fatalf("unexpected event ordering: %+v", events)
	}
}

func TestService_QueryByConsent_IsolatesByID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	svc.AppendConsentEvent(ctx, a, ConsentEventCreated, "doctor-1", nil)
	svc.AppendConsentEvent(ctx, b, ConsentEventCreated, "doctor-2", nil)

	events, err := svc.QueryByConsent(ctx, a)
	if err != nil {
		t.Fatalf("QueryByConsent: %v", err)
	}
	if len(events) != 1 || events[0].ConsentRequestID == nil || *events[0].ConsentRequestID != a {
		t.Fatalf("expected only consent %s's events, got %+v", a, events)
	}
}

func TestService_AppendSecurityEvent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	recordID := uuid.New()

	if err := svc.AppendSecurityEvent(ctx, recordID, "system", map[string]any{"reason": "checksum_mismatch"}); err != nil {
		t.Fatalf("AppendSecurityEvent: %v", err)
	}

	events, err := svc.QueryByConsent(ctx, recordID)
	if err != nil {
		t.Fatalf("QueryByConsent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected a SECURITY event to not be tied to any consentRequestId, got %d", len(events))
	}
}

func TestService_AppendAndQueryAccessLog(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	recordID := uuid.New()

	if err := svc.AppendAccessLog(ctx, recordID, "doctor-1", AccessView, "10.0.0.1", "curl/8.0"); err != nil {
		t.Fatalf("AppendAccessLog: %v", err)
	}

	logs, err := svc.QueryByRecord(ctx, recordID)
	if err != nil {
		t.Fatalf("QueryByRecord: %v", err)
	}
	if len(logs) != 1 || logs[0].AccessType != AccessView {
		t.Fatalf("unexpected access logs: %+v", logs)
	}
}
