package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dr-assistant/abdm-core/internal/domain/audit"
	"github.com/dr-assistant/abdm-core/internal/platform/gateway"
)

type auditRepoFake struct {
	mu     sync.Mutex
	events []*audit.ConsentAuditEvent
}

func (r *auditRepoFake) AppendConsentEvent(_ context.Context, e *audit.ConsentAuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *auditRepoFake) QueryByConsent(_ context.Context, id uuid.UUID) ([]*audit.ConsentAuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.ConsentAuditEvent
	for _, e := range r.events {
		if e.ConsentRequestID != nil && *e.ConsentRequestID == id {
			out = append(out, e)
		}
	}
	return out, nil
}
func (r *auditRepoFake) AppendAccessLog(context.Context, *audit.AccessLog) error { return nil }
func (r *auditRepoFake) QueryByRecord(context.Context, uuid.UUID) ([]*audit.AccessLog, error) {
	return nil, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	fail     bool
	response consentInitResponse
}

func (g *fakeGateway) Post(ctx context.Context, cmID, path string, payload interface{}, idempotencyKey string, into interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return &gateway.GatewayUnavailableError{Err: context.DeadlineExceeded}
	}
	*(into.(*consentInitResponse)) = g.response
	return nil
}

// newTestService builds a Service with pool=nil: every test here exercises
// paths that never call db.WithTx (RevokeConsent and the GRANTED callback
// path require a live pool and are exercised only by the integration
// suite, matching the teacher's separation of unit vs. integration tests).
func newTestService(gw *fakeGateway) (*Service, *inMemoryRepo, *auditRepoFake) {
	repo := newInMemoryRepo()
	auditRepo := &auditRepoFake{}
	auditSvc := audit.NewService(auditRepo, zerolog.Nop())
	svc := NewService(repo, nil, gw, auditSvc, nil, "https://hiu.example/consent/callback", zerolog.Nop())
	return svc, repo, auditRepo
}

func validRequestInput() RequestConsentInput {
	now := time.Now().UTC()
	return RequestConsentInput{
		PatientID: uuid.New(), PatientAbhaID: "14-1234-5678-9012",
		RequesterID: uuid.New(), PurposeCode: "CAREMGT",
		PurposeText: "Ongoing care management for chronic condition",
		HITypes:     []HIType{HITypeDiagnosticReport, HITypeObservation},
		DateRangeFrom: now.Add(-30 * 24 * time.Hour), DateRangeTo: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
}

func TestService_RequestConsent_Success(t *testing.T) {
	gw := &fakeGateway{response: consentInitResponse{ABDMRequestID: "abdm-req-1"}}
	svc, _, auditRepo := newTestService(gw)

	cr, err := svc.RequestConsent(context.Background(), validRequestInput())
	if err != nil {
		t.Fatalf("RequestConsent: %v", err)
	}
	if cr.Status != StatusRequested || cr.ABDMRequestID != "abdm-req-1" {
		t.Fatalf("unexpected consent request: %+v", cr)
	}

	events, _ := auditRepo.QueryByConsent(context.Background(), cr.ID)
	if len(events) != 2 {
		t.Fatalf("expected CREATED+SUBMITTED audit events, got %d", len(events))
	}
}

func TestService_RequestConsent_RejectsEmptyHITypes(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	in := validRequestInput()
	in.HITypes = nil

	if _, err := svc.RequestConsent(context.Background(), in); err == nil {
		t.Fatal("expected validation error for empty hiTypes")
	}
}

func TestService_RequestConsent_RejectsInvertedDateRange(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	in := validRequestInput()
	in.DateRangeFrom, in.DateRangeTo = in.DateRangeTo, in.DateRangeFrom

	if _, err := svc.RequestConsent(context.Background(), in); err == nil {
		t.Fatal("expected validation error for inverted date range")
	}
}

func TestService_RequestConsent_GatewayFailureMovesToError(t *testing.T) {
	gw := &fakeGateway{fail: true}
	svc, repo, _ := newTestService(gw)

	_, err := svc.RequestConsent(context.Background(), validRequestInput())
	if err == nil {
		t.Fatal("expected gateway error")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, cr := range repo.requests {
		if cr.Status != StatusError {
			t.Fatalf("expected ERROR, got %s", cr.Status)
		}
	}
}

func TestService_IngestCallback_UnknownRequestIsOrphan(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})

	outcome, err := svc.IngestCallback(context.Background(), CallbackPayload{
		ABDMRequestID: "does-not-exist", Event: "GRANTED", At: time.Now().UTC(), Seq: 1,
	})
	if err != nil {
		t.Fatalf("IngestCallback: %v", err)
	}
	if outcome != OutcomeOrphan {
		t.Fatalf("expected CALLBACK_ORPHAN, got %s", outcome)
	}
}

func seedRequestedConsent(t *testing.T, repo *inMemoryRepo, abdmRequestID string) *ConsentRequest {
	t.Helper()
	now := time.Now().UTC()
	cr := &ConsentRequest{
		ID: uuid.New(), PatientID: uuid.New(), RequesterID: uuid.New(),
		HITypes: []HIType{HITypeDiagnosticReport, HITypeObservation},
		DateRangeFrom: now.Add(-30 * 24 * time.Hour), DateRangeTo: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour), ABDMRequestID: abdmRequestID,
		Status: StatusRequested, CreatedAt: now, UpdatedAt: now,
	}
	_ = repo.CreateRequest(context.Background(), cr)
	return cr
}

func TestService_IngestCallback_DeniedTransitionsToTerminal(t *testing.T) {
	svc, repo, _ := newTestService(&fakeGateway{})
	cr := seedRequestedConsent(t, repo, "abdm-req-denied")

	outcome, err := svc.IngestCallback(context.Background(), CallbackPayload{
		ABDMRequestID: cr.ABDMRequestID, Event: "DENIED", At: time.Now().UTC(), Seq: 1,
	})
	if err != nil {
		t.Fatalf("IngestCallback: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected APPLIED, got %s", outcome)
	}

	got, _ := repo.GetRequest(context.Background(), cr.ID)
	if got.Status != StatusDenied {
		t.Fatalf("expected DENIED, got %s", got.Status)
	}
}

func TestService_IngestCallback_DuplicateIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService(&fakeGateway{})
	cr := seedRequestedConsent(t, repo, "abdm-req-dup")

	payload := CallbackPayload{ABDMRequestID: cr.ABDMRequestID, Event: "DENIED", At: time.Now().UTC(), Seq: 1}
	if _, err := svc.IngestCallback(context.Background(), payload); err != nil {
		t.Fatalf("first IngestCallback: %v", err)
	}
	outcome, err := svc.IngestCallback(context.Background(), payload)
	if err != nil {
		t.Fatalf("second IngestCallback: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected CALLBACK_DUPLICATE, got %s", outcome)
	}
}

func TestService_IngestCallback_AfterTerminalIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService(&fakeGateway{})
	cr := seedRequestedConsent(t, repo, "abdm-req-terminal")
	cr.Status = StatusRevoked
	_ = repo.UpdateRequest(context.Background(), cr)

	outcome, err := svc.IngestCallback(context.Background(), CallbackPayload{
		ABDMRequestID: cr.ABDMRequestID, Event: "EXPIRED", At: time.Now().UTC(), Seq: 1,
	})
	if err != nil {
		t.Fatalf("IngestCallback: %v", err)
	}
	if outcome != OutcomeAfterTerminal {
		t.Fatalf("expected CALLBACK_AFTER_TERMINAL, got %s", outcome)
	}
}

func TestService_GetConsentStatus_NotFound(t *testing.T) {
	svc, _, _ := newTestService(&fakeGateway{})
	if _, err := svc.GetConsentStatus(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestService_ListActiveConsents_ReturnsOnlyThatPatientsArtifacts(t *testing.T) {
	svc, repo, _ := newTestService(&fakeGateway{})
	patientA := uuid.New()
	crA := &ConsentRequest{ID: uuid.New(), PatientID: patientA, Status: StatusGranted, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	_ = repo.CreateRequest(context.Background(), crA)
	artifact := &ConsentArtifact{ID: uuid.New(), ConsentRequestID: crA.ID, Status: ArtifactActive, GrantedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour)}
	_ = repo.CreateArtifact(context.Background(), artifact)

	artifacts, err := svc.ListActiveConsents(context.Background(), patientA)
	if err != nil {
		t.Fatalf("ListActiveConsents: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].ID != artifact.ID {
		t.Fatalf("unexpected artifacts: %+v", artifacts)
	}

	if artifacts2, err := svc.ListActiveConsents(context.Background(), uuid.New()); err != nil || len(artifacts2) != 0 {
		t.Fatalf("expected no artifacts for unrelated patient, got %+v (err=%v)", artifacts2, err)
	}
}
