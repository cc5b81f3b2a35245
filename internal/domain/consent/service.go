package consent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dr-assistant/abdm-core/internal/domain/audit"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/db"
	"github.com/dr-assistant/abdm-core/internal/platform/gateway"
)

// GatewayClient is the subset of gateway.Client the orchestrator needs. It
// is an interface so tests can fake gateway behavior without an HTTP
// server.
type GatewayClient interface {
	Post(ctx context.Context, cmID, path string, payload interface{}, idempotencyKey string, into interface{}) error
}

// ArtifactVerifier checks the opaque signature on a GRANTED callback's
// artifact (spec.md §4.B: "signature check (opaque verifier)"). The real
// ABDM signature scheme is an open question (spec.md §9); this interface
// isolates the conformance adapter so it can be swapped in without
// touching orchestration logic.
type ArtifactVerifier interface {
	Verify(signedPayload []byte) error
}

// NoopVerifier accepts every artifact. Used only until the live gateway's
// signature scheme is known; see spec.md §9 open questions.
type NoopVerifier struct{}

func (NoopVerifier) Verify([]byte) error { return nil }

// Service is the Consent Orchestrator (spec.md §4.B).
type Service struct {
	repo     Repository
	pool     *pgxpool.Pool
	gw       GatewayClient
	audit    *audit.Service
	verifier ArtifactVerifier
	log      zerolog.Logger

	callbackURL string

	// consentLocks serializes state transitions per consentRequestId
	// (spec.md §5: "Consent state transitions are serialized per
	// consentRequestId").
	consentLocks keyedMutex
}

func NewService(repo Repository, pool *pgxpool.Pool, gw GatewayClient, auditSvc *audit.Service, verifier ArtifactVerifier, callbackURL string, log zerolog.Logger) *Service {
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	return &Service{
		repo: repo, pool: pool, gw: gw, audit: auditSvc, verifier: verifier,
		callbackURL: callbackURL,
		log:         log.With().Str("component", "consent_orchestrator").Logger(),
	}
}

// RequestConsentInput is requestConsent's input (spec.md §4.B).
type RequestConsentInput struct {
	PatientID     uuid.UUID
	PatientAbhaID string
	RequesterID   uuid.UUID
	PurposeCode   string
	PurposeText   string
	HITypes       []HIType
	DateRangeFrom time.Time
	DateRangeTo   time.Time
	ExpiresAt     time.Time
	HIPs          []string
}

func (in RequestConsentInput) validate() error {
	var fields []string
	if len(in.HITypes) == 0 {
		fields = append(fields, "hiTypes")
	}
	for _, t := range in.HITypes {
		if !ValidHITypes[t] {
			fields = append(fields, "hiTypes")
			break
		}
	}
	if in.DateRangeFrom.After(in.DateRangeTo) {
		fields = append(fields, "dateRange")
	}
	if !in.ExpiresAt.After(time.Now()) {
		fields = append(fields, "expiresAt")
	}
	if len(in.PurposeText) > 0 && (len(in.PurposeText) < 10 || len(in.PurposeText) > 500) {
		fields = append(fields, "purposeText")
	}
	if len(fields) > 0 {
		return apierr.Validation("invalid consent request", fields...)
	}
	return nil
}

// consentInitPayload is the outbound shape ABDM's consent-requests/init
// endpoint expects (spec.md §6.3).
type consentInitPayload struct {
	PatientAbhaID string    `json:"patientAbhaId"`
	PurposeCode   string    `json:"purposeCode"`
	PurposeText   string    `json:"purposeText"`
	HITypes       []HIType  `json:"hiTypes"`
	DateRangeFrom time.Time `json:"dateRangeFrom"`
	DateRangeTo   time.Time `json:"dateRangeTo"`
	ExpiresAt     time.Time `json:"expiresAt"`
	HIPs          []string  `json:"hips,omitempty"`
	CallbackURL   string    `json:"callbackUrl"`
}

type consentInitResponse struct {
	ABDMRequestID string `json:"abdmRequestId"`
}

// RequestConsent creates a ConsentRequest and submits it to the gateway.
func (s *Service) RequestConsent(ctx context.Context, in RequestConsentInput) (*ConsentRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cr := &ConsentRequest{
		ID: uuid.New(), PatientID: in.PatientID, PatientAbhaID: in.PatientAbhaID,
		RequesterID: in.RequesterID, PurposeCode: in.PurposeCode, PurposeText: in.PurposeText,
		HITypes: in.HITypes, DateRangeFrom: in.DateRangeFrom, DateRangeTo: in.DateRangeTo,
		ExpiresAt: in.ExpiresAt, HIPs: in.HIPs, Status: StatusRequested,
		CreatedAt: now, UpdatedAt: now,
	}

	if err := s.repo.CreateRequest(ctx, cr); err != nil {
		return nil, apierr.Internal(err)
	}
	s.audit.AppendConsentEvent(ctx, cr.ID, audit.ConsentEventCreated, in.RequesterID.String(), nil)

	var resp consentInitResponse
	err := s.gw.Post(ctx, gateway.ExtractCMID(in.PatientAbhaID), "/consent-requests/init", consentInitPayload{
		PatientAbhaID: in.PatientAbhaID, PurposeCode: in.PurposeCode, PurposeText: in.PurposeText,
		HITypes: in.HITypes, DateRangeFrom: in.DateRangeFrom, DateRangeTo: in.DateRangeTo,
		ExpiresAt: in.ExpiresAt, HIPs: in.HIPs, CallbackURL: s.callbackURL,
	}, cr.ID.String(), &resp)

	if err != nil {
		gwErr := apierr.FromGatewayError(err)
		cr.Status = StatusError
		cr.ErrorReason = err.Error()
		cr.ErrRecoverable = gwErr.Kind == apierr.KindGatewayUnavailable
		cr.UpdatedAt = time.Now().UTC()
		s.repo.UpdateRequest(ctx, cr)
		s.audit.AppendConsentEvent(ctx, cr.ID, audit.ConsentEventError, "gateway_client", map[string]any{"reason": err.Error()})
		return nil, gwErr
	}

	cr.ABDMRequestID = resp.ABDMRequestID
	cr.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateRequest(ctx, cr); err != nil {
		return nil, apierr.Internal(err)
	}
	s.audit.AppendConsentEvent(ctx, cr.ID, audit.ConsentEventSubmitted, in.RequesterID.String(), nil)

	return cr, nil
}

// GetConsentStatus returns the current state and last audit event.
func (s *Service) GetConsentStatus(ctx context.Context, id uuid.UUID) (*ConsentStatusView, error) {
	cr, err := s.repo.GetRequest(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("consent request not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}

	view := &ConsentStatusView{Status: cr.Status}
	if cr.Status == StatusGranted {
		artifact, err := s.repo.GetActiveArtifactByRequest(ctx, id)
		if err != nil && err != ErrNotFound {
			return nil, apierr.Internal(err)
		}
		view.Artifact = artifact
	}

	events, err := s.audit.QueryByConsent(ctx, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if len(events) > 0 {
		view.LastEvent = string(events[len(events)-1].Event)
	}
	return view, nil
}

// GetRequest returns a ConsentRequest by ID, used by the API surface to
// resolve the resource's owner (RequesterID) for ownership enforcement
// before serving or mutating it (spec.md §4.F).
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	cr, err := s.repo.GetRequest(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("consent request not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}
	return cr, nil
}

// QueryAudit returns a consent request's full audit trail.
func (s *Service) QueryAudit(ctx context.Context, id uuid.UUID) ([]*audit.ConsentAuditEvent, error) {
	events, err := s.audit.QueryByConsent(ctx, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return events, nil
}

// GetArtifact returns a ConsentArtifact by ID, regardless of status. Used
// by the HI Fetch Orchestrator to validate fetch scope against the
// artifact's permission (spec.md §4.C).
func (s *Service) GetArtifact(ctx context.Context, id uuid.UUID) (*ConsentArtifact, error) {
	a, err := s.repo.GetArtifact(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("consent artifact not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}
	return a, nil
}

// ListActiveConsents returns every ACTIVE artifact for a patient.
func (s *Service) ListActiveConsents(ctx context.Context, patientID uuid.UUID) ([]*ConsentArtifact, error) {
	artifacts, err := s.repo.ListActiveArtifactsByPatient(ctx, patientID)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return artifacts, nil
}

// RevokeConsent is idempotent: repeated calls on an already-REVOKED request
// return success with the existing terminal state (spec.md §4.B).
func (s *Service) RevokeConsent(ctx context.Context, id uuid.UUID, reason, actor string) (*ConsentRequest, error) {
	unlock := s.consentLocks.Lock(id.String())
	defer unlock()

	cr, err := s.repo.GetRequest(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("consent request not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}

	if cr.Status == StatusRevoked {
		return cr, nil // idempotent no-op
	}
	if cr.Status != StatusGranted {
		return nil, apierr.Conflict(fmt.Sprintf("cannot revoke consent in status %s", cr.Status))
	}

	ctx2, tx, err := db.WithTx(ctx, s.pool)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer tx.Rollback(ctx)

	cr.Status = StatusRevoked
	cr.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateRequest(ctx2, cr); err != nil {
		return nil, apierr.Internal(err)
	}
	if artifact, err := s.repo.GetActiveArtifactByRequest(ctx2, id); err == nil {
		artifact.Status = ArtifactRevoked
		if err := s.repo.UpdateArtifact(ctx2, artifact); err != nil {
			return nil, apierr.Internal(err)
		}
	}
	if err := s.audit.AppendConsentEvent(ctx2, id, audit.ConsentEventRevoked, actor, map[string]any{"reason": reason}); err != nil {
		return nil, apierr.Internal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apierr.Internal(err)
	}

	return cr, nil
}

// CallbackPayload is the wire shape of an ABDM consent webhook (spec.md
// §6.2): {abdmRequestId, event, artifact?, at, seq}.
type CallbackPayload struct {
	ABDMRequestID string              `json:"abdmRequestId"`
	Event         string              `json:"event"`
	Artifact      *CallbackArtifact   `json:"artifact,omitempty"`
	At            time.Time           `json:"at"`
	Seq           int64               `json:"seq"`
}

// CallbackArtifact is the artifact shape carried on a GRANTED callback.
type CallbackArtifact struct {
	ABDMArtifactID string    `json:"abdmArtifactId"`
	AccessMode     string    `json:"accessMode"`
	HITypes        []HIType  `json:"hiTypes"`
	DateRangeFrom  time.Time `json:"dateRangeFrom"`
	DateRangeTo    time.Time `json:"dateRangeTo"`
	DataEraseAt    time.Time `json:"dataEraseAt"`
	SignedPayload  []byte    `json:"signedPayload"`
}

// IngestCallback reconciles an asynchronous consent webhook (spec.md §4.B
// "Callback reconciliation"). It never returns an error for business
// outcomes the caller should treat as a no-op 200 — those are communicated
// via the returned Outcome.
type Outcome string

const (
	OutcomeApplied        Outcome = "APPLIED"
	OutcomeOrphan         Outcome = "CALLBACK_ORPHAN"
	OutcomeDuplicate      Outcome = "CALLBACK_DUPLICATE"
	OutcomeAfterTerminal  Outcome = "CALLBACK_AFTER_TERMINAL"
)

func (s *Service) IngestCallback(ctx context.Context, payload CallbackPayload) (Outcome, error) {
	cr, err := s.repo.GetRequestByABDMRequestID(ctx, payload.ABDMRequestID)
	if err == ErrNotFound {
		s.log.Warn().Str("abdm_request_id", payload.ABDMRequestID).Msg("consent callback for unknown request")
		return OutcomeOrphan, nil
	} else if err != nil {
		return "", apierr.Internal(err)
	}

	dedupKey := callbackDedupKey(payload)
	seen, err := s.repo.SeenCallback(ctx, dedupKey)
	if err != nil {
		return "", apierr.Internal(err)
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	unlock := s.consentLocks.Lock(cr.ID.String())
	defer unlock()

	s.audit.AppendConsentEvent(ctx, cr.ID, audit.ConsentEventCallbackReceived, "abdm-gateway", map[string]any{"event": payload.Event, "seq": payload.Seq})

	if cr.Status.IsTerminal() {
		s.log.Info().Str("consent_request_id", cr.ID.String()).Msg("callback after terminal state, logging as orphan")
		return OutcomeAfterTerminal, nil
	}

	switch payload.Event {
	case "GRANTED":
		return s.applyGranted(ctx, cr, payload)
	case "DENIED":
		return s.transitionTerminal(ctx, cr, StatusDenied, audit.ConsentEventDenied)
	case "EXPIRED":
		return s.transitionTerminal(ctx, cr, StatusExpired, audit.ConsentEventExpired)
	default:
		s.log.Warn().Str("event", payload.Event).Msg("unrecognized consent callback event")
		return OutcomeOrphan, nil
	}
}

func (s *Service) applyGranted(ctx context.Context, cr *ConsentRequest, payload CallbackPayload) (Outcome, error) {
	if cr.Status != StatusRequested {
		return OutcomeAfterTerminal, nil
	}
	if payload.Artifact == nil {
		return s.moveToError(ctx, cr, "GRANTED callback missing artifact")
	}
	art := payload.Artifact

	if err := s.verifier.Verify(art.SignedPayload); err != nil {
		return s.moveToError(ctx, cr, "artifact signature verification failed: "+err.Error())
	}
	if art.AccessMode == "" || len(art.HITypes) == 0 {
		return s.moveToError(ctx, cr, "artifact permission fields empty")
	}
	if !art.DataEraseAt.After(payload.At) {
		return s.moveToError(ctx, cr, "artifact dataEraseAt not in the future")
	}
	if !containsAll(cr.HITypes, art.HITypes) {
		return s.moveToError(ctx, cr, "artifact hiTypes exceed requested hiTypes")
	}
	if !withinWindow(art.DateRangeFrom, art.DateRangeTo, cr.DateRangeFrom, cr.DateRangeTo) {
		return s.moveToError(ctx, cr, "artifact date window outside requested window")
	}

	ctx2, tx, err := db.WithTx(ctx, s.pool)
	if err != nil {
		return "", apierr.Internal(err)
	}
	defer tx.Rollback(ctx)

	artifact := &ConsentArtifact{
		ID: uuid.New(), ConsentRequestID: cr.ID, ABDMArtifactID: art.ABDMArtifactID,
		PatientAbhaID: cr.PatientAbhaID,
		Permission: Permission{
			AccessMode: art.AccessMode, HITypes: art.HITypes,
			DateRangeFrom: art.DateRangeFrom, DateRangeTo: art.DateRangeTo, DataEraseAt: art.DataEraseAt,
		},
		SignedPayload: art.SignedPayload, GrantedAt: payload.At, ExpiresAt: art.DataEraseAt,
		Status: ArtifactActive,
	}
	if err := s.repo.CreateArtifact(ctx2, artifact); err != nil {
		return "", apierr.Internal(err)
	}

	cr.Status = StatusGranted
	cr.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateRequest(ctx2, cr); err != nil {
		return "", apierr.Internal(err)
	}
	if err := s.audit.AppendConsentEvent(ctx2, cr.ID, audit.ConsentEventGranted, "abdm-gateway", map[string]any{"artifactId": art.ABDMArtifactID}); err != nil {
		return "", apierr.Internal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", apierr.Internal(err)
	}

	return OutcomeApplied, nil
}

func (s *Service) transitionTerminal(ctx context.Context, cr *ConsentRequest, status ConsentStatus, ev audit.ConsentEvent) (Outcome, error) {
	cr.Status = status
	cr.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateRequest(ctx, cr); err != nil {
		return "", apierr.Internal(err)
	}
	s.audit.AppendConsentEvent(ctx, cr.ID, ev, "abdm-gateway", nil)
	return OutcomeApplied, nil
}

func (s *Service) moveToError(ctx context.Context, cr *ConsentRequest, reason string) (Outcome, error) {
	cr.Status = StatusError
	cr.ErrorReason = reason
	cr.ErrRecoverable = false
	cr.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdateRequest(ctx, cr); err != nil {
		return "", apierr.Internal(err)
	}
	s.audit.AppendConsentEvent(ctx, cr.ID, audit.ConsentEventError, "consent_orchestrator", map[string]any{"reason": reason})
	return OutcomeApplied, nil
}

// callbackDedupKey combines the ABDM request ID, sequence number, and a
// payload hash so that redelivered callbacks that reuse the same seq but
// change an intermediate field (e.g. a corrected artifact) are still
// recognized as distinct events, not silently dropped as duplicates.
func callbackDedupKey(payload CallbackPayload) string {
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s:%d:%s", payload.ABDMRequestID, payload.Seq, hex.EncodeToString(sum[:]))
}

// ScanExpiry transitions REQUESTED requests and ACTIVE artifacts past their
// expiry into EXPIRED (spec.md §4.B "Expiry scanner"). Intended to be
// invoked on a single-leader periodic tick (see internal/platform/lease).
func (s *Service) ScanExpiry(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	count := 0

	requests, err := s.repo.ListRequestedOlderThan(ctx, now)
	if err != nil {
		return count, fmt.Errorf("consent: scan expired requests: %w", err)
	}
	for _, cr := range requests {
		cr.Status = StatusExpired
		cr.UpdatedAt = now
		if err := s.repo.UpdateRequest(ctx, cr); err != nil {
			s.log.Error().Err(err).Str("consent_request_id", cr.ID.String()).Msg("failed to expire consent request")
			continue
		}
		s.audit.AppendConsentEvent(ctx, cr.ID, audit.ConsentEventExpired, "expiry_scanner", nil)
		count++
	}

	artifacts, err := s.repo.ListActiveArtifactsExpiringBefore(ctx, now)
	if err != nil {
		return count, fmt.Errorf("consent: scan expiring artifacts: %w", err)
	}
	for _, a := range artifacts {
		a.Status = ArtifactExpired
		if err := s.repo.UpdateArtifact(ctx, a); err != nil {
			s.log.Error().Err(err).Str("artifact_id", a.ID.String()).Msg("failed to expire consent artifact")
			continue
		}
		s.audit.AppendConsentEvent(ctx, a.ConsentRequestID, audit.ConsentEventExpired, "expiry_scanner", map[string]any{"artifactId": a.ABDMArtifactID})
		count++
	}

	return count, nil
}

// keyedMutex provides one mutex per key, held only for the duration of the
// returned unlock func (spec.md §5: "Consent state transitions are
// serialized per consentRequestId").
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
