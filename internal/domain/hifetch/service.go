package hifetch

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dr-assistant/abdm-core/internal/domain/consent"
	"github.com/dr-assistant/abdm-core/internal/domain/records"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/canonical"
	"github.com/dr-assistant/abdm-core/internal/platform/gateway"
	"github.com/dr-assistant/abdm-core/internal/platform/keys"
)

// GatewayClient is the subset of gateway.Client the orchestrator needs.
type GatewayClient interface {
	Post(ctx context.Context, cmID, path string, payload interface{}, idempotencyKey string, into interface{}) error
}

// ArtifactLookup resolves a consent artifact by ID, used to validate fetch
// scope and to carry key-exchange material for decryption.
type ArtifactLookup interface {
	GetArtifact(ctx context.Context, id uuid.UUID) (*consent.ConsentArtifact, error)
}

// RecordStore is the subset of records.Service the orchestrator needs.
type RecordStore interface {
	Put(ctx context.Context, in records.PutInput) (*records.HealthRecord, error)
}

const (
	defaultWorkers         = 8
	defaultWatchdogTimeout = 10 * time.Minute
)

// Service is the HI Fetch Orchestrator (spec.md §4.C).
type Service struct {
	repo      Repository
	gw        GatewayClient
	artifacts ArtifactLookup
	store     RecordStore

	deriver             keys.Deriver
	requesterPrivateKey [32]byte

	workers         int
	watchdogTimeout time.Duration
	callbackURL     string
	log             zerolog.Logger

	// fetchLocks serializes counter updates and terminal transitions per
	// fetch request (spec.md §5: "bookkeeping counters are updated under a
	// per-fetch mutex").
	fetchLocks keyedMutex
}

func NewService(repo Repository, gw GatewayClient, artifacts ArtifactLookup, store RecordStore, deriver keys.Deriver, requesterPrivateKey [32]byte, callbackURL string, log zerolog.Logger) *Service {
	if deriver == nil {
		deriver = keys.ECDHHKDFDeriver{}
	}
	return &Service{
		repo: repo, gw: gw, artifacts: artifacts, store: store,
		deriver: deriver, requesterPrivateKey: requesterPrivateKey,
		workers: defaultWorkers, watchdogTimeout: defaultWatchdogTimeout,
		callbackURL: callbackURL,
		log:         log.With().Str("component", "hi_fetch_orchestrator").Logger(),
	}
}

// InitiateFetchInput is initiateFetch's input (spec.md §4.C). HITypes and
// the date range default to the artifact's full granted permission when
// left unset.
type InitiateFetchInput struct {
	ConsentArtifactID uuid.UUID
	PatientID         uuid.UUID
	DoctorID          uuid.UUID
	HITypes           []consent.HIType
	DateRangeFrom     time.Time
	DateRangeTo       time.Time
}

type hiRequestPayload struct {
	ConsentArtifactID string           `json:"consentArtifactId"`
	HITypes           []consent.HIType `json:"hiTypes"`
	DateRangeFrom     time.Time        `json:"dateRangeFrom"`
	DateRangeTo       time.Time        `json:"dateRangeTo"`
	CallbackURL       string           `json:"callbackUrl"`
}

type hiRequestResponse struct {
	ABDMRequestID string `json:"abdmRequestId"`
}

// InitiateFetch validates that the artifact is ACTIVE and the requested
// scope sits inside its permission, then submits the HI request to the
// gateway (spec.md §4.C "Initiation flow").
func (s *Service) InitiateFetch(ctx context.Context, in InitiateFetchInput) (*HIFetchRequest, error) {
	artifact, err := s.artifacts.GetArtifact(ctx, in.ConsentArtifactID)
	if err != nil {
		return nil, err
	}
	if artifact.Status != consent.ArtifactActive {
		return nil, apierr.PermissionScope("consent artifact is not ACTIVE")
	}

	hiTypes := in.HITypes
	if len(hiTypes) == 0 {
		hiTypes = artifact.Permission.HITypes
	}
	from, to := in.DateRangeFrom, in.DateRangeTo
	if from.IsZero() {
		from = artifact.Permission.DateRangeFrom
	}
	if to.IsZero() {
		to = artifact.Permission.DateRangeTo
	}
	if !withinPermission(artifact.Permission, hiTypes, from, to) {
		return nil, apierr.PermissionScope("requested hiTypes/dateRange exceed the consent artifact's permission")
	}

	now := time.Now().UTC()
	f := &HIFetchRequest{
		ID: uuid.New(), ConsentArtifactID: artifact.ID, PatientID: in.PatientID, DoctorID: in.DoctorID,
		HITypes: hiTypes, DateRangeFrom: from, DateRangeTo: to,
		Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, apierr.Internal(err)
	}

	var resp hiRequestResponse
	err = s.gw.Post(ctx, gateway.ExtractCMID(artifact.PatientAbhaID), "/health-information/cm/request", hiRequestPayload{
		ConsentArtifactID: artifact.ABDMArtifactID, HITypes: hiTypes,
		DateRangeFrom: from, DateRangeTo: to, CallbackURL: s.callbackURL,
	}, f.ID.String(), &resp)
	if err != nil {
		f.Status = StatusFailed
		f.UpdatedAt = time.Now().UTC()
		f.TerminalAt = &f.UpdatedAt
		if uerr := s.repo.Update(ctx, f); uerr != nil {
			s.log.Error().Err(uerr).Str("fetch_request_id", f.ID.String()).Msg("failed to record fetch initiation failure")
		}
		return nil, apierr.FromGatewayError(err)
	}

	f.ABDMRequestID = resp.ABDMRequestID
	f.Status = StatusProcessing
	f.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, f); err != nil {
		return nil, apierr.Internal(err)
	}
	return f, nil
}

// GetRequest returns a HIFetchRequest by ID, used by the API surface to
// resolve the resource's owner (DoctorID) for ownership enforcement before
// serving or mutating it (spec.md §4.F).
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*HIFetchRequest, error) {
	f, err := s.repo.Get(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("HI fetch request not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}
	return f, nil
}

// GetFetchStatus returns the current progress view (spec.md §4.C).
func (s *Service) GetFetchStatus(ctx context.Context, id uuid.UUID) (StatusView, error) {
	f, err := s.repo.Get(ctx, id)
	if err == ErrNotFound {
		return StatusView{}, apierr.NotFound("HI fetch request not found")
	} else if err != nil {
		return StatusView{}, apierr.Internal(err)
	}
	return newStatusView(f), nil
}

// GetLogs returns a fetch request's per-record processing log, oldest first.
func (s *Service) GetLogs(ctx context.Context, id uuid.UUID) ([]*ProcessingLog, error) {
	logs, err := s.repo.ListLogs(ctx, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return logs, nil
}

// CancelFetch is permitted only from {PENDING, PROCESSING}; subsequent
// record arrivals for this request are logged and dropped (spec.md §4.C).
func (s *Service) CancelFetch(ctx context.Context, id uuid.UUID, reason string) (*HIFetchRequest, error) {
	unlock := s.fetchLocks.Lock(id.String())
	defer unlock()

	f, err := s.repo.Get(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("HI fetch request not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}
	if f.Status != StatusPending && f.Status != StatusProcessing {
		return nil, apierr.Conflict(fmt.Sprintf("cannot cancel fetch in status %s", f.Status))
	}

	now := time.Now().UTC()
	f.Status = StatusCancelled
	f.CancelReason = reason
	f.TerminalAt = &now
	f.UpdatedAt = now
	if err := s.repo.Update(ctx, f); err != nil {
		return nil, apierr.Internal(err)
	}
	return f, nil
}

// KeyMaterial carries the key-exchange inputs accompanying one encrypted
// record (spec.md §9 open question on key-exchange material; resolved via
// internal/platform/keys' X25519+HKDF adapter).
type KeyMaterial struct {
	CounterpartyPublicKey []byte `json:"counterpartyPublicKey"`
	Nonce                 []byte `json:"nonce"`
}

// IncomingRecord is one entry in a health-records callback's records array
// (spec.md §4.C, §6.2).
type IncomingRecord struct {
	ABDMRecordID     string      `json:"abdmRecordId"`
	RecordType       string      `json:"recordType"`
	RecordDate       time.Time   `json:"recordDate"`
	ProviderID       string      `json:"providerId"`
	ProviderName     string      `json:"providerName"`
	ProviderType     string      `json:"providerType"`
	PatientReference string      `json:"patientReference"`
	Checksum         string      `json:"checksum"`
	KeyMaterial      KeyMaterial `json:"keyMaterial"`
	EncryptedContent []byte      `json:"encryptedContent"`
}

// CallbackPayload is the wire shape of the health-records webhook (spec.md
// §6.2): {abdmRequestId, records:[...], endOfStream, totalRecords?, seq}.
type CallbackPayload struct {
	ABDMRequestID string           `json:"abdmRequestId"`
	Records       []IncomingRecord `json:"records"`
	EndOfStream   bool             `json:"endOfStream"`
	TotalRecords  *int             `json:"totalRecords,omitempty"`
	Seq           int64            `json:"seq"`
}

// IngestHIRecords processes one callback's records through the
// Receive/Decrypt/Validate/Store pipeline, bounded by a worker pool
// (spec.md §4.C "Ordering and concurrency").
func (s *Service) IngestHIRecords(ctx context.Context, payload CallbackPayload) error {
	f, err := s.repo.GetByABDMRequestID(ctx, payload.ABDMRequestID)
	if err == ErrNotFound {
		s.log.Warn().Str("abdm_request_id", payload.ABDMRequestID).Msg("HI record callback for unknown fetch request")
		return nil
	} else if err != nil {
		return apierr.Internal(err)
	}

	if f.Status.IsTerminal() {
		s.log.Info().Str("fetch_request_id", f.ID.String()).Msg("HI record callback after terminal state, dropping")
		return nil
	}

	if payload.Seq != 0 && payload.Seq <= f.LastSeq {
		s.log.Info().Str("fetch_request_id", f.ID.String()).Int64("seq", payload.Seq).Msg("duplicate HI record callback, no-op")
		return nil
	}
	s.withFetch(ctx, f.ID, func(cur *HIFetchRequest) {
		if payload.Seq > cur.LastSeq {
			cur.LastSeq = payload.Seq
		}
	})

	if payload.TotalRecords != nil {
		s.withFetch(ctx, f.ID, func(cur *HIFetchRequest) { cur.TotalRecords = payload.TotalRecords })
	}

	artifact, err := s.artifacts.GetArtifact(ctx, f.ConsentArtifactID)
	if err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(s.workers)
	for _, rec := range payload.Records {
		rec := rec
		eg.Go(func() error {
			s.processRecord(ctx, f, artifact, rec)
			return nil
		})
	}
	_ = eg.Wait()

	if payload.EndOfStream {
		now := time.Now().UTC()
		s.withFetch(ctx, f.ID, func(cur *HIFetchRequest) { cur.EndOfStreamAt = &now })
		s.maybeFinalize(ctx, f.ID)
	}
	return nil
}

// processRecord runs the four sequential pipeline steps for one record;
// only the bookkeeping counter update at the end is synchronized across
// concurrent records of the same fetch.
func (s *Service) processRecord(ctx context.Context, f *HIFetchRequest, artifact *consent.ConsentArtifact, rec IncomingRecord) {
	abdmRecordID := rec.ABDMRecordID
	s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageReceive, LogSuccess, 0, nil)

	start := time.Now()
	plaintext, err := s.decrypt(artifact, rec)
	if err != nil {
		s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageDecrypt, LogFailure, time.Since(start), map[string]any{"error": err.Error()})
		s.updateCounters(ctx, f.ID, false)
		return
	}
	s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageDecrypt, LogSuccess, time.Since(start), nil)

	start = time.Now()
	var fhir map[string]any
	if err := json.Unmarshal(plaintext, &fhir); err != nil {
		s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageValidate, LogFailure, time.Since(start), map[string]any{"error": "malformed FHIR JSON"})
		s.updateCounters(ctx, f.ID, false)
		return
	}
	resourceType, _ := fhir["resourceType"].(string)
	if !consent.ValidHITypes[consent.HIType(resourceType)] {
		s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageValidate, LogFailure, time.Since(start), map[string]any{"error": "unexpected resourceType", "resourceType": resourceType})
		s.updateCounters(ctx, f.ID, false)
		return
	}
	if rec.PatientReference != "" && rec.PatientReference != f.PatientID.String() {
		s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageValidate, LogFailure, time.Since(start), map[string]any{"error": "patient reference mismatch"})
		s.updateCounters(ctx, f.ID, false)
		return
	}
	if err := canonical.Verify(plaintext, rec.Checksum); err != nil {
		s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageValidate, LogFailure, time.Since(start), map[string]any{"error": err.Error()})
		s.updateCounters(ctx, f.ID, false)
		return
	}
	s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageValidate, LogSuccess, time.Since(start), nil)

	start = time.Now()
	stored, err := s.store.Put(ctx, records.PutInput{
		PatientID: f.PatientID, FetchRequestID: &f.ID, ABDMRecordID: &abdmRecordID,
		RecordType: resourceType, RecordDate: rec.RecordDate, ProviderID: rec.ProviderID,
		ProviderName: rec.ProviderName, ProviderType: rec.ProviderType,
		FHIRResource: plaintext, Source: records.SourceABDM,
	})
	if err != nil {
		s.appendLog(ctx, f.ID, nil, &abdmRecordID, StageStore, LogFailure, time.Since(start), map[string]any{"error": err.Error()})
		s.updateCounters(ctx, f.ID, false)
		return
	}
	s.appendLog(ctx, f.ID, &stored.ID, &abdmRecordID, StageStore, LogSuccess, time.Since(start), nil)
	s.updateCounters(ctx, f.ID, true)
}

// decrypt derives this consent's symmetric key from the record's
// key-exchange material and opens its AES-GCM-sealed content (spec.md
// §4.C step 2, internal/platform/keys).
func (s *Service) decrypt(artifact *consent.ConsentArtifact, rec IncomingRecord) ([]byte, error) {
	if len(rec.KeyMaterial.CounterpartyPublicKey) != 32 {
		return nil, fmt.Errorf("counterparty public key must be 32 bytes")
	}
	var counterpartyPub [32]byte
	copy(counterpartyPub[:], rec.KeyMaterial.CounterpartyPublicKey)

	key, err := s.deriver.Derive(artifact.ABDMArtifactID, s.requesterPrivateKey, counterpartyPub, rec.KeyMaterial.Nonce)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(rec.EncryptedContent) < gcm.NonceSize() {
		return nil, fmt.Errorf("encrypted content shorter than nonce")
	}
	nonce, ciphertext := rec.EncryptedContent[:gcm.NonceSize()], rec.EncryptedContent[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

func (s *Service) appendLog(ctx context.Context, fetchID uuid.UUID, healthRecordID *uuid.UUID, abdmRecordID *string, stage Stage, status LogStatus, dur time.Duration, details map[string]any) {
	l := &ProcessingLog{
		ID: uuid.New(), FetchRequestID: fetchID, HealthRecordID: healthRecordID, ABDMRecordID: abdmRecordID,
		Stage: stage, Status: status, ProcessingTimeMs: dur.Milliseconds(), Details: details, At: time.Now().UTC(),
	}
	if err := s.repo.AppendLog(ctx, l); err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", fetchID.String()).Msg("failed to append processing log")
	}
}

// withFetch reloads, mutates, and persists a fetch request under its
// per-fetch lock.
func (s *Service) withFetch(ctx context.Context, id uuid.UUID, mutate func(*HIFetchRequest)) {
	unlock := s.fetchLocks.Lock(id.String())
	defer unlock()

	f, err := s.repo.Get(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", id.String()).Msg("failed to reload fetch request")
		return
	}
	mutate(f)
	f.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, f); err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", id.String()).Msg("failed to persist fetch request update")
	}
}

// updateCounters bumps completedRecords or failedRecords under the
// per-fetch lock; a record that arrives after the fetch has gone terminal
// (e.g. cancelled mid-stream) is logged and dropped (spec.md §4.C).
func (s *Service) updateCounters(ctx context.Context, fetchID uuid.UUID, success bool) {
	unlock := s.fetchLocks.Lock(fetchID.String())
	defer unlock()

	f, err := s.repo.Get(ctx, fetchID)
	if err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", fetchID.String()).Msg("failed to reload fetch request for counters")
		return
	}
	if f.Status.IsTerminal() {
		s.log.Info().Str("fetch_request_id", fetchID.String()).Msg("record processed after terminal state, dropping")
		return
	}
	if success {
		f.CompletedRecords++
	} else {
		f.FailedRecords++
	}
	f.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, f); err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", fetchID.String()).Msg("failed to persist fetch request counters")
	}
}

// maybeFinalize transitions to COMPLETED/PARTIAL once end-of-stream has
// been observed and counters balance (spec.md §4.C "Termination").
func (s *Service) maybeFinalize(ctx context.Context, fetchID uuid.UUID) {
	unlock := s.fetchLocks.Lock(fetchID.String())
	defer unlock()

	f, err := s.repo.Get(ctx, fetchID)
	if err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", fetchID.String()).Msg("failed to reload fetch request for finalize")
		return
	}
	if f.Status.IsTerminal() || f.EndOfStreamAt == nil || f.TotalRecords == nil {
		return
	}
	if f.CompletedRecords+f.FailedRecords < *f.TotalRecords {
		return
	}

	now := time.Now().UTC()
	if f.FailedRecords == 0 {
		f.Status = StatusCompleted
	} else {
		f.Status = StatusPartial
	}
	f.TerminalAt = &now
	f.UpdatedAt = now
	if err := s.repo.Update(ctx, f); err != nil {
		s.log.Error().Err(err).Str("fetch_request_id", fetchID.String()).Msg("failed to finalize fetch request")
	}
}

// ScanWatchdog transitions PROCESSING requests older than the watchdog
// timeout to PARTIAL, with a logged note (spec.md §4.C "Termination": "If
// end-of-stream is observed but a watchdog timeout ... elapses without
// full delivery, status → PARTIAL"). Intended for a single-leader periodic
// tick (see internal/platform/lease).
func (s *Service) ScanWatchdog(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.watchdogTimeout)
	stuck, err := s.repo.ListProcessingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("hifetch: scan watchdog: %w", err)
	}

	count := 0
	for _, f := range stuck {
		func() {
			unlock := s.fetchLocks.Lock(f.ID.String())
			defer unlock()

			now := time.Now().UTC()
			f.Status = StatusPartial
			f.TerminalAt = &now
			f.UpdatedAt = now
			if err := s.repo.Update(ctx, f); err != nil {
				s.log.Error().Err(err).Str("fetch_request_id", f.ID.String()).Msg("failed to finalize watchdog-timed-out fetch")
				return
			}
			s.log.Warn().Str("fetch_request_id", f.ID.String()).Msg("HI fetch watchdog timeout, marking PARTIAL")
			count++
		}()
	}
	return count, nil
}

// keyedMutex provides one mutex per key, held only for the duration of the
// returned unlock func (mirrors internal/domain/consent's per-request
// serialization, spec.md §5).
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
