package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dr-assistant/abdm-core/internal/domain/audit"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/canonical"
	"github.com/dr-assistant/abdm-core/internal/platform/db"
)

// Service is the Record Store & Integrity Layer (spec.md §4.D).
type Service struct {
	repo  Repository
	pool  *pgxpool.Pool
	audit *audit.Service
	log   zerolog.Logger
}

func NewService(repo Repository, pool *pgxpool.Pool, auditSvc *audit.Service, log zerolog.Logger) *Service {
	return &Service{repo: repo, pool: pool, audit: auditSvc, log: log.With().Str("component", "record_store").Logger()}
}

// PutInput is put's input: a freshly-decoded, not-yet-checksummed record.
type PutInput struct {
	PatientID      uuid.UUID
	FetchRequestID *uuid.UUID
	ABDMRecordID   *string
	RecordType     string
	RecordDate     time.Time
	ProviderID     string
	ProviderName   string
	ProviderType   string
	FHIRResource   json.RawMessage
	Source         Source
}

// Put inserts a HealthRecord, computing its checksum. If ABDMRecordID is
// set and an ACTIVE version already exists with a different checksum, the
// prior version is superseded and the new one becomes version+1 (spec.md
// §4.D, §3 "a new version SUPERSEDES the previous").
func (s *Service) Put(ctx context.Context, in PutInput) (*HealthRecord, error) {
	checksum, err := canonical.Checksum(in.FHIRResource)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("compute checksum: %w", err))
	}

	ctx2, tx, err := db.WithTx(ctx, s.pool)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer tx.Rollback(ctx)

	version := 1
	if in.ABDMRecordID != nil {
		existing, err := s.repo.GetActiveByABDMRecordID(ctx2, *in.ABDMRecordID)
		if err != nil && err != ErrNotFound {
			return nil, apierr.Internal(err)
		}
		if existing != nil {
			if existing.Checksum == checksum {
				if err := tx.Commit(ctx); err != nil {
					return nil, apierr.Internal(err)
				}
				return existing, nil
			}
			if err := s.repo.Supersede(ctx2, existing.ID); err != nil {
				return nil, apierr.Internal(err)
			}
			version = existing.Version + 1
		}
	}

	rec := &HealthRecord{
		ID: uuid.New(), PatientID: in.PatientID, FetchRequestID: in.FetchRequestID,
		ABDMRecordID: in.ABDMRecordID, RecordType: in.RecordType, RecordDate: in.RecordDate,
		ProviderID: in.ProviderID, ProviderName: in.ProviderName, ProviderType: in.ProviderType,
		FHIRResource: in.FHIRResource, Checksum: checksum, Source: in.Source,
		Status: StatusActive, Version: version, CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx2, rec); err != nil {
		return nil, apierr.Internal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apierr.Internal(err)
	}
	return rec, nil
}

// Get returns the ACTIVE record, re-verifying its checksum, and records an
// AccessLog entry on success (spec.md §4.D).
func (s *Service) Get(ctx context.Context, id uuid.UUID, userID, ip, userAgent string) (*HealthRecord, error) {
	rec, err := s.repo.GetActive(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("health record not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}

	if err := canonical.Verify(rec.FHIRResource, rec.Checksum); err != nil {
		s.log.Error().Str("health_record_id", id.String()).Err(err).Msg("SECURITY: health record checksum mismatch")
		if auditErr := s.audit.AppendSecurityEvent(ctx, id, userID, map[string]any{"reason": "checksum_mismatch", "error": err.Error()}); auditErr != nil {
			s.log.Error().Err(auditErr).Str("health_record_id", id.String()).Msg("failed to record security audit event")
		}
		return nil, apierr.Integrity("stored record failed integrity verification", err)
	}

	if err := s.audit.AppendAccessLog(ctx, id, userID, audit.AccessView, ip, userAgent); err != nil {
		s.log.Error().Err(err).Str("health_record_id", id.String()).Msg("failed to record access log")
	}
	return rec, nil
}

// Peek returns the ACTIVE record without verifying its checksum or
// recording an AccessLog entry, used by the API surface to resolve a
// record's owning fetch request before authorizing the real request
// (spec.md §4.F).
func (s *Service) Peek(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	rec, err := s.repo.GetActive(ctx, id)
	if err == ErrNotFound {
		return nil, apierr.NotFound("health record not found")
	} else if err != nil {
		return nil, apierr.Internal(err)
	}
	return rec, nil
}

// FindByPatient returns a page of ACTIVE records (spec.md §4.D).
func (s *Service) FindByPatient(ctx context.Context, patientID uuid.UUID, filters Filters, paging Paging) ([]*HealthRecord, int, error) {
	recs, total, err := s.repo.FindByPatient(ctx, patientID, filters, paging)
	if err != nil {
		return nil, 0, apierr.Internal(err)
	}
	return recs, total, nil
}

// Delete logically deletes a HealthRecord (spec.md §4.D: "physical deletion
// is driven by a retention job not specified here").
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	if err := s.repo.SoftDelete(ctx, id); err == ErrNotFound {
		return apierr.NotFound("health record not found")
	} else if err != nil {
		return apierr.Internal(err)
	}
	s.log.Info().Str("health_record_id", id.String()).Str("actor", actor).Msg("health record deleted")
	return nil
}
