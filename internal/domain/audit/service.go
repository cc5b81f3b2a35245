package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the thin façade other components use to append and query
// audit trail entries. It adds nothing beyond timestamping and ID
// assignment — there is no business logic to get wrong here, by design
// (spec.md §4.E: "Append-only, write-through to durable storage").
type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "audit").Logger()}
}

// AppendConsentEvent records a ConsentAuditEvent. Details may be nil.
func (s *Service) AppendConsentEvent(ctx context.Context, consentRequestID uuid.UUID, event ConsentEvent, actor string, details map[string]any) error {
	ev := &ConsentAuditEvent{
		ID:               uuid.New(),
		ConsentRequestID: &consentRequestID,
		Event:            event,
		Actor:            actor,
		Details:          details,
		At:               time.Now().UTC(),
	}
	if err := s.repo.AppendConsentEvent(ctx, ev); err != nil {
		return fmt.Errorf("append consent event: %w", err)
	}
	s.log.Info().
		Str("consent_request_id", consentRequestID.String()).
		Str("event", string(event)).
		Str("actor", actor).
		Msg("consent audit event recorded")
	return nil
}

// AppendSecurityEvent records a SECURITY-class event against a HealthRecord
// rather than a ConsentRequest — e.g. a checksum mismatch discovered on read
// (spec.md §4.D, §7). Details may be nil.
func (s *Service) AppendSecurityEvent(ctx context.Context, healthRecordID uuid.UUID, actor string, details map[string]any) error {
	ev := &ConsentAuditEvent{
		ID:             uuid.New(),
		HealthRecordID: &healthRecordID,
		Event:          ConsentEventSecurity,
		Actor:          actor,
		Details:        details,
		At:             time.Now().UTC(),
	}
	if err := s.repo.AppendConsentEvent(ctx, ev); err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	s.log.Warn().
		Str("health_record_id", healthRecordID.String()).
		Str("event", string(ConsentEventSecurity)).
		Str("actor", actor).
		Msg("security audit event recorded")
	return nil
}

// QueryByConsent returns a consent request's full audit trail, oldest first.
func (s *Service) QueryByConsent(ctx context.Context, consentRequestID uuid.UUID) ([]*ConsentAuditEvent, error) {
	return s.repo.QueryByConsent(ctx, consentRequestID)
}

// AppendAccessLog records a successful read of a HealthRecord.
func (s *Service) AppendAccessLog(ctx context.Context, healthRecordID uuid.UUID, userID string, accessType AccessType, ip, userAgent string) error {
	entry := &AccessLog{
		ID:             uuid.New(),
		HealthRecordID: healthRecordID,
		UserID:         userID,
		AccessType:     accessType,
		IP:             ip,
		UserAgent:      userAgent,
		At:             time.Now().UTC(),
	}
	if err := s.repo.AppendAccessLog(ctx, entry); err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

// QueryByRecord returns a HealthRecord's full access history, oldest first.
func (s *Service) QueryByRecord(ctx context.Context, healthRecordID uuid.UUID) ([]*AccessLog, error) {
	return s.repo.QueryByRecord(ctx, healthRecordID)
}
