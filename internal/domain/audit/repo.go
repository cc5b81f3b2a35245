package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists ConsentAuditEvents and AccessLogs. Both are append-only:
// there is no Update or Delete method, by design.
type Repository interface {
	AppendConsentEvent(ctx context.Context, ev *ConsentAuditEvent) error
	QueryByConsent(ctx context.Context, consentRequestID uuid.UUID) ([]*ConsentAuditEvent, error)

	AppendAccessLog(ctx context.Context, entry *AccessLog) error
	QueryByRecord(ctx context.Context, healthRecordID uuid.UUID) ([]*AccessLog, error)
}
