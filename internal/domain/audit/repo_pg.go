package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dr-assistant/abdm-core/internal/platform/db"
)

// PGRepository is the PostgreSQL-backed Repository implementation.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) AppendConsentEvent(ctx context.Context, ev *ConsentAuditEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	q := db.QuerierFrom(ctx, r.pool)
	_, err = q.Exec(ctx, `
		INSERT INTO consent_audit_event (id, consent_request_id, health_record_id, event, actor, details, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ConsentRequestID, ev.HealthRecordID, ev.Event, ev.Actor, details, ev.At)
	if err != nil {
		return fmt.Errorf("audit: insert consent event: %w", err)
	}
	return nil
}

func (r *PGRepository) QueryByConsent(ctx context.Context, consentRequestID uuid.UUID) ([]*ConsentAuditEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, consent_request_id, health_record_id, event, actor, details, at
		FROM consent_audit_event
		WHERE consent_request_id = $1
		ORDER BY at ASC`, consentRequestID)
	if err != nil {
		return nil, fmt.Errorf("audit: query consent events: %w", err)
	}
	defer rows.Close()

	var events []*ConsentAuditEvent
	for rows.Next() {
		ev := &ConsentAuditEvent{}
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.ConsentRequestID, &ev.HealthRecordID, &ev.Event, &ev.Actor, &details, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan consent event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("audit: unmarshal details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *PGRepository) AppendAccessLog(ctx context.Context, entry *AccessLog) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO access_log (id, health_record_id, user_id, access_type, ip, user_agent, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.HealthRecordID, entry.UserID, entry.AccessType, entry.IP, entry.UserAgent, entry.At)
	if err != nil {
		return fmt.Errorf("audit: insert access log: %w", err)
	}
	return nil
}

func (r *PGRepository) QueryByRecord(ctx context.Context, healthRecordID uuid.UUID) ([]*AccessLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, health_record_id, user_id, access_type, ip, user_agent, at
		FROM access_log
		WHERE health_record_id = $1
		ORDER BY at ASC`, healthRecordID)
	if err != nil {
		return nil, fmt.Errorf("audit: query access logs: %w", err)
	}
	defer rows.Close()

	var logs []*AccessLog
	for rows.Next() {
		l := &AccessLog{}
		if err := rows.Scan(&l.ID, &l.HealthRecordID, &l.UserID, &l.AccessType, &l.IP, &l.UserAgent, &l.At); err != nil {
			return nil, fmt.Errorf("audit: scan access log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
