package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dr-assistant/abdm-core/internal/platform/db"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateRequest(ctx context.Context, cr *ConsentRequest) error {
	hiTypes := hiTypesToStrings(cr.HITypes)
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO consent_request (
			id, patient_id, patient_abha_id, requester_id, purpose_code, purpose_text,
			hi_types, date_range_from, date_range_to, expires_at, hips,
			abdm_request_id, status, error_reason, err_recoverable, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		cr.ID, cr.PatientID, cr.PatientAbhaID, cr.RequesterID, cr.PurposeCode, cr.PurposeText,
		hiTypes, cr.DateRangeFrom, cr.DateRangeTo, cr.ExpiresAt, cr.HIPs,
		cr.ABDMRequestID, cr.Status, cr.ErrorReason, cr.ErrRecoverable, cr.CreatedAt, cr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("consent: create request: %w", err)
	}
	return nil
}

func (r *PGRepository) scanRequest(row pgx.Row) (*ConsentRequest, error) {
	cr := &ConsentRequest{}
	var hiTypes []string
	err := row.Scan(
		&cr.ID, &cr.PatientID, &cr.PatientAbhaID, &cr.RequesterID, &cr.PurposeCode, &cr.PurposeText,
		&hiTypes, &cr.DateRangeFrom, &cr.DateRangeTo, &cr.ExpiresAt, &cr.HIPs,
		&cr.ABDMRequestID, &cr.Status, &cr.ErrorReason, &cr.ErrRecoverable, &cr.CreatedAt, &cr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consent: scan request: %w", err)
	}
	cr.HITypes = stringsToHITypes(hiTypes)
	return cr, nil
}

const requestColumns = `id, patient_id, patient_abha_id, requester_id, purpose_code, purpose_text,
	hi_types, date_range_from, date_range_to, expires_at, hips,
	abdm_request_id, status, error_reason, err_recoverable, created_at, updated_at`

func (r *PGRepository) GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM consent_request WHERE id = $1`, id)
	return r.scanRequest(row)
}

func (r *PGRepository) GetRequestByABDMRequestID(ctx context.Context, abdmRequestID string) (*ConsentRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM consent_request WHERE abdm_request_id = $1`, abdmRequestID)
	return r.scanRequest(row)
}

func (r *PGRepository) UpdateRequest(ctx context.Context, cr *ConsentRequest) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `
		UPDATE consent_request SET
			status=$2, error_reason=$3, err_recoverable=$4, updated_at=$5
		WHERE id=$1`,
		cr.ID, cr.Status, cr.ErrorReason, cr.ErrRecoverable, cr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("consent: update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListRequestedOlderThan(ctx context.Context, cutoff time.Time) ([]*ConsentRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM consent_request
		WHERE status = $1 AND expires_at < $2`, StatusRequested, cutoff)
	if err != nil {
		return nil, fmt.Errorf("consent: list expired requests: %w", err)
	}
	defer rows.Close()

	var out []*ConsentRequest
	for rows.Next() {
		cr, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

const artifactColumns = `id, consent_request_id, abdm_artifact_id, patient_abha_id, access_mode, hi_types,
	permission_date_from, permission_date_to, data_erase_at, signed_payload,
	granted_at, expires_at, status`

func (r *PGRepository) scanArtifact(row pgx.Row) (*ConsentArtifact, error) {
	a := &ConsentArtifact{}
	var hiTypes []string
	err := row.Scan(
		&a.ID, &a.ConsentRequestID, &a.ABDMArtifactID, &a.PatientAbhaID, &a.Permission.AccessMode, &hiTypes,
		&a.Permission.DateRangeFrom, &a.Permission.DateRangeTo, &a.Permission.DataEraseAt, &a.SignedPayload,
		&a.GrantedAt, &a.ExpiresAt, &a.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consent: scan artifact: %w", err)
	}
	a.Permission.HITypes = stringsToHITypes(hiTypes)
	return a, nil
}

func (r *PGRepository) CreateArtifact(ctx context.Context, a *ConsentArtifact) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO consent_artifact (
			id, consent_request_id, abdm_artifact_id, patient_abha_id, access_mode, hi_types,
			permission_date_from, permission_date_to, data_erase_at, signed_payload,
			granted_at, expires_at, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.ConsentRequestID, a.ABDMArtifactID, a.PatientAbhaID, a.Permission.AccessMode, hiTypesToStrings(a.Permission.HITypes),
		a.Permission.DateRangeFrom, a.Permission.DateRangeTo, a.Permission.DataEraseAt, a.SignedPayload,
		a.GrantedAt, a.ExpiresAt, a.Status)
	if err != nil {
		return fmt.Errorf("consent: create artifact: %w", err)
	}
	return nil
}

func (r *PGRepository) GetArtifact(ctx context.Context, id uuid.UUID) (*ConsentArtifact, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM consent_artifact WHERE id = $1`, id)
	return r.scanArtifact(row)
}

func (r *PGRepository) GetActiveArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM consent_artifact
		WHERE consent_request_id = $1 AND status = $2`, consentRequestID, ArtifactActive)
	return r.scanArtifact(row)
}

func (r *PGRepository) ListActiveArtifactsByPatient(ctx context.Context, patientID uuid.UUID) ([]*ConsentArtifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.consent_request_id, a.abdm_artifact_id, a.patient_abha_id, a.access_mode, a.hi_types,
			a.permission_date_from, a.permission_date_to, a.data_erase_at, a.signed_payload,
			a.granted_at, a.expires_at, a.status
		FROM consent_artifact a
		JOIN consent_request cr ON cr.id = a.consent_request_id
		WHERE cr.patient_id = $1 AND a.status = $2`, patientID, ArtifactActive)
	if err != nil {
		return nil, fmt.Errorf("consent: list active artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ConsentArtifact
	for rows.Next() {
		a, err := r.scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGRepository) UpdateArtifact(ctx context.Context, a *ConsentArtifact) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE consent_artifact SET status = $2 WHERE id = $1`, a.ID, a.Status)
	if err != nil {
		return fmt.Errorf("consent: update artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListActiveArtifactsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*ConsentArtifact, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+artifactColumns+` FROM consent_artifact
		WHERE status = $1 AND expires_at < $2`, ArtifactActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("consent: list expiring artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ConsentArtifact
	for rows.Next() {
		a, err := r.scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PGRepository) SeenCallback(ctx context.Context, dedupKey string) (bool, error) {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `INSERT INTO consent_callback_dedup (dedup_key, seen_at) VALUES ($1, now())
		ON CONFLICT (dedup_key) DO NOTHING`, dedupKey)
	if err != nil {
		return false, fmt.Errorf("consent: record callback dedup key: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func hiTypesToStrings(types []HIType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func stringsToHITypes(ss []string) []HIType {
	out := make([]HIType, len(ss))
	for i, s := range ss {
		out[i] = HIType(s)
	}
	return out
}

