package records

import (
	"context"
	"errors"
	"fmt"

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

const recordColumns = `id, patient_id, fetch_request_id, abdm_record_id, record_type, record_date,
	provider_id, provider_name, provider_type, fhir_resource, checksum, source, status, version, created_at`

func (r *PGRepository) scan(row pgx.Row) (*HealthRecord, error) {
	rec := &HealthRecord{}
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.FetchRequestID, &rec.ABDMRecordID, &rec.RecordType, &rec.RecordDate,
		&rec.ProviderID, &rec.ProviderName, &rec.ProviderType, &rec.FHIRResource, &rec.Checksum,
		&rec.Source, &rec.Status, &rec.Version, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("records: scan: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Insert(ctx context.Context, rec *HealthRecord) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO health_record (
			id, patient_id, fetch_request_id, abdm_record_id, record_type, record_date,
			provider_id, provider_name, provider_type, fhir_resource, checksum, source, status, version, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, rec.PatientID, rec.FetchRequestID, rec.ABDMRecordID, rec.RecordType, rec.RecordDate,
		rec.ProviderID, rec.ProviderName, rec.ProviderType, rec.FHIRResource, rec.Checksum,
		rec.Source, rec.Status, rec.Version, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("records: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) GetActiveByABDMRecordID(ctx context.Context, abdmRecordID string) (*HealthRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM health_record
		WHERE abdm_record_id = $1 AND status = $2`, abdmRecordID, StatusActive)
	return r.scan(row)
}

func (r *PGRepository) Supersede(ctx context.Context, id uuid.UUID) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE health_record SET status = $2 WHERE id = $1`, id, StatusSuperseded)
	if err != nil {
		return fmt.Errorf("records: supersede: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) GetActive(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM health_record
		WHERE id = $1 AND status = $2`, id, StatusActive)
	return r.scan(row)
}

func (r *PGRepository) FindByPatient(ctx context.Context, patientID uuid.UUID, filters Filters, paging Paging) ([]*HealthRecord, int, error) {
	paging = paging.normalized()

	where := `patient_id = $1 AND status = $2`
	args := []interface{}{patientID, StatusActive}

	if filters.RecordType != "" {
		args = append(args, filters.RecordType)
		where += fmt.Sprintf(" AND record_type = $%d", len(args))
	}
	if filters.Source != "" {
		args = append(args, filters.Source)
		where += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filters.From != nil {
		args = append(args, *filters.From)
		where += fmt.Sprintf(" AND record_date >= $%d", len(args))
	}
	if filters.To != nil {
		args = append(args, *filters.To)
		where += fmt.Sprintf(" AND record_date <= $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM health_record WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("records: count: %w", err)
	}

	args = append(args, paging.Limit, paging.Offset)
	query := fmt.Sprintf(`SELECT %s FROM health_record WHERE %s
		ORDER BY record_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("records: find by patient: %w", err)
	}
	defer rows.Close()

	var out []*HealthRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (r *PGRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE health_record SET status = $2 WHERE id = $1`, id, StatusDeleted)
	if err != nil {
		return fmt.Errorf("records: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
