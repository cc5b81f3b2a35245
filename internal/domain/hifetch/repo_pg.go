package hifetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dr-assistant/abdm-core/internal/domain/consent"
	"github.com/dr-assistant/abdm-core/internal/platform/db"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func hiTypesToStrings(ts []consent.HIType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func stringsToHITypes(ss []string) []consent.HIType {
	out := make([]consent.HIType, len(ss))
	for i, s := range ss {
		out[i] = consent.HIType(s)
	}
	return out
}

const fetchRequestColumns = `id, consent_artifact_id, patient_id, doctor_id, abdm_request_id,
	hi_types, date_range_from, date_range_to, status, total_records,
	completed_records, failed_records, created_at, updated_at, terminal_at, cancel_reason, end_of_stream_at, last_seq`

func (r *PGRepository) scan(row pgx.Row) (*HIFetchRequest, error) {
	f := &HIFetchRequest{}
	var hiTypes []string
	err := row.Scan(
		&f.ID, &f.ConsentArtifactID, &f.PatientID, &f.DoctorID, &f.ABDMRequestID,
		&hiTypes, &f.DateRangeFrom, &f.DateRangeTo, &f.Status, &f.TotalRecords,
		&f.CompletedRecords, &f.FailedRecords, &f.CreatedAt, &f.UpdatedAt, &f.TerminalAt, &f.CancelReason,
		&f.EndOfStreamAt, &f.LastSeq,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hifetch: scan request: %w", err)
	}
	f.HITypes = stringsToHITypes(hiTypes)
	return f, nil
}

func (r *PGRepository) Create(ctx context.Context, f *HIFetchRequest) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO hi_fetch_request (
			id, consent_artifact_id, patient_id, doctor_id, abdm_request_id,
			hi_types, date_range_from, date_range_to, status, total_records,
			completed_records, failed_records, created_at, updated_at, terminal_at, cancel_reason, end_of_stream_at, last_seq
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		f.ID, f.ConsentArtifactID, f.PatientID, f.DoctorID, f.ABDMRequestID,
		hiTypesToStrings(f.HITypes), f.DateRangeFrom, f.DateRangeTo, f.Status, f.TotalRecords,
		f.CompletedRecords, f.FailedRecords, f.CreatedAt, f.UpdatedAt, f.TerminalAt, f.CancelReason, f.EndOfStreamAt, f.LastSeq)
	if err != nil {
		return fmt.Errorf("hifetch: create request: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (*HIFetchRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+fetchRequestColumns+` FROM hi_fetch_request WHERE id = $1`, id)
	return r.scan(row)
}

func (r *PGRepository) GetByABDMRequestID(ctx context.Context, abdmRequestID string) (*HIFetchRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+fetchRequestColumns+` FROM hi_fetch_request WHERE abdm_request_id = $1`, abdmRequestID)
	return r.scan(row)
}

func (r *PGRepository) Update(ctx context.Context, f *HIFetchRequest) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `
		UPDATE hi_fetch_request SET
			status=$2, total_records=$3, completed_records=$4, failed_records=$5,
			updated_at=$6, terminal_at=$7, cancel_reason=$8, end_of_stream_at=$9, last_seq=$10
		WHERE id=$1`,
		f.ID, f.Status, f.TotalRecords, f.CompletedRecords, f.FailedRecords,
		f.UpdatedAt, f.TerminalAt, f.CancelReason, f.EndOfStreamAt, f.LastSeq)
	if err != nil {
		return fmt.Errorf("hifetch: update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*HIFetchRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+fetchRequestColumns+` FROM hi_fetch_request WHERE status = $1 AND created_at < $2`,
		StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("hifetch: list processing before: %w", err)
	}
	defer rows.Close()

	var out []*HIFetchRequest
	for rows.Next() {
		f, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PGRepository) AppendLog(ctx context.Context, l *ProcessingLog) error {
	details, err := json.Marshal(l.Details)
	if err != nil {
		return fmt.Errorf("hifetch: marshal log details: %w", err)
	}
	q := db.QuerierFrom(ctx, r.pool)
	_, err = q.Exec(ctx, `
		INSERT INTO processing_log (
			id, fetch_request_id, health_record_id, abdm_record_id, stage, status,
			processing_time_ms, details, at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.FetchRequestID, l.HealthRecordID, l.ABDMRecordID, l.Stage, l.Status,
		l.ProcessingTimeMs, details, l.At)
	if err != nil {
		return fmt.Errorf("hifetch: append log: %w", err)
	}
	return nil
}

func (r *PGRepository) ListLogs(ctx context.Context, fetchRequestID uuid.UUID) ([]*ProcessingLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, fetch_request_id, health_record_id, abdm_record_id, stage, status,
			processing_time_ms, details, at
		FROM processing_log WHERE fetch_request_id = $1 ORDER BY at ASC`, fetchRequestID)
	if err != nil {
		return nil, fmt.Errorf("hifetch: list logs: %w", err)
	}
	defer rows.Close()

	var out []*ProcessingLog
	for rows.Next() {
		l := &ProcessingLog{}
		var details []byte
		if err := rows.Scan(&l.ID, &l.FetchRequestID, &l.HealthRecordID, &l.ABDMRecordID, &l.Stage, &l.Status,
			&l.ProcessingTimeMs, &details, &l.At); err != nil {
			return nil, fmt.Errorf("hifetch: scan log: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &l.Details); err != nil {
				return nil, fmt.Errorf("hifetch: unmarshal log details: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
