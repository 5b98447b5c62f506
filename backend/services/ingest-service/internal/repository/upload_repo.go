package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// ErrUploadFinalized is returned when updating an upload already in a terminal state.
var ErrUploadFinalized = errors.New("repository: upload already finalized")

// UploadRepository keeps upload bookkeeping rows.
type UploadRepository struct {
	db DB
}

// NewUploadRepository returns repository.
func NewUploadRepository(db DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Create inserts a new upload row.
func (r *UploadRepository) Create(ctx context.Context, upload *models.UploadRecord) error {
	const query = `
		INSERT INTO uploads (id, device_id, source, status, processed_count, error_count, error_log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		upload.ID,
		upload.DeviceID,
		upload.Source,
		string(upload.Status),
		upload.ProcessedCount,
		upload.ErrorCount,
		errorLog(upload.ErrorLog),
		upload.CreatedAt,
		upload.UpdatedAt,
	)
	return err
}

// Update writes status and counters. Rows in a terminal state are never changed.
func (r *UploadRepository) Update(ctx context.Context, upload *models.UploadRecord) error {
	const query = `
		UPDATE uploads
		SET status = $2, processed_count = $3, error_count = $4, error_log = $5, updated_at = $6
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`
	tag, err := r.db.Exec(ctx, query,
		upload.ID,
		string(upload.Status),
		upload.ProcessedCount,
		upload.ErrorCount,
		errorLog(upload.ErrorLog),
		upload.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUploadFinalized, upload.ID)
	}
	return nil
}

// Get returns one upload.
func (r *UploadRepository) Get(ctx context.Context, id string) (*models.UploadRecord, error) {
	const query = `
		SELECT id, device_id, source, status, processed_count, error_count, error_log, created_at, updated_at
		FROM uploads
		WHERE id = $1
	`
	var (
		upload models.UploadRecord
		status string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&upload.ID,
		&upload.DeviceID,
		&upload.Source,
		&status,
		&upload.ProcessedCount,
		&upload.ErrorCount,
		&upload.ErrorLog,
		&upload.CreatedAt,
		&upload.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	upload.Status = models.UploadStatus(status)
	return &upload, nil
}

func errorLog(entries []string) []string {
	if entries == nil {
		return []string{}
	}
	return entries
}
