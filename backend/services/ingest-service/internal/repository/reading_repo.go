package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// ReadingRepository persists readings.
type ReadingRepository struct {
	db DB
}

// NewReadingRepository returns repository.
func NewReadingRepository(db DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// InsertMany writes readings in one batch round trip. IDs are scoped to the
// device: a reading whose (device, ID) pair is already stored is skipped. The
// result counts rows actually inserted.
func (r *ReadingRepository) InsertMany(ctx context.Context, deviceID, uploadID string, readings []models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO readings (id, device_id, upload_id, recorded_at, latitude, longitude, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, reading := range readings {
		batch.Queue(query,
			reading.ID,
			deviceID,
			uploadID,
			reading.Timestamp,
			reading.Latitude,
			reading.Longitude,
			reading.Values,
		)
	}

	res := r.db.SendBatch(ctx, batch)
	defer res.Close()

	inserted := 0
	for i := range readings {
		tag, err := res.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert reading %s: %w", readings[i].ID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
