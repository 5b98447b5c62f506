package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

type fakeBatchResults struct {
	tags []string
	err  error
	next int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	tag := pgconn.NewCommandTag(f.tags[f.next])
	f.next++
	return tag, nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return errRow{err: errors.New("not implemented")} }
func (f *fakeBatchResults) Close() error             { return nil }

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type fakeDB struct {
	execTag   string
	execErr   error
	execSQL   []string
	execArgs  [][]any
	row       pgx.Row
	batch     *fakeBatchResults
	batchSize int
	queued    []*pgx.QueuedQuery
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.NewCommandTag(f.execTag), f.execErr
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batchSize = b.Len()
	f.queued = b.QueuedQueries
	return f.batch
}

func TestInsertManyCountsInsertedRows(t *testing.T) {
	db := &fakeDB{batch: &fakeBatchResults{tags: []string{"INSERT 0 1", "INSERT 0 0", "INSERT 0 1"}}}
	repo := NewReadingRepository(db)
	readings := []models.Reading{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	n, err := repo.InsertMany(context.Background(), "dev-1", "u-1", readings)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 2 || db.batchSize != 3 {
		t.Fatalf("inserted=%d batch=%d", n, db.batchSize)
	}
}

func TestInsertManyScopesConflictsToDevice(t *testing.T) {
	db := &fakeDB{batch: &fakeBatchResults{tags: []string{"INSERT 0 1"}}}
	if _, err := NewReadingRepository(db).InsertMany(context.Background(), "dev-2", "u-1", []models.Reading{{ID: "r-1"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(db.queued) != 1 {
		t.Fatalf("expected one queued insert, got %d", len(db.queued))
	}
	q := db.queued[0]
	if !strings.Contains(q.SQL, "ON CONFLICT (device_id, id) DO NOTHING") {
		t.Fatalf("conflict target not scoped to device:\n%s", q.SQL)
	}
	if q.Arguments[0] != "r-1" || q.Arguments[1] != "dev-2" {
		t.Fatalf("unexpected key arguments %v", q.Arguments[:2])
	}
}

func TestInsertManyPropagatesError(t *testing.T) {
	db := &fakeDB{batch: &fakeBatchResults{err: errors.New("conn reset")}}
	repo := NewReadingRepository(db)
	if _, err := repo.InsertMany(context.Background(), "dev-1", "u-1", []models.Reading{{ID: "a"}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInsertManyEmptySkipsRoundTrip(t *testing.T) {
	db := &fakeDB{}
	n, err := NewReadingRepository(db).InsertMany(context.Background(), "dev-1", "u-1", nil)
	if err != nil || n != 0 || db.batchSize != 0 {
		t.Fatalf("n=%d err=%v batch=%d", n, err, db.batchSize)
	}
}

func TestUploadUpdateRejectsFinalized(t *testing.T) {
	db := &fakeDB{execTag: "UPDATE 0"}
	repo := NewUploadRepository(db)
	err := repo.Update(context.Background(), &models.UploadRecord{ID: "u-1", Status: models.UploadCompleted, UpdatedAt: time.Now()})
	if !errors.Is(err, ErrUploadFinalized) {
		t.Fatalf("expected ErrUploadFinalized, got %v", err)
	}
}

func TestUploadCreateStoresEmptyErrorLog(t *testing.T) {
	db := &fakeDB{execTag: "INSERT 0 1"}
	repo := NewUploadRepository(db)
	if err := repo.Create(context.Background(), &models.UploadRecord{ID: "u-1", Status: models.UploadPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	log, ok := db.execArgs[0][6].([]string)
	if !ok || log == nil {
		t.Fatalf("expected non-nil error log argument, got %#v", db.execArgs[0][6])
	}
}

func TestGetUploadNotFound(t *testing.T) {
	db := &fakeDB{row: errRow{err: pgx.ErrNoRows}}
	if _, err := NewUploadRepository(db).Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeviceConfigDefaultsWhenMissing(t *testing.T) {
	db := &fakeDB{row: errRow{err: pgx.ErrNoRows}}
	cfg, err := NewDeviceRepository(db).DeviceConfig(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.SamplingRate != models.DefaultSamplingRate {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}
