package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/metrics"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

var (
	// ErrBufferFull is returned when a reading is pushed into a buffer at capacity.
	ErrBufferFull = errors.New("buffer: station buffer is full")
	// ErrInvalidSettings is returned for capacity or threshold values that cannot be applied.
	ErrInvalidSettings = errors.New("buffer: invalid settings")
)

// Committer receives drained readings.
type Committer interface {
	CommitReadings(ctx context.Context, deviceID, source string, readings []models.Reading) error
}

// Persister stores buffer snapshots outside the process.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, stationID string) (*Snapshot, error)
}

// Settings controls capacity and draining of one buffer.
type Settings struct {
	Capacity           int  `json:"capacity" yaml:"capacity"`
	AutoFlushThreshold int  `json:"autoFlushThreshold" yaml:"autoFlushThreshold"`
	AutoFlushEnabled   bool `json:"autoFlushEnabled" yaml:"autoFlushEnabled"`
}

// Validate checks that the settings describe a usable buffer.
func (s Settings) Validate() error {
	if s.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidSettings)
	}
	if s.AutoFlushThreshold <= 0 || s.AutoFlushThreshold > s.Capacity {
		return fmt.Errorf("%w: threshold must be in 1..capacity", ErrInvalidSettings)
	}
	return nil
}

// Snapshot is the persisted form of a buffer.
type Snapshot struct {
	StationID string           `json:"stationId"`
	Settings  Settings         `json:"settings"`
	Items     []models.Reading `json:"items"`
	SavedAt   time.Time        `json:"savedAt"`
}

// Status is a read-only view of a buffer.
type Status struct {
	StationID          string `json:"stationId"`
	Size               int    `json:"size"`
	Capacity           int    `json:"capacity"`
	AutoFlushThreshold int    `json:"autoFlushThreshold"`
	AutoFlushEnabled   bool   `json:"autoFlushEnabled"`
}

// Buffer is a bounded per-station queue of readings. Push, Pop and Flush are
// serialized by one mutex, held across the commit call during a flush.
type Buffer struct {
	mu        sync.Mutex
	stationID string
	settings  Settings
	items     []models.Reading

	committer Committer
	persister Persister
	metrics   *metrics.IngestMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// New builds an empty buffer. persister may be nil.
func New(stationID string, settings Settings, committer Committer, persister Persister, logger *zap.Logger) (*Buffer, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		stationID: stationID,
		settings:  settings,
		items:     make([]models.Reading, 0, settings.Capacity),
		committer: committer,
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// StationID returns the owning station.
func (b *Buffer) StationID() string {
	return b.stationID
}

// Push appends a reading. It returns false without changing the buffer when
// the buffer is full. When auto-flush is enabled and the size reaches the
// threshold, the buffer is drained before Push returns; a failed drain keeps
// the reading and returns true together with the flush error.
func (b *Buffer) Push(ctx context.Context, reading models.Reading) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.settings.Capacity {
		b.metrics.BufferRejected()
		return false, nil
	}

	reading.Normalize(b.now())
	b.items = append(b.items, reading)
	b.persist(ctx)

	if b.settings.AutoFlushEnabled && len(b.items) >= b.settings.AutoFlushThreshold {
		if _, err := b.flushLocked(ctx); err != nil {
			return true, fmt.Errorf("buffer %s: auto flush: %w", b.stationID, err)
		}
	}
	return true, nil
}

// Pop removes and returns the most recently pushed reading.
func (b *Buffer) Pop(ctx context.Context) (models.Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return models.Reading{}, false
	}
	last := b.items[len(b.items)-1]
	b.items[len(b.items)-1] = models.Reading{}
	b.items = b.items[:len(b.items)-1]
	b.persist(ctx)
	return last, true
}

// Peek returns the most recently pushed reading without removing it.
func (b *Buffer) Peek() (models.Reading, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return models.Reading{}, false
	}
	return b.items[len(b.items)-1], true
}

// Size returns the number of buffered readings.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush commits every buffered reading, oldest first, as one batch. The buffer
// is cleared only when the commit succeeds; otherwise it is left untouched.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *Buffer) flushLocked(ctx context.Context) (int, error) {
	if len(b.items) == 0 {
		return 0, nil
	}
	if b.committer == nil {
		return 0, fmt.Errorf("buffer %s: no committer configured", b.stationID)
	}

	batch := make([]models.Reading, len(b.items))
	copy(batch, b.items)

	err := b.committer.CommitReadings(ctx, b.stationID, models.SourceBuffer, batch)
	b.metrics.BufferFlush(err)
	if err != nil {
		return 0, err
	}

	b.items = b.items[:0]
	b.persist(ctx)
	b.logger.Info("buffer flushed", zap.String("station_id", b.stationID), zap.Int("count", len(batch)))
	return len(batch), nil
}

// Status returns a read-only view of the buffer.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Buffer) statusLocked() Status {
	return Status{
		StationID:          b.stationID,
		Size:               len(b.items),
		Capacity:           b.settings.Capacity,
		AutoFlushThreshold: b.settings.AutoFlushThreshold,
		AutoFlushEnabled:   b.settings.AutoFlushEnabled,
	}
}

// Configure replaces the buffer settings. Capacity cannot drop below the
// current size.
func (b *Buffer) Configure(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if settings.Capacity < len(b.items) {
		return fmt.Errorf("%w: capacity %d below current size %d", ErrInvalidSettings, settings.Capacity, len(b.items))
	}
	b.settings = settings
	b.persist(ctx)
	return nil
}

func (b *Buffer) restore(snap *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := snap.Items
	if len(items) > b.settings.Capacity {
		b.logger.Warn("snapshot exceeds capacity, dropping newest readings",
			zap.String("station_id", b.stationID),
			zap.Int("snapshot_size", len(items)),
			zap.Int("capacity", b.settings.Capacity))
		items = items[:b.settings.Capacity]
	}
	b.items = append(b.items[:0], items...)
}

func (b *Buffer) persist(ctx context.Context) {
	if b.persister == nil {
		return
	}
	snap := Snapshot{
		StationID: b.stationID,
		Settings:  b.settings,
		Items:     append([]models.Reading(nil), b.items...),
		SavedAt:   b.now().UTC(),
	}
	if err := b.persister.Save(ctx, snap); err != nil {
		b.logger.Warn("failed to persist buffer snapshot", zap.String("station_id", b.stationID), zap.Error(err))
	}
}
