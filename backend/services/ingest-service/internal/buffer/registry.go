package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/metrics"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// ErrUnknownStation is returned for operations on a station without a buffer.
var ErrUnknownStation = errors.New("buffer: unknown station")

// Registry owns one buffer per station and creates them on first use.
type Registry struct {
	mu        sync.RWMutex
	buffers   map[string]*Buffer
	defaults  Settings
	committer Committer
	persister Persister
	metrics   *metrics.IngestMetrics
	logger    *zap.Logger
}

// NewRegistry builds a registry. persister and m may be nil.
func NewRegistry(defaults Settings, committer Committer, persister Persister, m *metrics.IngestMetrics, logger *zap.Logger) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		buffers:   make(map[string]*Buffer),
		defaults:  defaults,
		committer: committer,
		persister: persister,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Get returns the buffer for a station, creating it and restoring any stored
// snapshot on first use.
func (r *Registry) Get(ctx context.Context, stationID string) (*Buffer, error) {
	r.mu.RLock()
	buf, ok := r.buffers[stationID]
	r.mu.RUnlock()
	if ok {
		return buf, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.buffers[stationID]; ok {
		return buf, nil
	}

	settings := r.defaults
	var snap *Snapshot
	if r.persister != nil {
		loaded, err := r.persister.Load(ctx, stationID)
		if err != nil {
			r.logger.Warn("failed to load buffer snapshot", zap.String("station_id", stationID), zap.Error(err))
		} else if loaded != nil {
			snap = loaded
			if loaded.Settings.Validate() == nil {
				settings = loaded.Settings
			}
		}
	}

	buf, err := New(stationID, settings, r.committer, r.persister, r.logger)
	if err != nil {
		return nil, err
	}
	buf.metrics = r.metrics
	if snap != nil {
		buf.restore(snap)
		r.logger.Info("buffer restored", zap.String("station_id", stationID), zap.Int("size", len(buf.items)))
	}
	r.buffers[stationID] = buf
	return buf, nil
}

// Push stores a reading in the station buffer. The reading is returned with
// its assigned ID and timestamp. A full buffer yields ErrBufferFull; a failed
// auto flush returns the stored reading together with the flush error.
func (r *Registry) Push(ctx context.Context, stationID string, reading models.Reading) (models.Reading, error) {
	buf, err := r.Get(ctx, stationID)
	if err != nil {
		return models.Reading{}, err
	}
	reading.Normalize(buf.now())
	ok, err := buf.Push(ctx, reading)
	if !ok {
		return models.Reading{}, fmt.Errorf("%w: %s", ErrBufferFull, stationID)
	}
	return reading, err
}

// Lookup returns an existing buffer without creating one.
func (r *Registry) Lookup(stationID string) (*Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.buffers[stationID]
	return buf, ok
}

// Configure applies settings to a station buffer, creating it if needed.
func (r *Registry) Configure(ctx context.Context, stationID string, settings Settings) (Status, error) {
	buf, err := r.Get(ctx, stationID)
	if err != nil {
		return Status{}, err
	}
	if err := buf.Configure(ctx, settings); err != nil {
		return Status{}, err
	}
	return buf.Status(), nil
}

// Flush drains one station buffer.
func (r *Registry) Flush(ctx context.Context, stationID string) (int, error) {
	buf, ok := r.Lookup(stationID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStation, stationID)
	}
	return buf.Flush(ctx)
}

// Statuses returns the status of every known buffer ordered by station.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	buffers := make([]*Buffer, 0, len(r.buffers))
	for _, buf := range r.buffers {
		buffers = append(buffers, buf)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(buffers))
	for _, buf := range buffers {
		out = append(out, buf.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

// FlushAll drains every buffer and joins the errors of those that failed.
func (r *Registry) FlushAll(ctx context.Context) error {
	r.mu.RLock()
	buffers := make([]*Buffer, 0, len(r.buffers))
	for _, buf := range r.buffers {
		buffers = append(buffers, buf)
	}
	r.mu.RUnlock()

	var errs []error
	for _, buf := range buffers {
		if _, err := buf.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("station %s: %w", buf.StationID(), err))
		}
	}
	return errors.Join(errs...)
}
