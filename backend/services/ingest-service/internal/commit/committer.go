package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/hub"
	"fieldtelemetry/backend/services/ingest-service/internal/metrics"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// maxErrorLog bounds the per-upload error log.
const maxErrorLog = 100

// ReadingStore persists readings.
type ReadingStore interface {
	InsertMany(ctx context.Context, deviceID, uploadID string, readings []models.Reading) (int, error)
}

// DeviceStore records device liveness.
type DeviceStore interface {
	UpdateLiveness(ctx context.Context, liveness models.DeviceLiveness) error
}

// UploadStore keeps upload bookkeeping.
type UploadStore interface {
	Create(ctx context.Context, upload *models.UploadRecord) error
	Update(ctx context.Context, upload *models.UploadRecord) error
}

// ConfigSource returns the configuration of a device.
type ConfigSource interface {
	DeviceConfig(ctx context.Context, deviceID string) (models.DeviceConfig, error)
}

// Notifier receives post-commit events.
type Notifier interface {
	Broadcast(deviceID string, ev hub.Event)
}

// CommitError reports a batch the store rejected. The upload is marked failed.
type CommitError struct {
	UploadID string
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit upload %s: %v", e.UploadID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Result summarizes one commit.
type Result struct {
	UploadID  string   `json:"uploadId"`
	Processed int      `json:"processed"`
	Inserted  int      `json:"inserted"`
	Errors    int      `json:"errors"`
	ErrorLog  []string `json:"errorLog,omitempty"`
}

// Deps groups committer collaborators. Configs, Notifier and Metrics are optional.
type Deps struct {
	Readings ReadingStore
	Devices  DeviceStore
	Uploads  UploadStore
	Configs  ConfigSource
	Notifier Notifier
	Metrics  *metrics.IngestMetrics
}

// Committer turns raw payloads into stored readings.
type Committer struct {
	readings ReadingStore
	devices  DeviceStore
	uploads  UploadStore
	configs  ConfigSource
	notifier Notifier
	metrics  *metrics.IngestMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a committer.
func New(deps Deps, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{
		readings: deps.Readings,
		devices:  deps.Devices,
		uploads:  deps.Uploads,
		configs:  deps.Configs,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Commit validates raw records and stores the valid ones as one batch.
// Invalid records are counted and skipped. A store failure marks the upload
// failed, skips the liveness update and returns a *CommitError.
func (c *Committer) Commit(ctx context.Context, deviceID, source string, raw []models.RawRecord) (Result, error) {
	now := c.now()
	readings := make([]models.Reading, 0, len(raw))
	var errorLog []string
	errCount := 0

	for i, rec := range raw {
		reading, err := ParseRecord(i, rec, now)
		if err != nil {
			errCount++
			if len(errorLog) < maxErrorLog {
				errorLog = append(errorLog, err.Error())
			}
			continue
		}
		readings = append(readings, reading)
	}

	return c.store(ctx, deviceID, source, readings, errCount, errorLog)
}

// CommitReadings stores already parsed readings.
func (c *Committer) CommitReadings(ctx context.Context, deviceID, source string, readings []models.Reading) error {
	_, err := c.store(ctx, deviceID, source, readings, 0, nil)
	return err
}

func (c *Committer) store(ctx context.Context, deviceID, source string, readings []models.Reading, errCount int, errorLog []string) (Result, error) {
	started := c.now()
	upload := &models.UploadRecord{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Source:     source,
		Status:     models.UploadPending,
		ErrorCount: errCount,
		ErrorLog:   errorLog,
		CreatedAt:  started.UTC(),
		UpdatedAt:  started.UTC(),
	}
	result := Result{UploadID: upload.ID, Errors: errCount, ErrorLog: errorLog}

	if err := c.uploads.Create(ctx, upload); err != nil {
		c.metrics.Commit(source, 0, errCount, true, c.now().Sub(started))
		return result, &CommitError{UploadID: upload.ID, Err: fmt.Errorf("create upload: %w", err)}
	}
	if err := c.advance(ctx, upload, models.UploadProcessing); err != nil {
		c.metrics.Commit(source, 0, errCount, true, c.now().Sub(started))
		return result, &CommitError{UploadID: upload.ID, Err: err}
	}

	inserted := 0
	if len(readings) > 0 {
		n, err := c.readings.InsertMany(ctx, deviceID, upload.ID, readings)
		if err != nil {
			upload.ErrorLog = append(upload.ErrorLog, err.Error())
			if uerr := c.advance(ctx, upload, models.UploadFailed); uerr != nil {
				c.logger.Error("failed to mark upload failed", zap.String("upload_id", upload.ID), zap.Error(uerr))
			}
			c.metrics.Commit(source, 0, errCount, true, c.now().Sub(started))
			c.logger.Warn("batch commit failed",
				zap.String("device_id", deviceID),
				zap.String("upload_id", upload.ID),
				zap.Int("readings", len(readings)),
				zap.Error(err))
			return result, &CommitError{UploadID: upload.ID, Err: err}
		}
		inserted = n
	}

	upload.ProcessedCount = len(readings)
	if err := c.advance(ctx, upload, models.UploadCompleted); err != nil {
		c.logger.Error("failed to mark upload completed", zap.String("upload_id", upload.ID), zap.Error(err))
	}
	result.Processed = len(readings)
	result.Inserted = inserted

	if err := c.devices.UpdateLiveness(ctx, liveness(deviceID, readings, c.now())); err != nil {
		c.logger.Warn("failed to update device liveness", zap.String("device_id", deviceID), zap.Error(err))
	}

	c.metrics.Commit(source, inserted, errCount, false, c.now().Sub(started))
	c.notify(ctx, deviceID, source, result, readings)

	if inserted < len(readings) {
		c.logger.Info("duplicate readings skipped",
			zap.String("device_id", deviceID),
			zap.String("upload_id", upload.ID),
			zap.Int("duplicates", len(readings)-inserted))
	}
	return result, nil
}

func (c *Committer) advance(ctx context.Context, upload *models.UploadRecord, to models.UploadStatus) error {
	if err := upload.Transition(to, c.now()); err != nil {
		return err
	}
	if err := c.uploads.Update(ctx, upload); err != nil {
		return fmt.Errorf("update upload to %s: %w", to, err)
	}
	return nil
}

func (c *Committer) notify(ctx context.Context, deviceID, source string, result Result, readings []models.Reading) {
	if c.notifier == nil || len(readings) == 0 {
		return
	}

	c.notifier.Broadcast(deviceID, hub.NewEvent(hub.KindDataUpdate, deviceID, map[string]any{
		"uploadId":  result.UploadID,
		"source":    source,
		"processed": result.Processed,
		"latest":    readings[len(readings)-1],
	}))

	if c.configs == nil {
		return
	}
	cfg, err := c.configs.DeviceConfig(ctx, deviceID)
	if err != nil {
		c.logger.Warn("failed to load device config for alerts", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	for _, alert := range Alerts(readings, cfg.AlertThresholds) {
		c.notifier.Broadcast(deviceID, hub.NewEvent(hub.KindAlert, deviceID, alert))
	}
}

// Alert reports a value above its configured threshold.
type Alert struct {
	ReadingID string    `json:"readingId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerts returns one alert per reading value that exceeds its threshold.
func Alerts(readings []models.Reading, thresholds map[string]float64) []Alert {
	if len(thresholds) == 0 {
		return nil
	}
	var out []Alert
	for _, r := range readings {
		for metric, limit := range thresholds {
			v, ok := r.Values[metric]
			if !ok {
				continue
			}
			f, err := toFloat(v)
			if err != nil || f <= limit {
				continue
			}
			out = append(out, Alert{ReadingID: r.ID, Metric: metric, Value: f, Threshold: limit, Timestamp: r.Timestamp})
		}
	}
	return out
}
