package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// DeviceRepository stores device liveness and configuration.
type DeviceRepository struct {
	db DB
}

// NewDeviceRepository returns repository.
func NewDeviceRepository(db DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// UpdateLiveness upserts the last communication time. Battery and signal keep
// their stored values when the update carries none.
func (r *DeviceRepository) UpdateLiveness(ctx context.Context, liveness models.DeviceLiveness) error {
	const query = `
		INSERT INTO devices (device_id, last_communication, battery_level, signal_strength)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			last_communication = EXCLUDED.last_communication,
			battery_level = COALESCE(EXCLUDED.battery_level, devices.battery_level),
			signal_strength = COALESCE(EXCLUDED.signal_strength, devices.signal_strength)
	`
	_, err := r.db.Exec(ctx, query,
		liveness.DeviceID,
		liveness.LastCommunication,
		liveness.BatteryLevel,
		liveness.SignalStrength,
	)
	return err
}

// Liveness returns the stored liveness of a device.
func (r *DeviceRepository) Liveness(ctx context.Context, deviceID string) (*models.DeviceLiveness, error) {
	const query = `
		SELECT device_id, last_communication, battery_level, signal_strength
		FROM devices
		WHERE device_id = $1
	`
	var l models.DeviceLiveness
	err := r.db.QueryRow(ctx, query, deviceID).Scan(&l.DeviceID, &l.LastCommunication, &l.BatteryLevel, &l.SignalStrength)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeviceConfig returns the stored configuration, or defaults when the device has none.
func (r *DeviceRepository) DeviceConfig(ctx context.Context, deviceID string) (models.DeviceConfig, error) {
	const query = `
		SELECT sampling_rate, reporting_interval, power_save_mode, alert_thresholds, sensors_enabled, firmware_version
		FROM device_configs
		WHERE device_id = $1
	`
	var cfg models.DeviceConfig
	err := r.db.QueryRow(ctx, query, deviceID).Scan(
		&cfg.SamplingRate,
		&cfg.ReportingInterval,
		&cfg.PowerSaveMode,
		&cfg.AlertThresholds,
		&cfg.SensorsEnabled,
		&cfg.FirmwareVersion,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultDeviceConfig(), nil
	}
	if err != nil {
		return models.DeviceConfig{}, err
	}
	return cfg.WithDefaults(), nil
}
