package models

import "time"

// DeviceLiveness is the last known communication state of a device. Last write wins.
type DeviceLiveness struct {
	DeviceID          string    `db:"device_id" json:"deviceId"`
	LastCommunication time.Time `db:"last_communication" json:"lastCommunication"`
	BatteryLevel      *float64  `db:"battery_level" json:"batteryLevel,omitempty"`
	SignalStrength    *float64  `db:"signal_strength" json:"signalStrength,omitempty"`
}

// DeviceConfig is the configuration snapshot returned to devices on request.
type DeviceConfig struct {
	SamplingRate      int                `json:"samplingRate"`
	ReportingInterval int                `json:"reportingInterval"`
	PowerSaveMode     bool               `json:"powerSaveMode"`
	AlertThresholds   map[string]float64 `json:"alertThresholds"`
	SensorsEnabled    []string           `json:"sensorsEnabled"`
	FirmwareVersion   string             `json:"firmwareVersion"`
}

// Default device configuration values.
const (
	DefaultSamplingRate      = 60
	DefaultReportingInterval = 300
	DefaultFirmwareVersion   = "unknown"
)

// DefaultDeviceConfig returns the configuration used when a device has none stored.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		SamplingRate:      DefaultSamplingRate,
		ReportingInterval: DefaultReportingInterval,
		AlertThresholds:   map[string]float64{},
		SensorsEnabled:    []string{},
		FirmwareVersion:   DefaultFirmwareVersion,
	}
}

// WithDefaults fills zero-valued fields from DefaultDeviceConfig.
func (c DeviceConfig) WithDefaults() DeviceConfig {
	def := DefaultDeviceConfig()
	if c.SamplingRate <= 0 {
		c.SamplingRate = def.SamplingRate
	}
	if c.ReportingInterval <= 0 {
		c.ReportingInterval = def.ReportingInterval
	}
	if c.AlertThresholds == nil {
		c.AlertThresholds = def.AlertThresholds
	}
	if c.SensorsEnabled == nil {
		c.SensorsEnabled = def.SensorsEnabled
	}
	if c.FirmwareVersion == "" {
		c.FirmwareVersion = def.FirmwareVersion
	}
	return c
}
