package commit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// ValidationError rejects one record of a batch.
type ValidationError struct {
	Index int
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %d: %s: %v", e.Index, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts ISO-8601 timestamps with or without zone. Naive
// values are taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

var reservedFields = map[string]struct{}{
	"id":        {},
	"timestamp": {},
	"latitude":  {},
	"longitude": {},
	"lat":       {},
	"lon":       {},
}

var errNotObject = errors.New("expected object")

// ParseRecord converts one raw record into a reading. now is used when the
// record has no timestamp. A numeric id is kept in its decimal form.
func ParseRecord(index int, raw models.RawRecord, now time.Time) (models.Reading, error) {
	if !raw.IsObject() {
		return models.Reading{}, &ValidationError{Index: index, Field: "shape", Err: errNotObject}
	}
	reading := models.Reading{Values: make(map[string]any, len(raw))}

	switch id := raw["id"].(type) {
	case nil:
	case string:
		reading.ID = strings.TrimSpace(id)
	default:
		f, err := toFloat(id)
		if err != nil {
			return models.Reading{}, &ValidationError{Index: index, Field: "id", Err: err}
		}
		reading.ID = strconv.FormatFloat(f, 'f', -1, 64)
	}

	switch ts := raw["timestamp"].(type) {
	case nil:
		reading.Timestamp = now.UTC()
	case string:
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return models.Reading{}, &ValidationError{Index: index, Field: "timestamp", Err: err}
		}
		reading.Timestamp = parsed
	case time.Time:
		reading.Timestamp = ts.UTC()
	default:
		secs, err := toFloat(ts)
		if err != nil {
			return models.Reading{}, &ValidationError{Index: index, Field: "timestamp", Err: err}
		}
		sec, frac := math.Modf(secs)
		reading.Timestamp = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}

	lat, err := coordinate(raw, 90, "latitude", "lat")
	if err != nil {
		return models.Reading{}, &ValidationError{Index: index, Field: "latitude", Err: err}
	}
	lon, err := coordinate(raw, 180, "longitude", "lon")
	if err != nil {
		return models.Reading{}, &ValidationError{Index: index, Field: "longitude", Err: err}
	}
	reading.Latitude, reading.Longitude = lat, lon

	for k, v := range raw {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		reading.Values[k] = v
	}

	reading.Normalize(now)
	return reading, nil
}

func coordinate(raw models.RawRecord, limit float64, keys ...string) (*float64, error) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.Abs(f) > limit {
			return nil, fmt.Errorf("%v out of range ±%v", f, limit)
		}
		return &f, nil
	}
	return nil, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}

// liveness extracts battery and signal readings, preferring the latest reading
// that carries them.
func liveness(deviceID string, readings []models.Reading, now time.Time) models.DeviceLiveness {
	out := models.DeviceLiveness{DeviceID: deviceID, LastCommunication: now.UTC()}
	for i := len(readings) - 1; i >= 0; i-- {
		values := readings[i].Values
		if out.BatteryLevel == nil {
			out.BatteryLevel = firstNumber(values, "battery_level", "batteryLevel")
		}
		if out.SignalStrength == nil {
			out.SignalStrength = firstNumber(values, "signal_strength", "signalStrength")
		}
		if out.BatteryLevel != nil && out.SignalStrength != nil {
			break
		}
	}
	return out
}

func firstNumber(values map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		v, ok := values[key]
		if !ok {
			continue
		}
		if f, err := toFloat(v); err == nil {
			return &f
		}
	}
	return nil
}
