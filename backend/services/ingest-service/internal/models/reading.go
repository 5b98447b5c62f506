package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fieldtelemetry/backend/libs/codec"
)

// RawRecord is one record as received from a device, before validation.
// Decoding never fails on the shape of a single element: anything that is not
// an object decodes to a nil RawRecord, which the committer rejects on its own
// without dropping the rest of the batch.
type RawRecord map[string]any

// UnmarshalJSON implements json.Unmarshaler.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		*r = nil
		return nil
	}
	*r = m
	return nil
}

// UnmarshalCBOR implements cbor.Unmarshaler. Integers are widened to float64
// to match the JSON decoding.
func (r *RawRecord) UnmarshalCBOR(data []byte) error {
	var m map[string]any
	if err := codec.Unmarshal(data, &m); err != nil {
		*r = nil
		return nil
	}
	codec.NormalizeNumbers(m)
	*r = m
	return nil
}

// IsObject reports whether the record decoded from an object.
func (r RawRecord) IsObject() bool {
	return r != nil
}

// Reading is one timestamped set of sensor values from a device or station.
// Values holds sensor fields by name; unknown fields pass through untouched.
type Reading struct {
	ID        string         `db:"id" json:"id"`
	Timestamp time.Time      `db:"recorded_at" json:"timestamp"`
	Latitude  *float64       `db:"latitude" json:"latitude,omitempty"`
	Longitude *float64       `db:"longitude" json:"longitude,omitempty"`
	Values    map[string]any `db:"payload" json:"values"`
}

// Normalize fills the ingestion-time defaults: a fresh ID and the current time.
func (r *Reading) Normalize(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	}
	if r.Values == nil {
		r.Values = map[string]any{}
	}
}
