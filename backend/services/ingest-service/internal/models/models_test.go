package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"fieldtelemetry/backend/libs/codec"
)

func TestUploadTransitionsForwardOnly(t *testing.T) {
	now := time.Now()
	u := &UploadRecord{ID: "u-1", Status: UploadPending}

	if err := u.Transition(UploadProcessing, now); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := u.Transition(UploadPending, now); err == nil {
		t.Fatalf("expected processing -> pending to fail")
	}
	if err := u.Transition(UploadCompleted, now); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if err := u.Transition(UploadFailed, now); err == nil {
		t.Fatalf("expected completed to be terminal")
	}
	if u.Status != UploadCompleted {
		t.Fatalf("status changed after rejected transition: %s", u.Status)
	}
}

func TestUploadTransitionRejectsUnknownStatus(t *testing.T) {
	u := &UploadRecord{ID: "u-2", Status: UploadPending}
	if err := u.Transition("archived", time.Now()); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestReadingNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	r := Reading{}
	r.Normalize(now)
	if r.ID == "" {
		t.Fatalf("expected id to be assigned")
	}
	if !r.Timestamp.Equal(now) || r.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC ingestion time, got %s", r.Timestamp)
	}
	if r.Values == nil {
		t.Fatalf("expected values map")
	}

	id := r.ID
	r.Normalize(now.Add(time.Hour))
	if r.ID != id || !r.Timestamp.Equal(now) {
		t.Fatalf("normalize must not overwrite existing fields")
	}
}

func TestDeviceConfigWithDefaults(t *testing.T) {
	cfg := DeviceConfig{SamplingRate: 10}.WithDefaults()
	if cfg.SamplingRate != 10 {
		t.Fatalf("explicit sampling rate overwritten")
	}
	if cfg.ReportingInterval != DefaultReportingInterval || cfg.FirmwareVersion != DefaultFirmwareVersion {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.AlertThresholds == nil || cfg.SensorsEnabled == nil {
		t.Fatalf("expected non-nil collections")
	}
}

func TestRawRecordListToleratesNonObjects(t *testing.T) {
	var rows []RawRecord
	if err := json.Unmarshal([]byte(`[{"t":1},42,"x",[1],null,{}]`), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(rows))
	}
	objects := []bool{true, false, false, false, false, true}
	for i, want := range objects {
		if rows[i].IsObject() != want {
			t.Fatalf("row %d: IsObject = %v, want %v", i, rows[i].IsObject(), want)
		}
	}
	if rows[0]["t"] != float64(1) {
		t.Fatalf("unexpected first row: %#v", rows[0])
	}
}

func TestRawRecordCBORWidensIntegers(t *testing.T) {
	data, err := codec.Marshal([]any{map[string]any{"count": 5, "neg": -3}, 7})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var rows []RawRecord
	if err := codec.Unmarshal(data, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []RawRecord{{"count": float64(5), "neg": float64(-3)}, nil}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows = %#v, want %#v", rows, want)
	}
}
