package redisstore

import (
	"testing"
	"time"

	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

func TestSnapshotEncodingRoundTrip(t *testing.T) {
	lat := 45.5
	at := time.Date(2026, 2, 3, 4, 5, 6, 789000000, time.UTC)
	snap := buffer.Snapshot{
		StationID: "st-1",
		Settings:  buffer.Settings{Capacity: 100, AutoFlushThreshold: 80, AutoFlushEnabled: true},
		Items: []models.Reading{
			{ID: "r-1", Timestamp: at, Latitude: &lat, Values: map[string]any{"temperature": 21.5, "label": "north"}},
		},
		SavedAt: at,
	}

	data, err := encodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.StationID != snap.StationID || decoded.Settings != snap.Settings {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if len(decoded.Items) != 1 {
		t.Fatalf("items = %d", len(decoded.Items))
	}
	got := decoded.Items[0]
	if got.ID != "r-1" || !got.Timestamp.Equal(at) || got.Latitude == nil || *got.Latitude != lat || got.Longitude != nil {
		t.Fatalf("reading mismatch: %+v", got)
	}
	if got.Values["temperature"] != 21.5 || got.Values["label"] != "north" {
		t.Fatalf("values mismatch: %v", got.Values)
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := decodeSnapshot([]byte("not zstd")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestKeyFormat(t *testing.T) {
	s := NewBufferStore(nil, 0)
	if got := s.key("st-9"); got != "telemetry:buffer:st-9" {
		t.Fatalf("key = %q", got)
	}
}
