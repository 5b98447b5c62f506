package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
	"fieldtelemetry/backend/services/ingest-service/internal/commit"
	"fieldtelemetry/backend/services/ingest-service/internal/hub"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
	"fieldtelemetry/backend/services/ingest-service/internal/repository"
	"fieldtelemetry/backend/services/ingest-service/internal/wire"
)

type fakeBufferCommitter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBufferCommitter) CommitReadings(ctx context.Context, deviceID, source string, readings []models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakePresence map[string]bool

func (p fakePresence) Connected(deviceID string) bool { return p[deviceID] }

type fakeBatchCommitter struct {
	deviceID string
	source   string
	rows     []models.RawRecord
	err      error
}

func (f *fakeBatchCommitter) Commit(ctx context.Context, deviceID, source string, raw []models.RawRecord) (commit.Result, error) {
	f.deviceID, f.source, f.rows = deviceID, source, raw
	if f.err != nil {
		return commit.Result{}, f.err
	}
	return commit.Result{UploadID: "upload-1", Processed: len(raw), Inserted: len(raw)}, nil
}

type fakeUploads map[string]*models.UploadRecord

func (f fakeUploads) Get(ctx context.Context, id string) (*models.UploadRecord, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

type fakeBroadcaster struct {
	deviceID string
	event    hub.Event
}

func (f *fakeBroadcaster) Broadcast(deviceID string, ev hub.Event) {
	f.deviceID, f.event = deviceID, ev
}

func newRegistry(t *testing.T, settings buffer.Settings, committer buffer.Committer) *buffer.Registry {
	t.Helper()
	reg, err := buffer.NewRegistry(settings, committer, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

const validReading = `{"deviceId":"st-1","timestamp":"2024-05-01T10:00:00Z","latitude":52.1,"longitude":21.0,"data":{"temperature":21.5}}`

func TestReadingsHandlerStoresReading(t *testing.T) {
	reg := newRegistry(t, buffer.Settings{Capacity: 10, AutoFlushThreshold: 8, AutoFlushEnabled: true}, &fakeBufferCommitter{})
	h := NewReadingsHandler(reg, fakePresence{"st-1": true}, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(validReading)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "success" || body["recordId"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
	status := body["deviceStatus"].(map[string]any)
	if status["online"] != true || status["bufferSize"].(float64) != 1 || status["bufferCapacity"].(float64) != 10 {
		t.Fatalf("unexpected device status: %v", status)
	}
}

func TestReadingsHandlerRequiresAllFields(t *testing.T) {
	reg := newRegistry(t, buffer.Settings{Capacity: 10, AutoFlushThreshold: 8}, &fakeBufferCommitter{})
	h := NewReadingsHandler(reg, nil, nil, zap.NewNop())

	bodies := []string{
		`{"timestamp":"2024-05-01T10:00:00Z","latitude":1,"longitude":1,"data":{}}`,
		`{"deviceId":"st-1","latitude":1,"longitude":1,"data":{}}`,
		`{"deviceId":"st-1","timestamp":"2024-05-01T10:00:00Z","longitude":1,"data":{}}`,
		`{"deviceId":"st-1","timestamp":"2024-05-01T10:00:00Z","latitude":1,"data":{}}`,
		`{"deviceId":"st-1","timestamp":"2024-05-01T10:00:00Z","latitude":1,"longitude":1}`,
		`{"deviceId":"st-1","timestamp":"yesterday","latitude":1,"longitude":1,"data":{}}`,
		`not json`,
	}
	for _, b := range bodies {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(b)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", b, rec.Code)
		}
		if decodeBody(t, rec)["status"] != "error" {
			t.Fatalf("body %s: expected error status", b)
		}
	}
	if _, ok := reg.Lookup("st-1"); ok {
		t.Fatalf("rejected readings must not create a buffer")
	}
}

func TestReadingsHandlerFullBuffer(t *testing.T) {
	reg := newRegistry(t, buffer.Settings{Capacity: 1, AutoFlushThreshold: 1, AutoFlushEnabled: false}, &fakeBufferCommitter{})
	h := NewReadingsHandler(reg, nil, nil, zap.NewNop())

	first := httptest.NewRecorder()
	h(first, httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(validReading)))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first reading accepted, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h(second, httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(validReading)))
	if second.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestReadingsHandlerAutoFlushFailureKeepsReading(t *testing.T) {
	reg := newRegistry(t, buffer.Settings{Capacity: 5, AutoFlushThreshold: 1, AutoFlushEnabled: true}, &fakeBufferCommitter{err: errors.New("db down")})
	h := NewReadingsHandler(reg, nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(validReading)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["warning"] == nil {
		t.Fatalf("expected flush warning")
	}
	buf, _ := reg.Lookup("st-1")
	if buf.Size() != 1 {
		t.Fatalf("expected reading retained, size %d", buf.Size())
	}
}

func TestReadingsHandlerUnauthorized(t *testing.T) {
	reg := newRegistry(t, buffer.Settings{Capacity: 10, AutoFlushThreshold: 8}, &fakeBufferCommitter{})
	deny := func(r *http.Request, deviceID string) error { return errors.New("denied") }
	h := NewReadingsHandler(reg, nil, deny, zap.NewNop())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/readings", strings.NewReader(validReading)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func uploadRequest(deviceID string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/"+deviceID+"/uploads", bytes.NewReader(body))
	req.SetPathValue("deviceID", deviceID)
	return req
}

func TestUploadHandlerCompressedBody(t *testing.T) {
	committer := &fakeBatchCommitter{}
	h := NewUploadHandler(wire.JSONRowDecoder{}, committer, nil, zap.NewNop())

	raw := []byte(`{"timestamp":"2024-05-01T10:00:00Z","t":1}` + "\n" + `{"timestamp":"2024-05-01T10:01:00Z","t":2}`)
	compressed, err := codec.Compress(raw, codec.CompressionZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	req := uploadRequest("st-2", compressed)
	req.Header.Set("Content-Encoding", "zstd")

	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if committer.deviceID != "st-2" || committer.source != models.SourceUpload || len(committer.rows) != 2 {
		t.Fatalf("unexpected commit call: %s %s %d", committer.deviceID, committer.source, len(committer.rows))
	}
	if decodeBody(t, rec)["uploadId"] != "upload-1" {
		t.Fatalf("expected upload id in response")
	}
}

func TestUploadHandlerErrors(t *testing.T) {
	committer := &fakeBatchCommitter{}
	h := NewUploadHandler(wire.JSONRowDecoder{}, committer, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h(rec, uploadRequest("st-2", []byte("[]")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty upload: expected 400, got %d", rec.Code)
	}

	req := uploadRequest("st-2", []byte("[]"))
	req.Header.Set("Content-Encoding", "brotli")
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("unknown encoding: expected 415, got %d", rec.Code)
	}

	committer.err = &commit.CommitError{UploadID: "upload-9", Err: errors.New("insert failed")}
	rec = httptest.NewRecorder()
	h(rec, uploadRequest("st-2", []byte(`[{"t":1}]`)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("commit failure: expected 502, got %d", rec.Code)
	}
	if decodeBody(t, rec)["uploadId"] != "upload-9" {
		t.Fatalf("expected failed upload id in response")
	}
}

func TestUploadStatusHandler(t *testing.T) {
	h := NewUploadStatusHandler(fakeUploads{"u-1": {ID: "u-1", DeviceID: "st-1", Status: models.UploadCompleted}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/u-1", nil)
	req.SetPathValue("uploadID", "u-1")
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/uploads/missing", nil)
	req.SetPathValue("uploadID", "missing")
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStationHandlers(t *testing.T) {
	committer := &fakeBufferCommitter{}
	reg := newRegistry(t, buffer.Settings{Capacity: 10, AutoFlushThreshold: 8, AutoFlushEnabled: true}, committer)
	ctx := context.Background()
	if _, err := reg.Push(ctx, "st-1", models.Reading{}); err != nil {
		t.Fatalf("push: %v", err)
	}

	rec := httptest.NewRecorder()
	NewStationsHandler(reg, fakePresence{"st-1": true})(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stations", nil))
	stations := decodeBody(t, rec)["stations"].([]any)
	if len(stations) != 1 {
		t.Fatalf("expected one station, got %v", stations)
	}
	first := stations[0].(map[string]any)
	if first["stationId"] != "st-1" || first["connected"] != true || first["size"].(float64) != 1 {
		t.Fatalf("unexpected station: %v", first)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stations/nope/buffer", nil)
	req.SetPathValue("stationID", "nope")
	rec = httptest.NewRecorder()
	NewStationBufferHandler(reg, nil)(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown station, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/stations/st-1/buffer/flush", nil)
	req.SetPathValue("stationID", "st-1")
	rec = httptest.NewRecorder()
	NewFlushHandler(reg, zap.NewNop())(rec, req)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["flushed"].(float64) != 1 {
		t.Fatalf("unexpected flush response %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/stations/nope/buffer/flush", nil)
	req.SetPathValue("stationID", "nope")
	rec = httptest.NewRecorder()
	NewFlushHandler(reg, zap.NewNop())(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 flushing unknown station, got %d", rec.Code)
	}
}

func TestConfigureBufferHandler(t *testing.T) {
	reg := newRegistry(t, buffer.Settings{Capacity: 10, AutoFlushThreshold: 8, AutoFlushEnabled: true}, &fakeBufferCommitter{})
	h := NewConfigureBufferHandler(reg)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/stations/st-3/buffer",
		strings.NewReader(`{"capacity":50,"autoFlushThreshold":40,"autoFlushEnabled":false}`))
	req.SetPathValue("stationID", "st-3")
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["capacity"].(float64) != 50 || body["autoFlushEnabled"] != false {
		t.Fatalf("unexpected status: %v", body)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/stations/st-3/buffer",
		strings.NewReader(`{"capacity":5,"autoFlushThreshold":9}`))
	req.SetPathValue("stationID", "st-3")
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid settings, got %d", rec.Code)
	}
}

func TestDeviceResetHandler(t *testing.T) {
	events := &fakeBroadcaster{}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/st-1/reset", nil)
	req.SetPathValue("deviceID", "st-1")
	rec := httptest.NewRecorder()
	NewDeviceResetHandler(events)(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if events.deviceID != "st-1" || events.event.Kind != hub.KindDeviceReset {
		t.Fatalf("unexpected broadcast: %+v", events)
	}
}
