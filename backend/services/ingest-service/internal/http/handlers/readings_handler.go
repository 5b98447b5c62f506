package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
	"fieldtelemetry/backend/services/ingest-service/internal/commit"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// retryAfterSeconds is advertised when a station buffer is full.
const retryAfterSeconds = "30"

// ReadingBuffer accepts single readings into station buffers.
type ReadingBuffer interface {
	Push(ctx context.Context, stationID string, reading models.Reading) (models.Reading, error)
	Lookup(stationID string) (*buffer.Buffer, bool)
}

// Presence reports connected devices.
type Presence interface {
	Connected(deviceID string) bool
}

// NewReadingsHandler handles POST /api/v1/readings.
func NewReadingsHandler(buffers ReadingBuffer, presence Presence, auth DeviceAuthorizer, logger *zap.Logger) http.HandlerFunc {
	type request struct {
		DeviceID  string         `json:"deviceId"`
		Timestamp string         `json:"timestamp"`
		Latitude  *float64       `json:"latitude"`
		Longitude *float64       `json:"longitude"`
		Data      map[string]any `json:"data"`
	}
	type deviceStatus struct {
		Online         bool `json:"online"`
		BufferSize     int  `json:"bufferSize"`
		BufferCapacity int  `json:"bufferCapacity"`
	}
	type response struct {
		Status       string       `json:"status"`
		RecordID     string       `json:"recordId"`
		DeviceStatus deviceStatus `json:"deviceStatus"`
		Warning      string       `json:"warning,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		req.DeviceID = strings.TrimSpace(req.DeviceID)
		if req.DeviceID == "" || req.Timestamp == "" || req.Latitude == nil || req.Longitude == nil || req.Data == nil {
			writeError(w, http.StatusBadRequest, "deviceId, timestamp, latitude, longitude and data are required")
			return
		}
		if !authorize(w, r, auth, req.DeviceID) {
			return
		}

		ts, err := commit.ParseTimestamp(req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
			writeError(w, http.StatusBadRequest, "coordinates out of range")
			return
		}

		reading := models.Reading{
			Timestamp: ts,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Values:    req.Data,
		}

		var warning string
		stored, err := buffers.Push(r.Context(), req.DeviceID, reading)
		switch {
		case errors.Is(err, buffer.ErrBufferFull):
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeError(w, http.StatusServiceUnavailable, "station buffer is full")
			return
		case err != nil && stored.ID == "":
			logger.Error("failed to buffer reading", zap.String("device_id", req.DeviceID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store reading")
			return
		case err != nil:
			logger.Warn("auto flush failed, reading retained", zap.String("device_id", req.DeviceID), zap.Error(err))
			warning = "buffer flush failed; reading retained for retry"
		}

		status := deviceStatus{}
		if presence != nil {
			status.Online = presence.Connected(req.DeviceID)
		}
		if buf, ok := buffers.Lookup(req.DeviceID); ok {
			st := buf.Status()
			status.BufferSize = st.Size
			status.BufferCapacity = st.Capacity
		}

		writeJSON(w, http.StatusOK, response{
			Status:       "success",
			RecordID:     stored.ID,
			DeviceStatus: status,
			Warning:      warning,
		})
	}
}
