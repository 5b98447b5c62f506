package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
)

// BufferRegistry exposes station buffers to operators.
type BufferRegistry interface {
	Lookup(stationID string) (*buffer.Buffer, bool)
	Statuses() []buffer.Status
	Flush(ctx context.Context, stationID string) (int, error)
	Configure(ctx context.Context, stationID string, settings buffer.Settings) (buffer.Status, error)
}

type stationStatus struct {
	buffer.Status
	Connected bool `json:"connected"`
}

// NewStationsHandler handles GET /api/v1/stations.
func NewStationsHandler(buffers BufferRegistry, presence Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := buffers.Statuses()
		out := make([]stationStatus, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, stationStatus{Status: st, Connected: presence != nil && presence.Connected(st.StationID)})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stations": out,
		})
	}
}

// NewStationBufferHandler handles GET /api/v1/stations/{stationID}/buffer.
func NewStationBufferHandler(buffers BufferRegistry, presence Presence) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stationID := r.PathValue("stationID")
		buf, ok := buffers.Lookup(stationID)
		if !ok {
			writeError(w, http.StatusNotFound, "station not found")
			return
		}
		writeJSON(w, http.StatusOK, stationStatus{Status: buf.Status(), Connected: presence != nil && presence.Connected(stationID)})
	}
}

// NewFlushHandler handles POST /api/v1/stations/{stationID}/buffer/flush.
func NewFlushHandler(buffers BufferRegistry, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stationID := r.PathValue("stationID")
		n, err := buffers.Flush(r.Context(), stationID)
		if errors.Is(err, buffer.ErrUnknownStation) {
			writeError(w, http.StatusNotFound, "station not found")
			return
		}
		if err != nil {
			logger.Error("operator flush failed", zap.String("station_id", stationID), zap.Error(err))
			writeError(w, http.StatusBadGateway, "flush failed; buffer retained")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"flushed": n,
		})
	}
}

// NewConfigureBufferHandler handles PUT /api/v1/stations/{stationID}/buffer.
func NewConfigureBufferHandler(buffers BufferRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var settings buffer.Settings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		status, err := buffers.Configure(r.Context(), r.PathValue("stationID"), settings)
		if errors.Is(err, buffer.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to configure buffer")
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}
