package handlers

import (
	"net/http"

	"fieldtelemetry/backend/services/ingest-service/internal/hub"
)

// EventBroadcaster fans events out to subscribers.
type EventBroadcaster interface {
	Broadcast(deviceID string, ev hub.Event)
}

// NewDeviceResetHandler handles POST /api/v1/devices/{deviceID}/reset.
func NewDeviceResetHandler(events EventBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.PathValue("deviceID")
		events.Broadcast(deviceID, hub.NewEvent(hub.KindDeviceReset, deviceID, map[string]any{"requestedBy": "operator"}))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "success",
			"deviceId": deviceID,
		})
	}
}

// NewHealthHandler handles GET /health.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
