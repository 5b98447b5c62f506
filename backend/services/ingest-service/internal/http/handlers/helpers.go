package handlers

import (
	"encoding/json"
	"net/http"
)

// DeviceAuthorizer checks that a request may act for deviceID.
type DeviceAuthorizer func(r *http.Request, deviceID string) error

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func authorize(w http.ResponseWriter, r *http.Request, auth DeviceAuthorizer, deviceID string) bool {
	if auth == nil {
		return true
	}
	if err := auth(r, deviceID); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid device token")
		return false
	}
	return true
}
