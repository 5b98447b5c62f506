package httpserver

import "net/http"

// Routes groups handlers.
type Routes struct {
	Readings        http.HandlerFunc
	Upload          http.HandlerFunc
	UploadStatus    http.HandlerFunc
	Stations        http.HandlerFunc
	StationBuffer   http.HandlerFunc
	FlushBuffer     http.HandlerFunc
	ConfigureBuffer http.HandlerFunc
	DeviceReset     http.HandlerFunc
	DeviceStream    http.HandlerFunc
	Health          http.HandlerFunc
	Metrics         http.Handler

	// Operator wraps operator-only endpoints. Nil leaves them open.
	Operator func(http.HandlerFunc) http.HandlerFunc
}

// NewRouter registers endpoints.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()
	operator := routes.Operator
	if operator == nil {
		operator = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}

	handle := func(pattern string, h http.HandlerFunc) {
		if h != nil {
			mux.Handle(pattern, h)
		}
	}

	handle("POST /api/v1/readings", routes.Readings)
	handle("POST /api/v1/devices/{deviceID}/uploads", routes.Upload)
	handle("GET /api/v1/uploads/{uploadID}", routes.UploadStatus)
	handle("GET /api/v1/stations", routes.Stations)
	handle("GET /api/v1/stations/{stationID}/buffer", routes.StationBuffer)
	if routes.FlushBuffer != nil {
		handle("POST /api/v1/stations/{stationID}/buffer/flush", operator(routes.FlushBuffer))
	}
	if routes.ConfigureBuffer != nil {
		handle("PUT /api/v1/stations/{stationID}/buffer", operator(routes.ConfigureBuffer))
	}
	if routes.DeviceReset != nil {
		handle("POST /api/v1/devices/{deviceID}/reset", operator(routes.DeviceReset))
	}
	handle("GET /ws/devices/{deviceID}", routes.DeviceStream)
	handle("GET /health", routes.Health)
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	return mux
}
