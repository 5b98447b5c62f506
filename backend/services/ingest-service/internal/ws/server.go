package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandlerFactory builds the protocol handler of a new connection. The
// connection is the handler's transport.
type HandlerFactory func(deviceID string, conn *Connection) Handler

// Authenticator resolves the device allowed to open the connection.
type Authenticator func(r *http.Request, deviceID string) error

// Server upgrades HTTP connections to WebSockets for device streaming.
type Server struct {
	ctx      context.Context
	manager  *Manager
	factory  HandlerFactory
	auth     Authenticator
	settings Settings
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds ws server. Connections live until ctx ends or the peer
// disconnects. auth may be nil.
func NewServer(ctx context.Context, manager *Manager, factory HandlerFactory, auth Authenticator, settings Settings, logger *zap.Logger) *Server {
	return &Server{
		ctx:      ctx,
		manager:  manager,
		factory:  factory,
		auth:     auth,
		settings: settings,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is HTTP handler for GET /ws/devices/{deviceID}.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceID")
	if deviceID == "" {
		http.Error(w, "device id is required", http.StatusBadRequest)
		return
	}
	if s.auth != nil {
		if err := s.auth(r, deviceID); err != nil {
			s.logger.Info("websocket auth rejected", zap.String("device_id", deviceID), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := NewConnection(deviceID, conn, s.settings, s.logger, s.manager.Remove)
	if previous := s.manager.Add(connection); previous != nil {
		s.logger.Info("replaced existing device connection", zap.String("device_id", deviceID))
	}

	handler := s.factory(deviceID, connection)
	go connection.Run(s.ctx, handler)
	s.logger.Info("device connected", zap.String("device_id", deviceID))
}
