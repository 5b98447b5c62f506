package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")
	// ErrSendQueueFull is returned when the outgoing queue is saturated.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Handler consumes inbound messages of one connection. All methods are
// called from the connection read loop.
type Handler interface {
	HandleText(ctx context.Context, data []byte)
	HandleBinary(ctx context.Context, data []byte)
	Close()
}

// Settings tune connection pumps.
type Settings struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendQueue    int
}

func (s Settings) withDefaults() Settings {
	if s.PingInterval <= 0 {
		s.PingInterval = 30 * time.Second
	}
	if s.PongWait <= 0 {
		s.PongWait = 2 * s.PingInterval
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 15 * time.Second
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = 4 << 20
	}
	if s.SendQueue <= 0 {
		s.SendQueue = 64
	}
	return s
}

type outgoing struct {
	messageType int
	data        []byte
}

// Connection represents an active device WebSocket connection.
type Connection struct {
	deviceID string
	ws       *websocket.Conn
	settings Settings
	logger   *zap.Logger
	onClose  func(*Connection)

	mu     sync.Mutex
	closed bool
	send   chan outgoing
	done   chan struct{}
}

// NewConnection builds connection wrapper.
func NewConnection(deviceID string, conn *websocket.Conn, settings Settings, logger *zap.Logger, onClose func(*Connection)) *Connection {
	settings = settings.withDefaults()
	return &Connection{
		deviceID: deviceID,
		ws:       conn,
		settings: settings,
		logger:   logger,
		onClose:  onClose,
		send:     make(chan outgoing, settings.SendQueue),
		done:     make(chan struct{}),
	}
}

// DeviceID returns identifier.
func (c *Connection) DeviceID() string {
	return c.deviceID
}

// Run pumps messages until the peer disconnects or ctx ends. The handler is
// closed before Run returns.
func (c *Connection) Run(ctx context.Context, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.ws.Close()
		case <-c.done:
		}
	}()

	c.readPump(ctx, handler)

	handler.Close()
	c.shutdown()
	cancel()
	<-writerDone
	_ = c.ws.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) readPump(ctx context.Context, handler Handler) {
	c.ws.SetReadLimit(c.settings.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("connection read closed", zap.String("device_id", c.deviceID), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))

		switch messageType {
		case websocket.TextMessage:
			handler.HandleText(ctx, message)
		case websocket.BinaryMessage:
			handler.HandleBinary(ctx, message)
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.write(msg.messageType, msg.data); err != nil {
				c.logger.Debug("write failed", zap.String("device_id", c.deviceID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain flushes messages queued before shutdown, such as a final error reply.
func (c *Connection) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg.messageType, msg.data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// SendText enqueues a text message for writing.
func (c *Connection) SendText(data []byte) error {
	return c.enqueue(websocket.TextMessage, data)
}

// SendBinary enqueues a binary message for writing.
func (c *Connection) SendBinary(data []byte) error {
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *Connection) enqueue(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- outgoing{messageType: messageType, data: data}:
		return nil
	default:
		c.logger.Warn("dropping outgoing message, buffer full", zap.String("device_id", c.deviceID))
		return ErrSendQueueFull
	}
}

// Close stops the connection. Run returns once the read loop notices.
func (c *Connection) Close() {
	c.shutdown()
	_ = c.ws.Close()
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}
