package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/commit"
	"fieldtelemetry/backend/services/ingest-service/internal/hub"
	"fieldtelemetry/backend/services/ingest-service/internal/metrics"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
	"fieldtelemetry/backend/services/ingest-service/internal/wire"
)

// CodeCommitFailed is replied when the store rejects a batch.
const CodeCommitFailed = "commit_failed"

// DefaultHeartbeatInterval is used when Options leave the interval unset.
const DefaultHeartbeatInterval = 30 * time.Second

// State of the ingestion protocol.
type State int

const (
	StateConnected State = iota
	StateIdle
	StateChunkedTransfer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateChunkedTransfer:
		return "chunked_transfer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport writes messages to the device. Both methods must not block on
// the network.
type Transport interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
}

// Committer stores raw batches.
type Committer interface {
	Commit(ctx context.Context, deviceID, source string, raw []models.RawRecord) (commit.Result, error)
}

// Deps groups session collaborators. Configs and Metrics are optional.
type Deps struct {
	Hub       *hub.Hub
	Committer Committer
	Configs   commit.ConfigSource
	Metrics   *metrics.IngestMetrics
}

// Options tune one session.
type Options struct {
	HeartbeatInterval   time.Duration
	MaxDecompressedSize int64
}

type textHandler func(ctx context.Context, msg *wire.Message) error

// Session runs the ingestion protocol for one streaming connection. Handle*
// and Close are called from the connection read loop; Deliver may be called
// from any goroutine.
type Session struct {
	id        string
	deviceID  string
	transport Transport
	hub       *hub.Hub
	committer Committer
	configs   commit.ConfigSource
	metrics   *metrics.IngestMetrics
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu              sync.Mutex
	state           State
	chunk           *wire.ChunkSession
	protocolVersion json.RawMessage

	handlers map[string]textHandler

	heartbeatSeq  atomic.Int64
	stopHeartbeat context.CancelFunc
	heartbeatDone sync.WaitGroup
	closeOnce     sync.Once
}

// New builds a session for deviceID writing to transport.
func New(deviceID string, transport Transport, deps Deps, opts Options, logger *zap.Logger) *Session {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxDecompressedSize <= 0 {
		opts.MaxDecompressedSize = codec.DefaultMaxDecompressedSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		transport: transport,
		hub:       deps.Hub,
		committer: deps.Committer,
		configs:   deps.Configs,
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    logger.With(zap.String("device_id", deviceID)),
		now:       time.Now,
		state:     StateConnected,
	}
	s.handlers = map[string]textHandler{
		wire.TypeHeartbeatAck:      s.handleHeartbeatAck,
		wire.TypeReconnectInfo:     s.handleReconnectInfo,
		wire.TypeSubscribe:         s.handleSubscribe,
		wire.TypeUnsubscribe:       s.handleUnsubscribe,
		wire.TypeBatchData:         s.handleBatchData,
		wire.TypeStackedData:       s.handleStackedData,
		wire.TypeCompressedBatch:   s.handleCompressedBatch,
		wire.TypeProtocolSelection: s.handleProtocolSelection,
		wire.TypeConfigRequest:     s.handleConfigRequest,
		wire.TypeChunkedBatchStart: s.handleChunkedBatchStart,
		wire.TypeChunkedBatchData:  s.handleChunkedBatchData,
	}
	return s
}

// ID identifies the session as a hub subscriber.
func (s *Session) ID() string {
	return s.id
}

// DeviceID returns the authenticated device.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// State returns the protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves the session to Idle, joins the device group and starts the heartbeat.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Subscribe(s.deviceID, s)
		s.hub.Broadcast(s.deviceID, hub.NewEvent(hub.KindStatusUpdate, s.deviceID, map[string]any{"online": true}))
	}
	s.metrics.SessionOpened()

	hbCtx, cancel := context.WithCancel(ctx)
	s.stopHeartbeat = cancel
	s.heartbeatDone.Add(1)
	go s.heartbeat(hbCtx)
}

func (s *Session) heartbeat(ctx context.Context) {
	defer s.heartbeatDone.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := s.heartbeatSeq.Add(1)
			if err := s.reply(wire.TypeHeartbeat, wire.HeartbeatPayload{Seq: seq}); err != nil {
				s.logger.Debug("heartbeat not sent", zap.Int64("seq", seq), zap.Error(err))
			}
		}
	}
}

// Close stops the heartbeat and waits for it, leaves every hub group, drops
// any open chunked transfer and announces the device offline.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.stopHeartbeat != nil {
			s.stopHeartbeat()
			s.heartbeatDone.Wait()
		}

		s.mu.Lock()
		wasStarted := s.state != StateConnected
		if s.chunk != nil {
			s.logger.Info("dropping incomplete chunked transfer",
				zap.String("batch_id", s.chunk.BatchID),
				zap.Int("received", s.chunk.ReceivedChunks()),
				zap.Int("total", s.chunk.TotalChunks))
		}
		s.chunk = nil
		s.state = StateClosed
		s.mu.Unlock()

		if s.hub != nil {
			s.hub.UnsubscribeAll(s)
			s.hub.Broadcast(s.deviceID, hub.NewEvent(hub.KindStatusUpdate, s.deviceID, map[string]any{"online": false}))
		}
		if wasStarted {
			s.metrics.SessionClosed()
		}
	})
}

// Deliver forwards a hub event to the device.
func (s *Session) Deliver(ev hub.Event) {
	if err := s.reply(ev.Kind, ev); err != nil {
		s.logger.Debug("event not delivered", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

// HandleText processes one text message. Rejected messages are answered
// with an error message; the session stays open.
func (s *Session) HandleText(ctx context.Context, data []byte) {
	msg, err := wire.Parse(data)
	if err != nil {
		s.metrics.Message("text", "invalid")
		s.replyError(err)
		return
	}
	s.metrics.Message("text", msg.Type)

	handler, ok := s.handlers[msg.Type]
	if !ok {
		s.replyError(wire.Errorf(wire.CodeProtocolError, "unknown message type %q", msg.Type))
		return
	}
	if err := handler(ctx, msg); err != nil {
		s.replyError(err)
	}
}

// HandleBinary processes one binary frame. Rejected frames are answered with
// an error frame.
func (s *Session) HandleBinary(ctx context.Context, data []byte) {
	frameType, payload, err := wire.SplitFrame(data)
	if err != nil {
		s.metrics.Message("binary", "invalid")
		s.replyErrorFrame(0, err)
		return
	}
	s.metrics.Message("binary", frameType.String())

	var records []models.RawRecord
	deviceID := s.deviceID

	switch frameType {
	case wire.FrameBatch:
		var batch wire.BatchFrame
		if err := wire.DecodePayload(payload, &batch); err != nil {
			s.replyErrorFrame(frameType, err)
			return
		}
		deviceID = s.resolveDevice(batch.DeviceID)
		records = batch.Records
	case wire.FrameWindow:
		var window wire.WindowFrame
		if err := wire.DecodePayload(payload, &window); err != nil {
			s.replyErrorFrame(frameType, err)
			return
		}
		expanded, err := window.Records()
		if err != nil {
			s.replyErrorFrame(frameType, err)
			return
		}
		deviceID = s.resolveDevice(window.DeviceID)
		records = expanded
	default:
		s.replyErrorFrame(frameType, wire.Errorf(wire.CodeUnknownFrame, "unknown frame type %d", uint32(frameType)))
		return
	}

	res, err := s.committer.Commit(ctx, deviceID, models.SourceStream, records)
	if err != nil {
		s.replyErrorFrame(frameType, err)
		return
	}
	s.replyAck(res, "")
}

func (s *Session) resolveDevice(deviceID string) string {
	if deviceID == "" {
		return s.deviceID
	}
	return deviceID
}

func (s *Session) commitAndAck(ctx context.Context, deviceID string, records []models.RawRecord, batchID string) error {
	res, err := s.committer.Commit(ctx, s.resolveDevice(deviceID), models.SourceStream, records)
	if err != nil {
		return err
	}
	s.replyAck(res, batchID)
	return nil
}

func (s *Session) replyAck(res commit.Result, batchID string) {
	ack := wire.BatchAck{UploadID: res.UploadID, BatchID: batchID, Processed: res.Processed, Errors: res.Errors}
	if err := s.reply(wire.TypeBatchAck, ack); err != nil {
		s.logger.Warn("failed to send batch ack", zap.String("upload_id", res.UploadID), zap.Error(err))
	}
}

func (s *Session) reply(msgType string, data any) error {
	out, err := wire.BuildMessage(msgType, data, s.now())
	if err != nil {
		return err
	}
	return s.transport.SendText(out)
}

func (s *Session) replyError(err error) {
	payload := wire.ErrorPayloadFor(err, wire.CodeProtocolError)
	var cerr *commit.CommitError
	if errors.As(err, &cerr) {
		payload = wire.ErrorPayload{Code: CodeCommitFailed, Message: cerr.Error()}
	}
	s.metrics.ProtocolError(payload.Code)
	s.logger.Info("message rejected", zap.String("code", payload.Code), zap.Error(err))
	if serr := s.reply(wire.TypeError, payload); serr != nil {
		s.logger.Debug("error reply not sent", zap.Error(serr))
	}
}

func (s *Session) replyErrorFrame(t wire.FrameType, err error) {
	fallback := wire.CodeProtocolError
	var cerr *commit.CommitError
	if errors.As(err, &cerr) {
		fallback = CodeCommitFailed
	}
	s.metrics.ProtocolError(wire.ErrorPayloadFor(err, fallback).Code)
	s.logger.Info("frame rejected", zap.Uint32("frame_type", uint32(t)), zap.Error(err))

	frame, ferr := wire.ErrorFrameFor(t, err, fallback)
	if ferr != nil {
		s.logger.Error("encode error frame", zap.Error(ferr))
		return
	}
	if serr := s.transport.SendBinary(frame); serr != nil {
		s.logger.Debug("error frame not sent", zap.Error(serr))
	}
}
