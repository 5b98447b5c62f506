package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
	"fieldtelemetry/backend/services/ingest-service/internal/wire"
)

func (s *Session) handleHeartbeatAck(context.Context, *wire.Message) error {
	return nil
}

// Missed message replay is not supported; the reply is always empty.
func (s *Session) handleReconnectInfo(_ context.Context, msg *wire.Message) error {
	info, err := wire.Decode[wire.ReconnectInfo](msg.Raw)
	if err != nil {
		return err
	}
	return s.reply(wire.TypeMissedMessages, map[string]any{
		"lastReceivedSeq": info.LastReceivedSeq,
		"messages":        []any{},
	})
}

func (s *Session) handleSubscribe(_ context.Context, msg *wire.Message) error {
	sub, err := wire.Decode[wire.Subscription](msg.Raw)
	if err != nil {
		return err
	}
	if len(sub.Devices) == 0 {
		return wire.Errorf(wire.CodeInvalidPayload, "devices is required")
	}
	if s.hub != nil {
		for _, device := range sub.Devices {
			s.hub.Subscribe(device, s)
		}
	}
	return s.reply(wire.TypeSubscribed, sub)
}

func (s *Session) handleUnsubscribe(_ context.Context, msg *wire.Message) error {
	sub, err := wire.Decode[wire.Subscription](msg.Raw)
	if err != nil {
		return err
	}
	if s.hub != nil {
		for _, device := range sub.Devices {
			s.hub.Unsubscribe(device, s)
		}
	}
	return s.reply(wire.TypeUnsubscribed, sub)
}

func (s *Session) handleBatchData(ctx context.Context, msg *wire.Message) error {
	batch, err := wire.Decode[wire.BatchData](msg.Raw)
	if err != nil {
		return err
	}
	return s.commitAndAck(ctx, batch.DeviceID, batch.Data, "")
}

func (s *Session) handleStackedData(ctx context.Context, msg *wire.Message) error {
	stacked, err := wire.Decode[wire.StackedData](msg.Raw)
	if err != nil {
		return err
	}
	return s.commitAndAck(ctx, stacked.DeviceID, stacked.Records(), "")
}

func (s *Session) handleCompressedBatch(ctx context.Context, msg *wire.Message) error {
	compressed, err := wire.Decode[wire.CompressedBatch](msg.Raw)
	if err != nil {
		return err
	}
	deviceID, records, err := wire.DecompressBatch(compressed, s.deviceID, s.opts.MaxDecompressedSize)
	if err != nil {
		return err
	}
	return s.commitAndAck(ctx, deviceID, records, "")
}

func (s *Session) handleProtocolSelection(_ context.Context, msg *wire.Message) error {
	sel, err := wire.Decode[wire.ProtocolSelection](msg.Raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.protocolVersion = sel.Version
	s.mu.Unlock()
	return s.reply(wire.TypeProtocolAccepted, map[string]json.RawMessage{"version": sel.Version})
}

func (s *Session) handleConfigRequest(ctx context.Context, _ *wire.Message) error {
	cfg := models.DefaultDeviceConfig()
	if s.configs != nil {
		loaded, err := s.configs.DeviceConfig(ctx, s.deviceID)
		if err != nil {
			s.logger.Warn("failed to load device config", zap.Error(err))
		} else {
			cfg = loaded.WithDefaults()
		}
	}
	return s.reply(wire.TypeConfigResponse, cfg)
}

func (s *Session) handleChunkedBatchStart(_ context.Context, msg *wire.Message) error {
	start, err := wire.Decode[wire.ChunkedBatchStart](msg.Raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateChunkedTransfer {
		open := s.chunk.BatchID
		s.mu.Unlock()
		return wire.Errorf(wire.CodeChunkOutOfState, "batch %q is still open", open)
	}
	cs, err := wire.NewChunkSession(start, s.deviceID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.chunk = cs
	s.state = StateChunkedTransfer
	s.mu.Unlock()

	return s.reply(wire.TypeChunkAck, map[string]any{
		"batchId":     cs.BatchID,
		"received":    0,
		"totalChunks": cs.TotalChunks,
	})
}

func (s *Session) handleChunkedBatchData(ctx context.Context, msg *wire.Message) error {
	data, err := wire.Decode[wire.ChunkedBatchData](msg.Raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateChunkedTransfer || s.chunk == nil {
		s.mu.Unlock()
		return wire.Errorf(wire.CodeChunkOutOfState, "no chunked transfer open")
	}
	cs := s.chunk
	if err := cs.Add(data); err != nil {
		s.mu.Unlock()
		return err
	}
	if !cs.Complete() {
		s.mu.Unlock()
		return s.reply(wire.TypeChunkAck, map[string]any{
			"batchId":     cs.BatchID,
			"chunkIndex":  data.ChunkIndex,
			"received":    cs.ReceivedChunks(),
			"totalChunks": cs.TotalChunks,
		})
	}
	s.chunk = nil
	s.state = StateIdle
	s.mu.Unlock()

	return s.commitAndAck(ctx, cs.DeviceID, cs.Records(), cs.BatchID)
}
