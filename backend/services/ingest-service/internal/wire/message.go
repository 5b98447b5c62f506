package wire

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// Inbound text message types.
const (
	TypeHeartbeatAck      = "heartbeat_ack"
	TypeReconnectInfo     = "reconnect_info"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeBatchData         = "batch_data"
	TypeStackedData       = "stacked_data"
	TypeCompressedBatch   = "compressed_batch"
	TypeProtocolSelection = "protocol_selection"
	TypeConfigRequest     = "config_request"
	TypeChunkedBatchStart = "chunked_batch_start"
	TypeChunkedBatchData  = "chunked_batch_data"
)

// Outbound text message types.
const (
	TypeHeartbeat        = "heartbeat"
	TypeMissedMessages   = "missed_messages"
	TypeSubscribed       = "subscribed"
	TypeUnsubscribed     = "unsubscribed"
	TypeBatchAck         = "batch_ack"
	TypeProtocolAccepted = "protocol_accepted"
	TypeConfigResponse   = "config_response"
	TypeChunkAck         = "chunk_ack"
	TypeError            = "error"
)

// Message is a parsed inbound text message. Raw holds the whole object so
// handlers decode the fields they need.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Parse decodes the type discriminator of a text message.
func Parse(data []byte) (*Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, Errorf(CodeProtocolError, "malformed message: %v", err)
	}
	if head.Type == "" {
		return nil, Errorf(CodeProtocolError, "message type is required")
	}
	return &Message{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Decode convenience helper for handlers.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, Errorf(CodeInvalidPayload, "%v", err)
	}
	return target, nil
}

// Envelope is the outbound text message shape.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// BuildMessage encodes an outbound text message.
func BuildMessage(msgType string, data any, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}

// ErrorPayload is the data of an outbound error message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayloadFor maps err to a reply payload. Errors that are not protocol
// errors are reported under fallbackCode.
func ErrorPayloadFor(err error, fallbackCode string) ErrorPayload {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return ErrorPayload{Code: perr.Code, Message: perr.Message}
	}
	return ErrorPayload{Code: fallbackCode, Message: err.Error()}
}

type ReconnectInfo struct {
	LastReceivedSeq int64  `json:"lastReceivedSeq"`
	ClientID        string `json:"clientId"`
}

type Subscription struct {
	Devices []string `json:"devices"`
}

type BatchData struct {
	DeviceID string             `json:"deviceId"`
	Data     []models.RawRecord `json:"data"`
}

type StackedData struct {
	DeviceID    string                      `json:"deviceId"`
	StackedData map[string]models.RawRecord `json:"stackedData"`
}

// Records flattens the timestamp-keyed map into one record per key, ordered by
// key. An entry that is not an object stays nil.
func (s StackedData) Records() []models.RawRecord {
	keys := make([]string, 0, len(s.StackedData))
	for k := range s.StackedData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.RawRecord, 0, len(keys))
	for _, k := range keys {
		if !s.StackedData[k].IsObject() {
			out = append(out, nil)
			continue
		}
		rec := make(models.RawRecord, len(s.StackedData[k])+1)
		for field, v := range s.StackedData[k] {
			rec[field] = v
		}
		rec["timestamp"] = k
		out = append(out, rec)
	}
	return out
}

type CompressedBatch struct {
	DeviceID       string `json:"deviceId,omitempty"`
	CompressedData string `json:"compressedData"`
	Encoding       string `json:"encoding,omitempty"`
}

type ProtocolSelection struct {
	Version json.RawMessage `json:"version"`
}

type ChunkedBatchStart struct {
	BatchID     string `json:"batchId"`
	TotalChunks int    `json:"totalChunks"`
	DeviceID    string `json:"deviceId,omitempty"`
}

type ChunkedBatchData struct {
	BatchID    string             `json:"batchId"`
	ChunkIndex int                `json:"chunkIndex"`
	Data       []models.RawRecord `json:"data"`
}

// BatchAck acknowledges a committed batch.
type BatchAck struct {
	UploadID  string `json:"uploadId"`
	BatchID   string `json:"batchId,omitempty"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
}

type HeartbeatPayload struct {
	Seq int64 `json:"seq"`
}
