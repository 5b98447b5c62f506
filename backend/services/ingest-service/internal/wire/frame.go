package wire

import (
	"encoding/binary"
	"math"
	"sort"
	"time"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// FrameType is the versioned header of a binary frame. Payload fields are
// additive within one type; incompatible payloads get a new type.
type FrameType uint32

const (
	FrameBatch  FrameType = 1
	FrameWindow FrameType = 2
	FrameError  FrameType = 255
)

const frameHeaderSize = 4

func (t FrameType) String() string {
	switch t {
	case FrameBatch:
		return "batch"
	case FrameWindow:
		return "window"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// BatchFrame is the payload of a FrameBatch frame.
type BatchFrame struct {
	DeviceID string             `json:"deviceId,omitempty"`
	Records  []models.RawRecord `json:"records"`
}

// WindowFrame is the payload of a FrameWindow frame. Times are unix seconds,
// Interval is in seconds.
type WindowFrame struct {
	DeviceID  string               `json:"deviceId,omitempty"`
	StartTime float64              `json:"startTime"`
	EndTime   float64              `json:"endTime"`
	Interval  float64              `json:"interval"`
	Metrics   map[string][]float64 `json:"metrics"`
}

// ErrorFrame is the payload of a FrameError frame.
type ErrorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Type  uint32 `json:"type"`
}

// EncodeFrame prefixes the CBOR encoding of payload with the frame type.
func EncodeFrame(t FrameType, payload any) ([]byte, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(t))
	return append(frame, body...), nil
}

// SplitFrame returns the frame type and the undecoded payload.
func SplitFrame(data []byte) (FrameType, []byte, error) {
	if len(data) < frameHeaderSize {
		return 0, nil, Errorf(CodeProtocolError, "frame too short: %d bytes", len(data))
	}
	return FrameType(binary.BigEndian.Uint32(data[:frameHeaderSize])), data[frameHeaderSize:], nil
}

// DecodePayload decodes a CBOR frame payload into v.
func DecodePayload(payload []byte, v any) error {
	if err := codec.Unmarshal(payload, v); err != nil {
		return Errorf(CodeInvalidPayload, "%v", err)
	}
	return nil
}

// ErrorFrameFor builds the error frame replied for a rejected binary frame.
// Errors that are not protocol errors are reported under fallbackCode.
func ErrorFrameFor(t FrameType, err error, fallbackCode string) ([]byte, error) {
	payload := ErrorPayloadFor(err, fallbackCode)
	return EncodeFrame(FrameError, ErrorFrame{
		Error: payload.Message,
		Code:  payload.Code,
		Type:  uint32(t),
	})
}

// Records expands the window into one record per step, starting at StartTime
// and advancing by Interval. Step i carries the i-th value of every series
// that has one. Steps past EndTime are dropped when EndTime is set.
func (w WindowFrame) Records() ([]models.RawRecord, error) {
	if w.Interval <= 0 || math.IsNaN(w.Interval) || math.IsInf(w.Interval, 0) {
		return nil, Errorf(CodeInvalidPayload, "window interval must be positive")
	}
	if w.EndTime > 0 && w.EndTime < w.StartTime {
		return nil, Errorf(CodeInvalidPayload, "window ends before it starts")
	}

	names := make([]string, 0, len(w.Metrics))
	steps := 0
	for name, series := range w.Metrics {
		names = append(names, name)
		if len(series) > steps {
			steps = len(series)
		}
	}
	sort.Strings(names)

	out := make([]models.RawRecord, 0, steps)
	for i := 0; i < steps; i++ {
		at := w.StartTime + float64(i)*w.Interval
		if w.EndTime > 0 && at > w.EndTime {
			break
		}
		rec := models.RawRecord{"timestamp": unixSeconds(at).Format(time.RFC3339Nano)}
		for _, name := range names {
			if series := w.Metrics[name]; i < len(series) {
				rec[name] = series[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func unixSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
