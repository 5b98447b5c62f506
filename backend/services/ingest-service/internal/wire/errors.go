package wire

import "fmt"

// Protocol error codes replied to devices.
const (
	CodeProtocolError   = "protocol_error"
	CodeUnknownMessage  = "unknown_message"
	CodeBatchMismatch   = "batch_mismatch"
	CodeChunkOutOfState = "chunk_out_of_state"
	CodeInvalidChunk    = "invalid_chunk"
	CodeUnknownFrame    = "unknown_frame"
	CodeInvalidPayload  = "invalid_payload"
)

// ProtocolError rejects one inbound message. The session stays open.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Code, e.Message)
}

// Errorf builds a ProtocolError with a formatted message.
func Errorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}
