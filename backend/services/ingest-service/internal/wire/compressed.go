package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// DecompressBatch decodes a compressed_batch message into the target device
// and its records. The decompressed body is either a JSON array of records or
// an object {deviceId, data} (records also accepted under "records").
func DecompressBatch(msg CompressedBatch, defaultDeviceID string, maxSize int64) (string, []models.RawRecord, error) {
	compression, err := codec.ParseCompression(msg.Encoding)
	if err != nil {
		return "", nil, Errorf(CodeInvalidPayload, "%v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(msg.CompressedData)
	if err != nil {
		return "", nil, Errorf(CodeInvalidPayload, "compressedData is not base64: %v", err)
	}
	body, err := codec.Decompress(raw, compression, maxSize)
	if err != nil {
		return "", nil, Errorf(CodeInvalidPayload, "decompress %s: %v", compression, err)
	}

	deviceID := msg.DeviceID
	if deviceID == "" {
		deviceID = defaultDeviceID
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var records []models.RawRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return "", nil, Errorf(CodeInvalidPayload, "decode records: %v", err)
		}
		return deviceID, records, nil
	}

	var wrapped struct {
		DeviceID string             `json:"deviceId"`
		Data     []models.RawRecord `json:"data"`
		Records  []models.RawRecord `json:"records"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return "", nil, Errorf(CodeInvalidPayload, "decode batch: %v", err)
	}
	if wrapped.DeviceID != "" {
		deviceID = wrapped.DeviceID
	}
	records := wrapped.Data
	if records == nil {
		records = wrapped.Records
	}
	return deviceID, records, nil
}
