package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

func TestParseRejectsMalformed(t *testing.T) {
	for _, input := range []string{`{not json`, `{"data":1}`, `[]`} {
		_, err := Parse([]byte(input))
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.Code != CodeProtocolError {
			t.Fatalf("%s: expected protocol_error, got %v", input, err)
		}
	}
}

func TestParseAndDecode(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"batch_data","deviceId":"dev-1","data":[{"temperature":21.5}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != TypeBatchData {
		t.Fatalf("type = %q", msg.Type)
	}
	batch, err := Decode[BatchData](msg.Raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.DeviceID != "dev-1" || len(batch.Data) != 1 || batch.Data[0]["temperature"] != 21.5 {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestBuildMessageEnvelope(t *testing.T) {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	out, err := BuildMessage(TypeBatchAck, BatchAck{UploadID: "u-1", Processed: 2}, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var env struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeBatchAck || env.Timestamp != "2026-05-06T07:08:09Z" {
		t.Fatalf("unexpected envelope %s", out)
	}
	if string(env.Data) != `{"uploadId":"u-1","processed":2,"errors":0}` {
		t.Fatalf("unexpected data %s", env.Data)
	}
}

func TestStackedDataRecordsSortedByKey(t *testing.T) {
	s := StackedData{StackedData: map[string]models.RawRecord{
		"2026-01-01T00:02:00Z": {"t": 3.0},
		"2026-01-01T00:00:00Z": {"t": 1.0},
		"2026-01-01T00:01:00Z": {"t": 2.0},
	}}
	records := s.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec["t"] != float64(i+1) {
			t.Fatalf("record %d out of order: %v", i, rec)
		}
		if _, ok := rec["timestamp"].(string); !ok {
			t.Fatalf("record %d missing timestamp", i)
		}
	}
}

func TestBatchFrameRoundTrip(t *testing.T) {
	in := BatchFrame{
		DeviceID: "dev-1",
		Records: []models.RawRecord{
			{"timestamp": "2026-01-01T00:00:00Z", "temperature": 21.5, "label": "north"},
			{"humidity": 40.25, "nested": map[string]any{"a": "b"}},
		},
	}
	frame, err := EncodeFrame(FrameBatch, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ft, payload, err := SplitFrame(frame)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if ft != FrameBatch {
		t.Fatalf("frame type = %d", ft)
	}
	var out BatchFrame
	if err := DecodePayload(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%#v\nout=%#v", in, out)
	}
}

func TestBatchFrameIntegersDecodeAsFloats(t *testing.T) {
	frame, err := EncodeFrame(FrameBatch, map[string]any{
		"records": []any{map[string]any{"count": 5, "neg": -3, "ratio": 0.5}},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, payload, err := SplitFrame(frame)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	var out BatchFrame
	if err := DecodePayload(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []models.RawRecord{{"count": float64(5), "neg": float64(-3), "ratio": 0.5}}
	if !reflect.DeepEqual(out.Records, want) {
		t.Fatalf("records = %#v, want %#v", out.Records, want)
	}
}

func TestBatchFrameKeepsNonObjectRecords(t *testing.T) {
	frame, err := EncodeFrame(FrameBatch, map[string]any{
		"records": []any{map[string]any{"t": 1.0}, 42, "text", map[string]any{"t": 2.0}},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, payload, err := SplitFrame(frame)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	var out BatchFrame
	if err := DecodePayload(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(out.Records))
	}
	if !out.Records[0].IsObject() || out.Records[1].IsObject() || out.Records[2].IsObject() || !out.Records[3].IsObject() {
		t.Fatalf("unexpected record shapes %#v", out.Records)
	}
}

func TestStackedDataKeepsNonObjectEntries(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"stacked_data","stackedData":{"2026-01-01T00:00:00Z":{"t":1},"2026-01-01T00:01:00Z":7}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := Decode[StackedData](msg.Raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	records := data.Records()
	if len(records) != 2 || !records[0].IsObject() || records[1].IsObject() {
		t.Fatalf("unexpected records %#v", records)
	}
}

func TestSplitFrameTooShort(t *testing.T) {
	_, _, err := SplitFrame([]byte{0, 1})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestErrorFrameFor(t *testing.T) {
	frame, err := ErrorFrameFor(FrameType(7), Errorf(CodeUnknownFrame, "unknown frame type 7"), CodeProtocolError)
	if err != nil {
		t.Fatalf("error frame: %v", err)
	}
	ft, payload, err := SplitFrame(frame)
	if err != nil || ft != FrameError {
		t.Fatalf("split: type=%d err=%v", ft, err)
	}
	var out ErrorFrame
	if err := DecodePayload(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Code != CodeUnknownFrame || out.Type != 7 {
		t.Fatalf("unexpected error frame %+v", out)
	}
}

func TestWindowFrameRecords(t *testing.T) {
	w := WindowFrame{
		StartTime: 1767225600, // 2026-01-01T00:00:00Z
		EndTime:   1767225720,
		Interval:  60,
		Metrics: map[string][]float64{
			"temperature": {20, 21, 22, 23},
			"humidity":    {40, 41},
		},
	}
	records, err := w.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 steps within window, got %d", len(records))
	}
	if records[1]["timestamp"] != "2026-01-01T00:01:00Z" {
		t.Fatalf("unexpected timestamp %v", records[1]["timestamp"])
	}
	if records[1]["humidity"] != 41.0 || records[2]["temperature"] != 22.0 {
		t.Fatalf("unexpected values %v %v", records[1], records[2])
	}
	if _, ok := records[2]["humidity"]; ok {
		t.Fatalf("short series should not fill later steps")
	}

	if _, err := (WindowFrame{Interval: 0}).Records(); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestChunkSessionMismatchLeavesStateUnchanged(t *testing.T) {
	cs, err := NewChunkSession(ChunkedBatchStart{BatchID: "A", TotalChunks: 3}, "dev-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cs.Add(ChunkedBatchData{BatchID: "A", ChunkIndex: 0, Data: []models.RawRecord{{"n": 0.0}}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	err = cs.Add(ChunkedBatchData{BatchID: "B", ChunkIndex: 1})
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeBatchMismatch {
		t.Fatalf("expected batch_mismatch, got %v", err)
	}
	if cs.ReceivedChunks() != 1 || cs.BatchID != "A" {
		t.Fatalf("session changed after mismatch")
	}
}

func TestChunkSessionRejectsDuplicateAndOutOfRange(t *testing.T) {
	cs, _ := NewChunkSession(ChunkedBatchStart{BatchID: "A", TotalChunks: 2}, "dev-1")
	_ = cs.Add(ChunkedBatchData{BatchID: "A", ChunkIndex: 0})
	if err := cs.Add(ChunkedBatchData{BatchID: "A", ChunkIndex: 0}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	if err := cs.Add(ChunkedBatchData{BatchID: "A", ChunkIndex: 2}); err == nil {
		t.Fatalf("expected out of range rejection")
	}
	if cs.ReceivedChunks() != 1 {
		t.Fatalf("received = %d", cs.ReceivedChunks())
	}
}

func TestChunkSessionConcatenatesInIndexOrder(t *testing.T) {
	cs, _ := NewChunkSession(ChunkedBatchStart{BatchID: "A", TotalChunks: 3}, "dev-1")
	for _, idx := range []int{2, 0, 1} {
		if err := cs.Add(ChunkedBatchData{BatchID: "A", ChunkIndex: idx, Data: []models.RawRecord{{"n": float64(idx)}}}); err != nil {
			t.Fatalf("add %d: %v", idx, err)
		}
	}
	if !cs.Complete() {
		t.Fatalf("expected complete")
	}
	records := cs.Records()
	for i, rec := range records {
		if rec["n"] != float64(i) {
			t.Fatalf("record %d out of order: %v", i, rec)
		}
	}
}

func TestNewChunkSessionValidates(t *testing.T) {
	if _, err := NewChunkSession(ChunkedBatchStart{TotalChunks: 1}, "d"); err == nil {
		t.Fatalf("expected missing batch id error")
	}
	if _, err := NewChunkSession(ChunkedBatchStart{BatchID: "A", TotalChunks: 0}, "d"); err == nil {
		t.Fatalf("expected total chunks error")
	}
	cs, _ := NewChunkSession(ChunkedBatchStart{BatchID: "A", TotalChunks: 1}, "dev-9")
	if cs.DeviceID != "dev-9" {
		t.Fatalf("expected default device id, got %q", cs.DeviceID)
	}
}

func TestDecompressBatchGzipArray(t *testing.T) {
	body, _ := json.Marshal([]map[string]any{{"temperature": 20.0}, {"temperature": 21.0}, {"temperature": 22.0}})
	compressed, err := codec.Compress(body, codec.CompressionGzip)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	msg := CompressedBatch{CompressedData: base64.StdEncoding.EncodeToString(compressed)}

	deviceID, records, err := DecompressBatch(msg, "dev-1", 0)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if deviceID != "dev-1" || len(records) != 3 {
		t.Fatalf("device=%q records=%d", deviceID, len(records))
	}
}

func TestDecompressBatchObjectForm(t *testing.T) {
	body := []byte(`{"deviceId":"dev-7","data":[{"t":1}]}`)
	compressed, _ := codec.Compress(body, codec.CompressionZstd)
	msg := CompressedBatch{CompressedData: base64.StdEncoding.EncodeToString(compressed), Encoding: "zstd"}

	deviceID, records, err := DecompressBatch(msg, "dev-1", 0)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if deviceID != "dev-7" || len(records) != 1 {
		t.Fatalf("device=%q records=%d", deviceID, len(records))
	}
}

func TestDecompressBatchRejectsBadInput(t *testing.T) {
	cases := []CompressedBatch{
		{CompressedData: "!!!"},
		{CompressedData: base64.StdEncoding.EncodeToString([]byte("not gzip"))},
		{CompressedData: "", Encoding: "brotli"},
	}
	for _, msg := range cases {
		_, _, err := DecompressBatch(msg, "dev-1", 0)
		var perr *ProtocolError
		if !errors.As(err, &perr) || perr.Code != CodeInvalidPayload {
			t.Fatalf("%+v: expected invalid_payload, got %v", msg, err)
		}
	}
}

func TestJSONRowDecoder(t *testing.T) {
	var dec JSONRowDecoder
	rows, err := dec.Decode([]byte(`[{"a":1},{"a":2}]`))
	if err != nil || len(rows) != 2 {
		t.Fatalf("array: rows=%d err=%v", len(rows), err)
	}
	rows, err = dec.Decode([]byte("{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n"))
	if err != nil || len(rows) != 3 {
		t.Fatalf("ndjson: rows=%d err=%v", len(rows), err)
	}
	if _, err := dec.Decode([]byte(`[{"a":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRecordListsKeepNonObjectElements(t *testing.T) {
	var dec JSONRowDecoder
	rows, err := dec.Decode([]byte(`[{"a":1},5,{"a":2}]`))
	if err != nil || len(rows) != 3 || rows[1].IsObject() {
		t.Fatalf("array: rows=%#v err=%v", rows, err)
	}
	rows, err = dec.Decode([]byte("{\"a\":1}\n\"text\"\n{\"a\":3}\n"))
	if err != nil || len(rows) != 3 || rows[1].IsObject() {
		t.Fatalf("ndjson: rows=%#v err=%v", rows, err)
	}

	compressed, _ := codec.Compress([]byte(`[{"t":1},[1,2],{"t":2}]`), codec.CompressionGzip)
	_, records, err := DecompressBatch(CompressedBatch{CompressedData: base64.StdEncoding.EncodeToString(compressed)}, "dev-1", 0)
	if err != nil || len(records) != 3 || records[1].IsObject() {
		t.Fatalf("compressed: records=%#v err=%v", records, err)
	}

	chunk, err := Decode[ChunkedBatchData](json.RawMessage(`{"batchId":"b","chunkIndex":0,"data":[true,{"t":1}]}`))
	if err != nil || len(chunk.Data) != 2 || chunk.Data[0].IsObject() || !chunk.Data[1].IsObject() {
		t.Fatalf("chunk: data=%#v err=%v", chunk.Data, err)
	}
}
