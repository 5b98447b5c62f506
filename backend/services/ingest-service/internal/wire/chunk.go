package wire

import "fieldtelemetry/backend/services/ingest-service/internal/models"

// MaxTotalChunks bounds the number of chunks one transfer may announce.
const MaxTotalChunks = 10000

// ChunkSession reassembles one chunked transfer. It is owned by a single
// session and is not safe for concurrent use.
type ChunkSession struct {
	BatchID     string
	DeviceID    string
	TotalChunks int

	chunks   [][]models.RawRecord
	received []bool
	count    int
}

// NewChunkSession validates a chunked_batch_start message.
func NewChunkSession(start ChunkedBatchStart, defaultDeviceID string) (*ChunkSession, error) {
	if start.BatchID == "" {
		return nil, Errorf(CodeInvalidChunk, "batchId is required")
	}
	if start.TotalChunks <= 0 || start.TotalChunks > MaxTotalChunks {
		return nil, Errorf(CodeInvalidChunk, "totalChunks must be in 1..%d", MaxTotalChunks)
	}
	deviceID := start.DeviceID
	if deviceID == "" {
		deviceID = defaultDeviceID
	}
	return &ChunkSession{
		BatchID:     start.BatchID,
		DeviceID:    deviceID,
		TotalChunks: start.TotalChunks,
		chunks:      make([][]models.RawRecord, start.TotalChunks),
		received:    make([]bool, start.TotalChunks),
	}, nil
}

// ReceivedChunks returns the number of distinct chunks stored so far.
func (c *ChunkSession) ReceivedChunks() int {
	return c.count
}

// Add stores one chunk. A chunk for another batch, a duplicate index or an
// index out of range is rejected and leaves the session unchanged.
func (c *ChunkSession) Add(chunk ChunkedBatchData) error {
	if chunk.BatchID != c.BatchID {
		return Errorf(CodeBatchMismatch, "chunk for batch %q while batch %q is open", chunk.BatchID, c.BatchID)
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= c.TotalChunks {
		return Errorf(CodeInvalidChunk, "chunk index %d out of range 0..%d", chunk.ChunkIndex, c.TotalChunks-1)
	}
	if c.received[chunk.ChunkIndex] {
		return Errorf(CodeInvalidChunk, "chunk index %d already received", chunk.ChunkIndex)
	}
	c.chunks[chunk.ChunkIndex] = chunk.Data
	c.received[chunk.ChunkIndex] = true
	c.count++
	return nil
}

// Complete reports whether every chunk has arrived.
func (c *ChunkSession) Complete() bool {
	return c.count == c.TotalChunks
}

// Records concatenates the chunks in index order.
func (c *ChunkSession) Records() []models.RawRecord {
	total := 0
	for _, rows := range c.chunks {
		total += len(rows)
	}
	out := make([]models.RawRecord, 0, total)
	for _, rows := range c.chunks {
		out = append(out, rows...)
	}
	return out
}
