package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
)

// BufferStore persists station buffer snapshots in redis as zstd-compressed CBOR.
type BufferStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewBufferStore returns redis-backed store. A zero ttl keeps snapshots until deleted.
func NewBufferStore(client redis.Cmdable, ttl time.Duration) *BufferStore {
	return &BufferStore{client: client, ttl: ttl}
}

func (s *BufferStore) key(stationID string) string {
	return fmt.Sprintf("telemetry:buffer:%s", stationID)
}

// Save stores the snapshot, replacing any previous one.
func (s *BufferStore) Save(ctx context.Context, snap buffer.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snap.StationID), data, s.ttl).Err()
}

// Load returns the stored snapshot or nil when none exists.
func (s *BufferStore) Load(ctx context.Context, stationID string) (*buffer.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(stationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", stationID, err)
	}
	return snap, nil
}

// Delete removes the stored snapshot.
func (s *BufferStore) Delete(ctx context.Context, stationID string) error {
	return s.client.Del(ctx, s.key(stationID)).Err()
}

func encodeSnapshot(snap buffer.Snapshot) ([]byte, error) {
	raw, err := codec.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return codec.Compress(raw, codec.CompressionZstd)
}

func decodeSnapshot(data []byte) (*buffer.Snapshot, error) {
	raw, err := codec.Decompress(data, codec.CompressionZstd, 0)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	var snap buffer.Snapshot
	if err := codec.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
