package models

import (
	"fmt"
	"time"
)

// UploadStatus is the lifecycle state of one committed batch.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// Upload sources.
const (
	SourceStream = "stream"
	SourceBuffer = "buffer"
	SourceUpload = "upload"
)

var uploadStatusRank = map[UploadStatus]int{
	UploadPending:    0,
	UploadProcessing: 1,
	UploadCompleted:  2,
	UploadFailed:     2,
}

// Terminal reports whether no further transition is allowed.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

// UploadRecord tracks bookkeeping for one batch commit.
type UploadRecord struct {
	ID             string       `db:"id" json:"id"`
	DeviceID       string       `db:"device_id" json:"deviceId"`
	Source         string       `db:"source" json:"source"`
	Status         UploadStatus `db:"status" json:"status"`
	ProcessedCount int          `db:"processed_count" json:"processedCount"`
	ErrorCount     int          `db:"error_count" json:"errorCount"`
	ErrorLog       []string     `db:"error_log" json:"errorLog,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updatedAt"`
}

// Transition moves the record forward. Backward moves and moves out of a
// terminal state are rejected.
func (u *UploadRecord) Transition(to UploadStatus, now time.Time) error {
	toRank, ok := uploadStatusRank[to]
	if !ok {
		return fmt.Errorf("upload %s: unknown status %q", u.ID, to)
	}
	if u.Status.Terminal() {
		return fmt.Errorf("upload %s: status %s is terminal", u.ID, u.Status)
	}
	if toRank < uploadStatusRank[u.Status] {
		return fmt.Errorf("upload %s: cannot move from %s to %s", u.ID, u.Status, to)
	}
	u.Status = to
	u.UpdatedAt = now.UTC()
	return nil
}
