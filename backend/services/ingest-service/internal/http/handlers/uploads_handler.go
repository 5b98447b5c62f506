package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fieldtelemetry/backend/libs/codec"
	"fieldtelemetry/backend/services/ingest-service/internal/commit"
	"fieldtelemetry/backend/services/ingest-service/internal/models"
	"fieldtelemetry/backend/services/ingest-service/internal/repository"
)

// maxUploadBytes bounds the request body of a bulk upload.
const maxUploadBytes = 32 << 20

// RowDecoder turns an upload body into raw records.
type RowDecoder interface {
	Decode(data []byte) ([]models.RawRecord, error)
}

// BatchCommitter stores raw batches.
type BatchCommitter interface {
	Commit(ctx context.Context, deviceID, source string, raw []models.RawRecord) (commit.Result, error)
}

// UploadReader reads upload bookkeeping.
type UploadReader interface {
	Get(ctx context.Context, id string) (*models.UploadRecord, error)
}

// NewUploadHandler handles POST /api/v1/devices/{deviceID}/uploads. The body
// may be compressed with gzip, zstd or lz4 as named by Content-Encoding.
func NewUploadHandler(decoder RowDecoder, committer BatchCommitter, auth DeviceAuthorizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.PathValue("deviceID")
		if !authorize(w, r, auth, deviceID) {
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "upload body too large")
			return
		}
		if enc := strings.TrimSpace(r.Header.Get("Content-Encoding")); enc != "" && enc != "identity" {
			compression, err := codec.ParseCompression(enc)
			if err != nil {
				writeError(w, http.StatusUnsupportedMediaType, "unsupported content encoding")
				return
			}
			body, err = codec.Decompress(body, compression, codec.DefaultMaxDecompressedSize)
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to decompress body")
				return
			}
		}

		rows, err := decoder.Decode(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(rows) == 0 {
			writeError(w, http.StatusBadRequest, "upload contains no records")
			return
		}

		res, err := committer.Commit(r.Context(), deviceID, models.SourceUpload, rows)
		if err != nil {
			var cerr *commit.CommitError
			if errors.As(err, &cerr) {
				logger.Error("upload commit failed", zap.String("device_id", deviceID), zap.String("upload_id", cerr.UploadID), zap.Error(err))
				writeJSON(w, http.StatusBadGateway, map[string]string{
					"status":   "error",
					"uploadId": cerr.UploadID,
					"error":    "failed to store upload",
				})
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to store upload")
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// NewUploadStatusHandler handles GET /api/v1/uploads/{uploadID}.
func NewUploadStatusHandler(uploads UploadReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		upload, err := uploads.Get(r.Context(), r.PathValue("uploadID"))
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to fetch upload")
			return
		}
		writeJSON(w, http.StatusOK, upload)
	}
}
