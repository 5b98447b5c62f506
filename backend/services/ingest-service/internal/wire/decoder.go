package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"fieldtelemetry/backend/services/ingest-service/internal/models"
)

// JSONRowDecoder decodes bulk uploads: a JSON array of records, a single
// record object, or newline-delimited records.
type JSONRowDecoder struct{}

// Decode implements the row decoder used by the bulk upload endpoint.
func (JSONRowDecoder) Decode(data []byte) ([]models.RawRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var rows []models.RawRecord
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode rows: %w", err)
		}
		return rows, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var rows []models.RawRecord
	for dec.More() {
		var row models.RawRecord
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
