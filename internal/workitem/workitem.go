package workitem

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SchemaVersion is the current work item payload schema.
const SchemaVersion = 1

// MaxPayloadBytes bounds an encoded work item. Large datasets travel through
// the blob store; the queue carries only the handoff record.
const MaxPayloadBytes = 256 << 10

var (
	ErrInvalidItem   = errors.New("workitem: invalid item")
	ErrUnknownSchema = errors.New("workitem: unknown schema version")
)

// Item is the queue representation of one prediction job. The prediction row
// in the metadata store is the idempotency anchor; the item only carries
// enough to locate it and the dataset bytes.
type Item struct {
	PredictionID  string `json:"prediction_id"`
	UploadID      int64  `json:"upload_id"`
	Tenant        string `json:"tenant"`
	BlobKey       string `json:"blob_key"`
	SchemaVersion int    `json:"schema_version"`
}

func (it Item) Validate() error {
	if _, err := uuid.Parse(it.PredictionID); err != nil {
		return fmt.Errorf("%w: prediction_id %q is not a UUID", ErrInvalidItem, it.PredictionID)
	}
	if it.UploadID <= 0 {
		return fmt.Errorf("%w: upload_id must be positive", ErrInvalidItem)
	}
	if strings.TrimSpace(it.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidItem)
	}
	if strings.TrimSpace(it.BlobKey) == "" {
		return fmt.Errorf("%w: blob_key is required", ErrInvalidItem)
	}
	if it.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d want %d", ErrUnknownSchema, it.SchemaVersion, SchemaVersion)
	}
	return nil
}

func Encode(it Item) ([]byte, error) {
	if err := it.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("workitem: encode: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrInvalidItem, len(payload), MaxPayloadBytes)
	}
	return payload, nil
}

// Decode parses and validates a queue payload. Unknown fields are ignored so
// newer producers can add fields without breaking older workers; an unknown
// schema_version is rejected.
func Decode(payload []byte) (Item, error) {
	if len(payload) == 0 {
		return Item{}, fmt.Errorf("%w: empty payload", ErrInvalidItem)
	}
	if len(payload) > MaxPayloadBytes {
		return Item{}, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrInvalidItem, len(payload), MaxPayloadBytes)
	}
	var it Item
	if err := json.Unmarshal(payload, &it); err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	return it, nil
}
