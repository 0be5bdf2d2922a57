package records

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encode serialises a record into the JSON envelope exchanged between peers.
func Encode(rec Record) ([]byte, error) {
	if err := ValidatePath(rec.Path); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Path, err)
	}
	return payload, nil
}

// Decode parses a JSON envelope produced by Encode.
func Decode(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := ValidatePath(rec.Path); err != nil {
		return Record{}, err
	}
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	return rec, nil
}

// CheckSize rejects payloads larger than limit. A non-positive limit applies
// DefaultMaxPayloadBytes.
func CheckSize(payload []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	if len(payload) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), limit)
	}
	return nil
}

// ValidatePath checks that a record path is absolute and free of MQTT wildcards.
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") || len(path) < 2 {
		return fmt.Errorf("records: invalid path %q", path)
	}
	if strings.ContainsAny(path, "#+") {
		return fmt.Errorf("records: path %q contains wildcard characters", path)
	}
	return nil
}
