package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ChuLiYu/bulk-analysis/internal/batch"
	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// loadRecords reads a JSON array of objects and turns each object into a
// WorkUnit. idField names the property holding the record identifier; the
// whole object is the payload.
func loadRecords(path, idField string) ([]types.WorkUnit[json.RawMessage], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records file: %w", err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records file: %w", err)
	}

	var parseErr error
	units, err := batch.Units(records, func(i int, raw json.RawMessage) string {
		id, err := recordID(raw, idField)
		if err != nil {
			if parseErr == nil {
				parseErr = fmt.Errorf("record %d is not an object: %w", i, err)
			}
			return fmt.Sprintf("#%d", i)
		}
		return id
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if err != nil {
		return nil, err
	}
	return units, nil
}

// recordID returns the identifier property of one record. Numbers keep their
// literal text; a missing or null property yields "".
func recordID(raw json.RawMessage, idField string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	v, ok := fields[idField]
	if !ok {
		return "", nil
	}

	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var id any
	if err := dec.Decode(&id); err != nil {
		return "", err
	}
	switch id := id.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return string(v), nil
	}
}
