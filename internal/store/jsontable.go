package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JSONTable is the degraded-mode persistence surface: one JSON file holding
// an array of rows. Filtering happens in the consumer; this layer only
// loads, appends, and replaces.
type JSONTable struct {
	path string
	mu   sync.Mutex
}

// Load unmarshals all rows into dest (a pointer to a slice). A missing
// file yields an empty slice.
func (t *JSONTable) Load(dest interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

// Append adds one row.
func (t *JSONTable) Append(row interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rows []json.RawMessage
	data, err := os.ReadFile(t.path)
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &rows); err != nil {
			rows = nil // corrupt file starts over rather than failing writes
		}
	}

	encoded, err := json.Marshal(row)
	if err != nil {
		return err
	}
	rows = append(rows, encoded)
	return t.writeLocked(rows)
}

// Replace swaps the whole table for rows (a slice).
func (t *JSONTable) Replace(rows interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return t.writeLocked(raw)
}

func (t *JSONTable) writeLocked(rows []json.RawMessage) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".table-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, t.path)
}
