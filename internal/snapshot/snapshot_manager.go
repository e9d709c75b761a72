package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the last terminal JobResult to a JSON result file
// 2. Atomic write (temp file + rename) so a reader never sees a torn file
// 3. Verify the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("result file is corrupted")
	ErrIncompatibleVersion = errors.New("result file schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("result file not found")
)

// SchemaVersion is the current result file layout.
const SchemaVersion = 1

// ============================================================================
// Data Structures
// ============================================================================

// File is the on-disk layout.
type File struct {
	SchemaVer int             `json:"schema_ver"`
	WrittenAt time.Time       `json:"written_at"`
	Result    types.JobResult `json:"result"`
}

// Manager reads and writes one result file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// ============================================================================
// Core Methods
// ============================================================================

// NewManager creates a manager for the file at path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write atomically replaces the result file with result.
func (m *Manager) Write(result types.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file := File{
		SchemaVer: SchemaVersion,
		WrittenAt: time.Now().UTC(),
		Result:    result,
	}

	// Indented for humans reading the file.
	jsonBytes, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp result file: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename result file: %w", err)
	}
	return nil
}

// Load reads the result file.
//
// Errors:
//   - ErrSnapshotNotFound: no job has written a result yet
//   - ErrCorruptedSnapshot: the file is not valid JSON
//   - ErrIncompatibleVersion: written by another schema version
func (m *Manager) Load() (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var file File

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return file, fmt.Errorf("failed to read result file: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &file); err != nil {
		return file, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if file.SchemaVer != SchemaVersion {
		return file, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, file.SchemaVer, SchemaVersion)
	}
	return file, nil
}

// Exists reports whether the result file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the result file path.
func (m *Manager) GetPath() string {
	return m.path
}
