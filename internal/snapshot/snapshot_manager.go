package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize runtime statistics to a JSON snapshot file
// 2. Write atomically (temp file + rename) so readers never see a torn file
// 3. Validate the schema version when loading
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion is the current snapshot layout.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// Data
// ============================================================================

// Data is one statistics sample.
type Data struct {
	SchemaVer int        `json:"schema_ver"`
	Instance  string     `json:"instance"`
	TakenAt   time.Time  `json:"taken_at"`
	Ready     bool       `json:"ready"`
	Uptime    string     `json:"uptime"`
	Reactors  []Reactor  `json:"reactors"`
	Modules   []Module   `json:"modules"`
	Workers   WorkerPool `json:"workers"`
}

// Reactor describes one event loop.
type Reactor struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
	Modules   int    `json:"modules"`
	Watchdog  string `json:"watchdog"`
}

// Module describes one loaded module.
type Module struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Queued    int    `json:"queued"`
	Waiting   string `json:"waiting,omitempty"`
	Reactor   string `json:"reactor"`
	Error     string `json:"error,omitempty"`
}

// WorkerPool describes the blocking pool.
type WorkerPool struct {
	Workers   int    `json:"workers"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// ============================================================================
// Manager
// ============================================================================

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write replaces the snapshot atomically.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is ErrSnapshotNotFound.
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, ErrSnapshotNotFound
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Exists reports whether the snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot path.
func (m *Manager) GetPath() string {
	return m.path
}
