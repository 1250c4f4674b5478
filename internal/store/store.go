// Package store persists conductor's four record collections as whole
// JSON documents under <dataDir>/data:
//
//	workspaces.json  tasks.json  sessions.json  settings.json
//
// Every save rewrites one document atomically (temp file, then rename) under
// an flock so a CLI reading the files never sees a partial write. A missing
// document loads as empty, or as nil settings.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/conductor/internal/model"
)

// Document file names.
const (
	WorkspacesFile = "workspaces.json"
	TasksFile      = "tasks.json"
	SessionsFile   = "sessions.json"
	SettingsFile   = "settings.json"
)

// Snapshot is everything loaded at startup.
type Snapshot struct {
	Workspaces []model.Workspace
	Tasks      []model.Task
	Sessions   []model.Session
	// Settings is nil when settings.json does not exist.
	Settings *model.Settings
}

// FileStore reads and writes the snapshot documents.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at <dataDir>/data.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dir: filepath.Join(dataDir, "data")}
}

// Dir returns the directory holding the documents.
func (s *FileStore) Dir() string {
	return s.dir
}

// Load reads all four documents.
func (s *FileStore) Load() (Snapshot, error) {
	fl := s.lock()
	if err := fl.Lock(); err != nil {
		return Snapshot{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	var snap Snapshot
	if _, err := s.read(WorkspacesFile, &snap.Workspaces); err != nil {
		return Snapshot{}, err
	}
	if _, err := s.read(TasksFile, &snap.Tasks); err != nil {
		return Snapshot{}, err
	}
	if _, err := s.read(SessionsFile, &snap.Sessions); err != nil {
		return Snapshot{}, err
	}

	var settings model.Settings
	found, err := s.read(SettingsFile, &settings)
	if err != nil {
		return Snapshot{}, err
	}
	if found {
		snap.Settings = &settings
	}

	return snap, nil
}

// SaveWorkspaces overwrites workspaces.json.
func (s *FileStore) SaveWorkspaces(workspaces []model.Workspace) error {
	return s.write(WorkspacesFile, nonNil(workspaces))
}

// SaveTasks overwrites tasks.json.
func (s *FileStore) SaveTasks(tasks []model.Task) error {
	return s.write(TasksFile, nonNil(tasks))
}

// SaveSessions overwrites sessions.json.
func (s *FileStore) SaveSessions(sessions []model.Session) error {
	return s.write(SessionsFile, nonNil(sessions))
}

// SaveSettings overwrites settings.json.
func (s *FileStore) SaveSettings(settings model.Settings) error {
	return s.write(SettingsFile, settings)
}

func (s *FileStore) lock() *FileLock {
	return NewFileLock(filepath.Join(s.dir, writeLockFileName))
}

// read decodes name into dst. It reports false without error when the
// document does not exist.
func (s *FileStore) read(name string, dst any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

// write marshals v and atomically replaces name with it.
func (s *FileStore) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	fl := s.lock()
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	target := filepath.Join(s.dir, name)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// nonNil makes empty collections encode as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
