package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Persisted is the on-disk subset of the state. Actuators are not persisted:
// a restart always begins from the safe defaults.
type Persisted struct {
	Targets        TargetSetpoints `json:"targets"`
	Mode           Mode            `json:"mode"`
	PlantCondition string          `json:"plant_condition"`
}

// Persister loads and saves the durable part of the state.
type Persister interface {
	Load() (Persisted, error)
	Save(Persisted) error
}

// FilePersister keeps the state in a small JSON file.
type FilePersister struct {
	path string
}

// NewFilePersister returns a persister backed by path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the backing file path.
func (f *FilePersister) Path() string {
	return f.path
}

// Load reads and validates the state file.
func (f *FilePersister) Load() (Persisted, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Persisted{}, fmt.Errorf("read state: %w", err)
	}
	var p Persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return Persisted{}, fmt.Errorf("decode state: %w", err)
	}
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return Persisted{}, fmt.Errorf("decode state: %w", err)
	}
	return p, nil
}

// Save writes the state atomically via a temp file and rename.
func (f *FilePersister) Save(p Persisted) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
