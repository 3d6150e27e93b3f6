// Package jobdir manages the per-run persistence directory: the durable
// request queue, the fingerprint log and the spider state blob.
package jobdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Layout names inside a job directory.
const (
	QueueDirName  = "requests.queue"
	SeenFileName  = "requests.seen"
	StateFileName = "spider.state"
	ActiveFile    = "active.json"
)

// Dir is a validated job directory.
type Dir struct {
	path string
}

// Open validates path, creating it when missing, and checks that it is
// writable.
func Open(path string) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("job directory is required")
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(path, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create job directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat job directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("job directory %s is not a directory", path)
	}

	probe := filepath.Join(path, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("job directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up writability probe: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the root of the job directory.
func (d *Dir) Path() string { return d.path }

// QueueDir is where the durable request queue lives.
func (d *Dir) QueueDir() string { return filepath.Join(d.path, QueueDirName) }

// SeenFile is the append-only fingerprint log.
func (d *Dir) SeenFile() string { return filepath.Join(d.path, SeenFileName) }

// StateFile holds the spider state blob.
func (d *Dir) StateFile() string { return filepath.Join(d.path, StateFileName) }

// LoadState reads spider.state. A missing file yields an empty map.
func (d *Dir) LoadState() (map[string]any, error) {
	data, err := os.ReadFile(d.StateFile())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spider state: %w", err)
	}
	state := map[string]any{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode spider state: %w", err)
	}
	return state, nil
}

// SaveState writes spider.state atomically.
func (d *Dir) SaveState(state map[string]any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode spider state: %w", err)
	}
	return writeAtomic(d.StateFile(), data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadActive reads requests.queue/active.json. ok is false when the file
// is missing, which callers treat as "scan the queue directory".
func (d *Dir) LoadActive() (active map[string][]int, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(d.QueueDir(), ActiveFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read queue metadata: %w", err)
	}
	active = map[string][]int{}
	if err := json.Unmarshal(data, &active); err != nil {
		return nil, false, fmt.Errorf("decode queue metadata: %w", err)
	}
	return active, true, nil
}

// SaveActive writes requests.queue/active.json.
func (d *Dir) SaveActive(active map[string][]int) error {
	if err := os.MkdirAll(d.QueueDir(), 0o750); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	data, err := json.Marshal(active)
	if err != nil {
		return fmt.Errorf("encode queue metadata: %w", err)
	}
	return writeAtomic(filepath.Join(d.QueueDir(), ActiveFile), data)
}

// RemoveActive deletes active.json so a crash before the next clean
// shutdown falls back to a directory scan.
func (d *Dir) RemoveActive() error {
	err := os.Remove(filepath.Join(d.QueueDir(), ActiveFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove queue metadata: %w", err)
	}
	return nil
}
