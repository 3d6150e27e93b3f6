package jobdir

import (
	"crypto/sha1" //nolint:gosec // directory naming only
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const slotKeyFile = "slot.key"

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// slotDirName maps a slot key to a filesystem-safe directory name. Keys
// that need rewriting get a hash suffix so distinct keys never collide.
func slotDirName(slot string) string {
	safe := invalidFilenameChars.ReplaceAllString(slot, "_")
	if safe == slot && safe != "" && !strings.HasPrefix(safe, ".") && !isInfoName(safe) {
		return safe
	}
	sum := sha1.Sum([]byte(slot)) //nolint:gosec // see import
	return fmt.Sprintf("%s-%s", strings.TrimLeft(safe, "."), hex.EncodeToString(sum[:])[:12])
}

func isInfoName(name string) bool {
	return name == ActiveFile
}

// PriorityDir returns requests.queue/<slot>/<priority>, creating the slot
// directory and recording the original slot key inside it.
func (d *Dir) PriorityDir(slot string, priority int) (string, error) {
	slotDir := filepath.Join(d.QueueDir(), slotDirName(slot))
	if err := os.MkdirAll(slotDir, 0o750); err != nil {
		return "", fmt.Errorf("create slot dir: %w", err)
	}
	keyPath := filepath.Join(slotDir, slotKeyFile)
	if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(keyPath, []byte(slot), 0o600); err != nil {
			return "", fmt.Errorf("record slot key: %w", err)
		}
	}
	return filepath.Join(slotDir, strconv.Itoa(priority)), nil
}

// ScanActive rebuilds the {slot: priorities} map from the directory tree.
// It is the slow path used when active.json is missing.
func (d *Dir) ScanActive() (map[string][]int, error) {
	entries, err := os.ReadDir(d.QueueDir())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue dir: %w", err)
	}
	active := map[string][]int{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slotDir := filepath.Join(d.QueueDir(), e.Name())
		key, err := os.ReadFile(filepath.Join(slotDir, slotKeyFile))
		if err != nil {
			continue
		}
		prios, err := scanPriorities(slotDir)
		if err != nil {
			return nil, err
		}
		if len(prios) > 0 {
			active[string(key)] = prios
		}
	}
	return active, nil
}

func scanPriorities(slotDir string) ([]int, error) {
	entries, err := os.ReadDir(slotDir)
	if err != nil {
		return nil, fmt.Errorf("scan slot dir: %w", err)
	}
	var prios []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		prios = append(prios, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(prios)))
	return prios, nil
}
