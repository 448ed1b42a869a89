package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileJournal persists the whole journal as one JSON document, rewritten
// atomically after every change. Readers see either the previous or the new
// document, never a partial write.
type FileJournal struct {
	*MemoryJournal
	path string
}

// OpenFileJournal loads path if it exists and returns a journal that writes
// back to it.
func OpenFileJournal(path string) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	mem := NewMemoryJournal()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	default:
		st := newState()
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", path, err)
		}
		if st.Rounds == nil {
			st.Rounds = make(map[string]RoundCheckpoint)
		}
		if st.Settlements == nil {
			st.Settlements = make(map[string]SettlementRecord)
		}
		if st.Pending == nil {
			st.Pending = make(map[string]PendingCredit)
		}
		mem.st = st
	}

	fj := &FileJournal{MemoryJournal: mem, path: path}
	mem.persist = fj.write
	return fj, nil
}

func (j *FileJournal) write(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	return writeFileAtomic(j.path, data, 0o644)
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over filename. The rename is atomic on POSIX filesystems.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp.*")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("journal: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("journal: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, filename); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: rename: %w", err)
	}
	return nil
}
