package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	fileRecordSuffix = ".json"
	fileLockName     = ".lock"
)

// FileBackend keeps one JSON file per document under Dir. The directory is
// held with an exclusive flock for the backend's lifetime so two processes
// never write the same records.
type FileBackend struct {
	Dir string

	mu   sync.Mutex
	lock *os.File
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: file cache requires a directory", ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := os.OpenFile(filepath.Join(dir, fileLockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, err
	}
	return &FileBackend{Dir: dir, lock: lock}, nil
}

func (b *FileBackend) Load(_ context.Context, docID string) (*Record, error) {
	data, err := os.ReadFile(b.recordPath(docID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cache record %s: %w", docID, err)
	}
	return &rec, nil
}

func (b *FileBackend) Save(_ context.Context, record *Record) error {
	if record == nil || record.DocID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return fmt.Errorf("file cache %s is closed", b.Dir)
	}
	return writeFileAtomic(b.recordPath(record.DocID), data, 0o644)
}

func (b *FileBackend) Delete(_ context.Context, docID string) error {
	err := os.Remove(b.recordPath(docID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileRecordSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileRecordSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return nil
	}
	_ = unix.Flock(int(b.lock.Fd()), unix.LOCK_UN)
	err := b.lock.Close()
	b.lock = nil
	return err
}

func (b *FileBackend) recordPath(docID string) string {
	return filepath.Join(b.Dir, url.PathEscape(docID)+fileRecordSuffix)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
