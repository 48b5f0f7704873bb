package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// UpdateLog is the relay's append-only record of every update a document has
// received. The relay never merges updates; it replays the log verbatim.
type UpdateLog interface {
	Append(ctx context.Context, docID string, delta []byte) error
	Load(ctx context.Context, docID string) ([][]byte, time.Time, error)
	Close() error
}

type MemoryLog struct {
	mu      sync.Mutex
	docs    map[string][][]byte
	updated map[string]time.Time
	now     func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		docs:    map[string][][]byte{},
		updated: map[string]time.Time{},
		now:     time.Now,
	}
}

func (l *MemoryLog) Append(_ context.Context, docID string, delta []byte) error {
	if strings.TrimSpace(docID) == "" || len(delta) == 0 {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.docs[docID] = append(l.docs[docID], append([]byte(nil), delta...))
	l.updated[docID] = l.now().UTC()
	return nil
}

func (l *MemoryLog) Load(_ context.Context, docID string) ([][]byte, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.docs[docID]
	out := make([][]byte, len(entries))
	for i, delta := range entries {
		out[i] = append([]byte(nil), delta...)
	}
	return out, l.updated[docID], nil
}

func (l *MemoryLog) Close() error {
	return nil
}

// FileLog keeps one JSON file per document under Dir.
type FileLog struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

type fileLogState struct {
	Updates   [][]byte  `json:"updates"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewFileLog(dir string) (*FileLog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileLog{dir: dir, now: time.Now}, nil
}

func (l *FileLog) Append(_ context.Context, docID string, delta []byte) error {
	if strings.TrimSpace(docID) == "" || len(delta) == 0 {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readLocked(docID)
	if err != nil {
		return err
	}
	state.Updates = append(state.Updates, append([]byte(nil), delta...))
	state.UpdatedAt = l.now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	path := l.path(docID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *FileLog) Load(_ context.Context, docID string) ([][]byte, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.readLocked(docID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return state.Updates, state.UpdatedAt, nil
}

func (l *FileLog) Close() error {
	return nil
}

func (l *FileLog) path(docID string) string {
	return filepath.Join(l.dir, url.PathEscape(docID)+".json")
}

func (l *FileLog) readLocked(docID string) (fileLogState, error) {
	var state fileLogState
	data, err := os.ReadFile(l.path(docID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	return state, nil
}

// BuildUpdateLogFromDSN picks a log backend by DSN scheme. An empty DSN
// selects the in-memory log.
func BuildUpdateLogFromDSN(ctx context.Context, dsn string) (UpdateLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLog(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLog(path)
	case "memory", "mem", "inmem":
		return NewMemoryLog(), nil
	case "postgres", "postgresql":
		return NewPostgresLog(ctx, dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: update log backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported update log scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
