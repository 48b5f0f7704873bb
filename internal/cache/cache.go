package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrLocked         = errors.New("cache locked by another process")
)

// Record is the durable per-document state. UnsyncedDeltas is an ordered,
// append-only log of local deltas the server has not yet received.
type Record struct {
	DocID           string    `json:"docId"`
	SnapshotVersion int64     `json:"snapshotVersion"`
	Snapshot        []byte    `json:"snapshot,omitempty"`
	UnsyncedDeltas  [][]byte  `json:"unsyncedDeltas"`
	LastSyncedAt    time.Time `json:"lastSyncedAt,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Snapshot = append([]byte(nil), r.Snapshot...)
	out.UnsyncedDeltas = make([][]byte, len(r.UnsyncedDeltas))
	for i, delta := range r.UnsyncedDeltas {
		out.UnsyncedDeltas[i] = append([]byte(nil), delta...)
	}
	return &out
}

// Backend stores whole records keyed by document id. Load returns nil, nil
// for an unknown document.
type Backend interface {
	Load(ctx context.Context, docID string) (*Record, error)
	Save(ctx context.Context, record *Record) error
	Delete(ctx context.Context, docID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Cache layers per-document record operations over a Backend. Only the
// session owning a document id may write its record.
type Cache struct {
	backend Backend
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

type Options struct {
	Now func() time.Time
}

func New(backend Backend, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		backend: backend,
		now:     opts.Now,
		records: map[string]*Record{},
	}
}

// Open loads the record for docID, creating it on first open.
func (c *Cache) Open(ctx context.Context, docID string) (*Record, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return nil, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[docID]; ok {
		return rec.Clone(), nil
	}
	rec, err := c.backend.Load(ctx, docID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{DocID: docID, UnsyncedDeltas: [][]byte{}, UpdatedAt: c.now().UTC()}
		if err := c.backend.Save(ctx, rec); err != nil {
			return nil, err
		}
	}
	if rec.UnsyncedDeltas == nil {
		rec.UnsyncedDeltas = [][]byte{}
	}
	c.records[docID] = rec
	return rec.Clone(), nil
}

// SaveSnapshot stores the merged replica state and returns the new version.
func (c *Cache) SaveSnapshot(ctx context.Context, docID string, snapshot []byte) (int64, error) {
	var version int64
	err := c.update(ctx, docID, func(rec *Record) {
		rec.Snapshot = append([]byte(nil), snapshot...)
		rec.SnapshotVersion++
		version = rec.SnapshotVersion
	})
	return version, err
}

func (c *Cache) AppendDelta(ctx context.Context, docID string, delta []byte) error {
	if len(delta) == 0 {
		return nil
	}
	return c.update(ctx, docID, func(rec *Record) {
		rec.UnsyncedDeltas = append(rec.UnsyncedDeltas, append([]byte(nil), delta...))
	})
}

// Pending returns the unsynced deltas in append order.
func (c *Cache) Pending(docID string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[docID]
	if !ok {
		return nil
	}
	return rec.Clone().UnsyncedDeltas
}

// ClearDeltas drops the first n unsynced deltas and stamps LastSyncedAt.
// Deltas appended after a flush began stay queued.
func (c *Cache) ClearDeltas(ctx context.Context, docID string, n int) error {
	return c.update(ctx, docID, func(rec *Record) {
		if n > len(rec.UnsyncedDeltas) {
			n = len(rec.UnsyncedDeltas)
		}
		if n > 0 {
			rec.UnsyncedDeltas = append([][]byte{}, rec.UnsyncedDeltas[n:]...)
		}
		rec.LastSyncedAt = c.now().UTC()
	})
}

func (c *Cache) Delete(ctx context.Context, docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Delete(ctx, docID); err != nil {
		return err
	}
	delete(c.records, docID)
	return nil
}

func (c *Cache) List(ctx context.Context) ([]string, error) {
	return c.backend.List(ctx)
}

// Release drops the in-memory copy held for docID.
func (c *Cache) Release(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, docID)
}

func (c *Cache) Close() error {
	c.mu.Lock()
	c.records = map[string]*Record{}
	c.mu.Unlock()
	return c.backend.Close()
}

// update applies fn to a copy of the record and persists it; the in-memory
// copy only changes once the backend write succeeded.
func (c *Cache) update(ctx context.Context, docID string, fn func(rec *Record)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.records[docID]
	if !ok {
		return ErrNotFound
	}
	next := current.Clone()
	fn(next)
	next.UpdatedAt = c.now().UTC()
	if err := c.backend.Save(ctx, next); err != nil {
		return err
	}
	c.records[docID] = next
	return nil
}
