package cache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type failingBackend struct {
	*MemoryBackend
	failSave bool
}

func (b *failingBackend) Save(ctx context.Context, record *Record) error {
	if b.failSave {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Save(ctx, record)
}

func TestCacheOpenCreatesRecordOnFirstOpen(t *testing.T) {
	backend := NewMemoryBackend()
	c := New(backend, Options{})
	rec, err := c.Open(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if rec.DocID != "doc-1" || rec.SnapshotVersion != 0 || len(rec.UnsyncedDeltas) != 0 {
		t.Fatalf("unexpected fresh record: %+v", rec)
	}
	stored, _ := backend.Load(context.Background(), "doc-1")
	if stored == nil {
		t.Fatalf("expected record to be persisted on first open")
	}
	if _, err := c.Open(context.Background(), "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
}

func TestCacheDeltasAreOrderedAndClearedByCount(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	backend := NewMemoryBackend()
	c := New(backend, Options{Now: func() time.Time { return now }})
	if _, err := c.Open(ctx, "doc"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for _, d := range []string{"a", "b", "c"} {
		if err := c.AppendDelta(ctx, "doc", []byte(d)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	_ = c.AppendDelta(ctx, "doc", nil)
	pending := c.Pending("doc")
	if len(pending) != 3 || string(pending[0]) != "a" || string(pending[2]) != "c" {
		t.Fatalf("expected ordered deltas a,b,c, got %q", pending)
	}
	if err := c.ClearDeltas(ctx, "doc", 2); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	pending = c.Pending("doc")
	if len(pending) != 1 || string(pending[0]) != "c" {
		t.Fatalf("expected only c to remain, got %q", pending)
	}
	stored, _ := backend.Load(ctx, "doc")
	if !stored.LastSyncedAt.Equal(now) {
		t.Fatalf("expected lastSyncedAt %v, got %v", now, stored.LastSyncedAt)
	}
	if len(stored.UnsyncedDeltas) != 1 {
		t.Fatalf("expected backend to hold one delta, got %d", len(stored.UnsyncedDeltas))
	}
}

func TestCacheSnapshotVersionIncrements(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBackend(), Options{})
	_, _ = c.Open(ctx, "doc")
	v1, err := c.SaveSnapshot(ctx, "doc", []byte("one"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	v2, _ := c.SaveSnapshot(ctx, "doc", []byte("two"))
	if v1 != 1 || v2 != 2 {
		t.Fatalf("expected versions 1 and 2, got %d and %d", v1, v2)
	}
	c.Release("doc")
	rec, _ := c.Open(ctx, "doc")
	if !bytes.Equal(rec.Snapshot, []byte("two")) || rec.SnapshotVersion != 2 {
		t.Fatalf("expected reopened snapshot two@2, got %q@%d", rec.Snapshot, rec.SnapshotVersion)
	}
}

func TestCacheFailedSaveLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	c := New(backend, Options{})
	_, _ = c.Open(ctx, "doc")
	_ = c.AppendDelta(ctx, "doc", []byte("kept"))
	backend.failSave = true
	if err := c.AppendDelta(ctx, "doc", []byte("lost")); err == nil {
		t.Fatalf("expected append to fail")
	}
	if err := c.ClearDeltas(ctx, "doc", 1); err == nil {
		t.Fatalf("expected clear to fail")
	}
	pending := c.Pending("doc")
	if len(pending) != 1 || string(pending[0]) != "kept" {
		t.Fatalf("expected in-memory state to match backend, got %q", pending)
	}
}

func TestCacheUnknownDocumentIsNotFound(t *testing.T) {
	c := New(NewMemoryBackend(), Options{})
	if err := c.AppendDelta(context.Background(), "missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackendRoundTripAndLock(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cache")
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	if _, err := NewFileBackend(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected second open to be locked out, got %v", err)
	}
	rec := &Record{DocID: "team/notes", SnapshotVersion: 3, Snapshot: []byte{1, 2, 3}, UnsyncedDeltas: [][]byte{{9}}}
	if err := backend.Save(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	ids, err := backend.List(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "team/notes" {
		t.Fatalf("expected [team/notes], got %v (%v)", ids, err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	loaded, err := reopened.Load(ctx, "team/notes")
	if err != nil || loaded == nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.SnapshotVersion != 3 || !bytes.Equal(loaded.Snapshot, []byte{1, 2, 3}) || len(loaded.UnsyncedDeltas) != 1 {
		t.Fatalf("unexpected loaded record: %+v", loaded)
	}
	if err := reopened.Delete(ctx, "team/notes"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if missing, _ := reopened.Load(ctx, "team/notes"); missing != nil {
		t.Fatalf("expected record to be gone, got %+v", missing)
	}
}

func TestBoltBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewBoltBackend(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new bolt backend failed: %v", err)
	}
	defer backend.Close()
	c := New(backend, Options{})
	if _, err := c.Open(ctx, "doc"); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = c.AppendDelta(ctx, "doc", []byte("d1"))
	if _, err := c.SaveSnapshot(ctx, "doc", []byte("snap")); err != nil {
		t.Fatalf("save snapshot failed: %v", err)
	}
	loaded, err := backend.Load(ctx, "doc")
	if err != nil || loaded == nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(loaded.Snapshot) != "snap" || len(loaded.UnsyncedDeltas) != 1 {
		t.Fatalf("unexpected bolt record: %+v", loaded)
	}
	ids, _ := backend.List(ctx)
	if len(ids) != 1 || ids[0] != "doc" {
		t.Fatalf("expected [doc], got %v", ids)
	}
}
