package cache

import (
	"context"
	"sort"
	"sync"
)

type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[string]*Record{}}
}

func (b *MemoryBackend) Load(_ context.Context, docID string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[docID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (b *MemoryBackend) Save(_ context.Context, record *Record) error {
	if record == nil || record.DocID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[record.DocID] = record.Clone()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, docID)
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
