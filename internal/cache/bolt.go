package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltDocumentsBucket = []byte("documents")

// BoltBackend stores records in a single bbolt file, one key per document.
type BoltBackend struct {
	db *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: bolt cache requires a path", ErrInvalidInput)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltDocumentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Load(_ context.Context, docID string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltDocumentsBucket).Get([]byte(docID))
		if raw == nil {
			return nil
		}
		var decoded Record
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("decode cache record %s: %w", docID, err)
		}
		rec = &decoded
		return nil
	})
	return rec, err
}

func (b *BoltBackend) Save(_ context.Context, record *Record) error {
	if record == nil || record.DocID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDocumentsBucket).Put([]byte(record.DocID), data)
	})
}

func (b *BoltBackend) Delete(_ context.Context, docID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDocumentsBucket).Delete([]byte(docID))
	})
}

func (b *BoltBackend) List(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltDocumentsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
