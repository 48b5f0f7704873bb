package relay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemoryLogKeepsAppendOrder(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	for _, delta := range []string{"a", "b", "c"} {
		if err := log.Append(ctx, "doc", []byte(delta)); err != nil {
			t.Fatalf("append %s: %v", delta, err)
		}
	}
	updates, updatedAt, err := log.Load(ctx, "doc")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(updates) != 3 || string(updates[0]) != "a" || string(updates[2]) != "c" {
		t.Fatalf("unexpected updates %q", updates)
	}
	if updatedAt.IsZero() {
		t.Fatalf("expected updatedAt to be set")
	}
	updates[0][0] = 'x'
	again, _, _ := log.Load(ctx, "doc")
	if string(again[0]) != "a" {
		t.Fatalf("expected load to return copies")
	}
	if err := log.Append(ctx, "doc", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty delta, got %v", err)
	}
	empty, _, _ := log.Load(ctx, "missing")
	if len(empty) != 0 {
		t.Fatalf("expected empty log for unknown document, got %d", len(empty))
	}
}

func TestFileLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "log")
	first, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("new file log: %v", err)
	}
	_ = first.Append(ctx, "team/notes", []byte("u1"))
	_ = first.Append(ctx, "team/notes", []byte("u2"))

	second, err := NewFileLog(dir)
	if err != nil {
		t.Fatalf("reopen file log: %v", err)
	}
	updates, updatedAt, err := second.Load(ctx, "team/notes")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(updates) != 2 || string(updates[1]) != "u2" || updatedAt.IsZero() {
		t.Fatalf("unexpected reopened log %q at %s", updates, updatedAt)
	}
}

func TestBuildUpdateLogFromDSN(t *testing.T) {
	ctx := context.Background()
	if log, err := BuildUpdateLogFromDSN(ctx, ""); err != nil {
		t.Fatalf("empty dsn: %v", err)
	} else if _, ok := log.(*MemoryLog); !ok {
		t.Fatalf("expected memory log for empty dsn, got %T", log)
	}
	if log, err := BuildUpdateLogFromDSN(ctx, "memory://"); err != nil {
		t.Fatalf("memory dsn: %v", err)
	} else if _, ok := log.(*MemoryLog); !ok {
		t.Fatalf("expected memory log, got %T", log)
	}
	dir := t.TempDir()
	if log, err := BuildUpdateLogFromDSN(ctx, "file://"+dir); err != nil {
		t.Fatalf("file dsn: %v", err)
	} else if _, ok := log.(*FileLog); !ok {
		t.Fatalf("expected file log, got %T", log)
	}
	if _, err := BuildUpdateLogFromDSN(ctx, "mysql://db/relay"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := BuildUpdateLogFromDSN(ctx, "gopher://x"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestLocalBrokerDeliversUntilCancelled(t *testing.T) {
	ctx := context.Background()
	broker := NewLocalBroker()
	var got []string
	cancel, err := broker.Subscribe(ctx, "doc", func(env Envelope) {
		got = append(got, env.Source+":"+string(env.Msg))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = broker.Publish(ctx, "doc", Envelope{Source: "c1", Msg: []byte("m1")})
	_ = broker.Publish(ctx, "other", Envelope{Source: "c1", Msg: []byte("m2")})
	cancel()
	_ = broker.Publish(ctx, "doc", Envelope{Source: "c1", Msg: []byte("m3")})
	if len(got) != 1 || got[0] != "c1:m1" {
		t.Fatalf("expected only m1, got %v", got)
	}
}

func TestBuildBroker(t *testing.T) {
	ctx := context.Background()
	if b, err := BuildBroker(ctx, "", nil); err != nil {
		t.Fatalf("empty url: %v", err)
	} else if _, ok := b.(*LocalBroker); !ok {
		t.Fatalf("expected local broker, got %T", b)
	}
	if _, err := BuildBroker(ctx, "amqp://queue", nil); err == nil {
		t.Fatalf("expected unsupported broker error")
	}
}
