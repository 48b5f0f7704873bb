package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Envelope is one message fanned out to every connection of a document
// except Source.
type Envelope struct {
	Source string `json:"source"`
	Msg    []byte `json:"msg"`
}

// Broker distributes envelopes between connections of the same document,
// possibly across relay instances.
type Broker interface {
	Publish(ctx context.Context, docID string, env Envelope) error
	// Subscribe delivers every envelope published for docID, including this
	// instance's own, until cancel is called.
	Subscribe(ctx context.Context, docID string, fn func(Envelope)) (cancel func(), err error)
	Close() error
}

// LocalBroker fans out within the process. Delivery is synchronous.
type LocalBroker struct {
	mu   sync.RWMutex
	subs map[string]map[int]func(Envelope)
	next int
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: map[string]map[int]func(Envelope){}}
}

func (b *LocalBroker) Publish(_ context.Context, docID string, env Envelope) error {
	b.mu.RLock()
	fns := make([]func(Envelope), 0, len(b.subs[docID]))
	for _, fn := range b.subs[docID] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, docID string, fn func(Envelope)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[docID] == nil {
		b.subs[docID] = map[int]func(Envelope){}
	}
	b.subs[docID][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[docID], id)
		if len(b.subs[docID]) == 0 {
			delete(b.subs, docID)
		}
	}, nil
}

func (b *LocalBroker) Close() error {
	return nil
}

const redisChannelPrefix = "relaydoc:"

// RedisBroker fans out through redis pub/sub, one channel per document.
type RedisBroker struct {
	client *redis.Client
	logger Logger
}

func NewRedisBroker(ctx context.Context, rawURL string, logger Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBroker{client: client, logger: logger}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, docID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannelPrefix+docID, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, docID string, fn func(Envelope)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, redisChannelPrefix+docID)
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				if b.logger != nil {
					b.logger.Printf("relay: dropping malformed broker message on %s: %v", msg.Channel, err)
				}
				continue
			}
			fn(env)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// BuildBroker returns a redis broker for redis:// and rediss:// URLs and
// the in-process broker otherwise.
func BuildBroker(ctx context.Context, rawURL string, logger Logger) (Broker, error) {
	rawURL = strings.TrimSpace(rawURL)
	switch {
	case rawURL == "", rawURL == "memory://":
		return NewLocalBroker(), nil
	case strings.HasPrefix(rawURL, "redis://"), strings.HasPrefix(rawURL, "rediss://"):
		return NewRedisBroker(ctx, rawURL, logger)
	default:
		return nil, fmt.Errorf("unsupported broker url: %s", rawURL)
	}
}
