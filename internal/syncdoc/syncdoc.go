// Package syncdoc coordinates one document replica's network lifecycle:
// handshake, update relay, presence, offline buffering and reconnection.
//
// All reactions for one document run on a single goroutine. Replica and
// presence observers, channel callbacks and timers only post events to a
// mailbox; they never touch coordinator state directly.
package syncdoc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/auth"
	"github.com/agentworkforce/relaydoc/internal/cache"
	"github.com/agentworkforce/relaydoc/internal/channel"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/replica"
)

const (
	defaultOperationTimeout = 10 * time.Second
	defaultMaxSyncRetries   = 3
)

var (
	ErrAuth           = errors.New("cannot sync: no valid credential")
	ErrPersistence    = errors.New("local persistence unavailable")
	ErrClosed         = errors.New("coordinator closed")
	ErrAlreadyStarted = errors.New("coordinator already started")
)

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateSynced
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the outward view of a coordinator.
type Status struct {
	State ConnectionState
	// LocalOnly is set while no valid credential is available. The replica
	// stays editable; edits are queued for the next session.
	LocalOnly bool
	// Degraded is set once local persistence failed. Sync stays disabled for
	// the rest of the process lifetime.
	Degraded      bool
	PendingDeltas int
	SessionID     string
	Err           error
}

type Identity struct {
	Name  string
	Color string
}

// Snapshotter fetches the server's framed update log for a document.
type Snapshotter interface {
	FetchDocumentSnapshot(ctx context.Context, docID string) ([]byte, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	DocID     string
	ServerURL string
	Replica   replica.Replica
	Presence  *presence.Store
	Cache     *cache.Cache
	Dialer    channel.Dialer
	Tokens    auth.TokenSource
	Snapshots Snapshotter
	Identity  *Identity

	ReconnectPolicy  backoff.BackOff
	ReconnectJitter  float64
	PresenceInterval time.Duration
	OperationTimeout time.Duration
	// MaxSyncRetries bounds how often a corrupt handshake reply is
	// re-requested. The session stays open once the retries are spent.
	MaxSyncRetries int
	Logger         Logger
}

type Coordinator struct {
	docID            string
	serverURL        string
	replica          replica.Replica
	presence         *presence.Store
	cache            *cache.Cache
	dialer           channel.Dialer
	tokens           auth.TokenSource
	snapshots        Snapshotter
	policy           backoff.BackOff
	jitter           float64
	presenceInterval time.Duration
	opTimeout        time.Duration
	maxSyncRetries   int
	logger           Logger
	rng              *rand.Rand

	inbox     *mailbox
	observers []func()

	statusMu  sync.Mutex
	status    Status
	changed   chan struct{}
	watchers  map[int]func(Status)
	nextWatch int

	colorsMu sync.Mutex
	colors   *presence.Colors

	lifecycleMu sync.Mutex
	started     bool
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}

	// Owned by the event loop.
	loop loopState
}

func New(opts Options) (*Coordinator, error) {
	docID := strings.TrimSpace(opts.DocID)
	if docID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if opts.Replica == nil {
		return nil, fmt.Errorf("replica is required")
	}
	if strings.TrimSpace(opts.ServerURL) == "" {
		return nil, fmt.Errorf("server url is required")
	}
	store := opts.Presence
	if store == nil {
		store = presence.NewStore(uuid.NewString(), presence.StoreOptions{})
	}
	docCache := opts.Cache
	if docCache == nil {
		docCache = cache.New(cache.NewMemoryBackend(), cache.Options{})
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &channel.WebSocketDialer{Logger: opts.Logger}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = auth.Static("")
	}
	policy := opts.ReconnectPolicy
	if policy == nil {
		policy = ConstantReconnect(DefaultReconnectDelay)
	}
	presenceInterval := opts.PresenceInterval
	if presenceInterval <= 0 {
		presenceInterval = store.Timeout() / 6
	}
	opTimeout := opts.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	maxSyncRetries := opts.MaxSyncRetries
	if maxSyncRetries <= 0 {
		maxSyncRetries = defaultMaxSyncRetries
	}

	c := &Coordinator{
		docID:            docID,
		serverURL:        strings.TrimSpace(opts.ServerURL),
		replica:          opts.Replica,
		presence:         store,
		cache:            docCache,
		dialer:           dialer,
		tokens:           tokens,
		snapshots:        opts.Snapshots,
		policy:           policy,
		jitter:           clampJitterRatio(opts.ReconnectJitter),
		presenceInterval: presenceInterval,
		opTimeout:        opTimeout,
		maxSyncRetries:   maxSyncRetries,
		logger:           opts.Logger,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		inbox:            newMailbox(),
		changed:          make(chan struct{}),
		watchers:         map[int]func(Status){},
		colors:           presence.NewColors(),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	// Observers are attached before Start so edits made in between are
	// still queued.
	c.observers = append(c.observers,
		c.replica.Observe(c.onReplicaUpdate),
		c.presence.Observe(c.onPresenceChange),
	)
	if opts.Identity != nil {
		id := *opts.Identity
		c.inbox.post(identityEvent{identity: &id})
	}
	return c, nil
}

// Start loads the local record and begins the session loop. The loop stops
// when ctx ends or Close is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.stop:
		case <-runCtx.Done():
		}
		cancel()
	}()
	go c.load(runCtx)
	go c.run(runCtx)
	return nil
}

// Close tears the session down and waits for the loop to exit. It is safe
// to call more than once.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.lifecycleMu.Lock()
	started := c.started
	c.lifecycleMu.Unlock()
	if started {
		<-c.done
		return nil
	}
	c.detachObservers()
	c.publish(func(s *Status) { s.State = StateClosed })
	return nil
}

// SetIdentity makes an authenticated identity available. A coordinator
// without an identity stays idle.
func (c *Coordinator) SetIdentity(id Identity) {
	c.inbox.post(identityEvent{identity: &id})
}

// ClearIdentity drops the session and leaves the document in local-only mode.
func (c *Coordinator) ClearIdentity() {
	c.inbox.post(identityEvent{})
}

func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Watch calls fn with every status change, on the coordinator's goroutine.
// fn must not block or call Close.
func (c *Coordinator) Watch(fn func(Status)) func() {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	return func() {
		c.statusMu.Lock()
		defer c.statusMu.Unlock()
		delete(c.watchers, id)
	}
}

// WaitSynced blocks until the coordinator reaches StateSynced. It fails
// early when the coordinator closes, loses its credential or degrades.
func (c *Coordinator) WaitSynced(ctx context.Context) error {
	for {
		c.statusMu.Lock()
		st := c.status
		changed := c.changed
		c.statusMu.Unlock()
		switch {
		case st.State == StateSynced:
			return nil
		case st.State == StateClosed:
			return ErrClosed
		case st.Degraded:
			return st.Err
		case st.LocalOnly:
			return st.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *Coordinator) DocID() string {
	return c.docID
}

func (c *Coordinator) Replica() replica.Replica {
	return c.replica
}

func (c *Coordinator) Presence() *presence.Store {
	return c.presence
}

// Colors returns the color assignments of the current session.
func (c *Coordinator) Colors() *presence.Colors {
	c.colorsMu.Lock()
	defer c.colorsMu.Unlock()
	return c.colors
}

func (c *Coordinator) publish(fn func(s *Status)) {
	c.statusMu.Lock()
	fn(&c.status)
	st := c.status
	close(c.changed)
	c.changed = make(chan struct{})
	watchers := make([]func(Status), 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.statusMu.Unlock()
	for _, w := range watchers {
		w(st)
	}
}

func (c *Coordinator) detachObservers() {
	for _, cancel := range c.observers {
		cancel()
	}
	c.observers = nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf("doc %s: "+format, append([]any{c.docID}, args...)...)
}

// onReplicaUpdate relays everything except updates that came from the
// network or were restored from the cache.
func (c *Coordinator) onReplicaUpdate(u replica.Update) {
	if u.Origin.IsRemote() || u.Origin == replica.OriginCache {
		return
	}
	c.inbox.post(localUpdateEvent{delta: append([]byte(nil), u.Delta...)})
}

func (c *Coordinator) onPresenceChange(ch presence.Change) {
	if ch.Origin.IsLocal() {
		c.inbox.post(localPresenceEvent{ids: ch.IDs()})
		return
	}
	colors := c.Colors()
	states := c.presence.States()
	for _, id := range ch.Added {
		colors.For(id, states[id].Color)
	}
	for _, id := range ch.Updated {
		colors.For(id, states[id].Color)
	}
	for _, id := range ch.Removed {
		colors.Forget(id)
	}
}
