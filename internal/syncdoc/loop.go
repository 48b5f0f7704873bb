package syncdoc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/auth"
	"github.com/agentworkforce/relaydoc/internal/cache"
	"github.com/agentworkforce/relaydoc/internal/channel"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/replica"
	"github.com/agentworkforce/relaydoc/internal/wire"
)

// serverOrigin tags everything applied from the channel or the snapshot API.
var serverOrigin = replica.Remote("server")

type phase int

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseHandshaking
	phaseSynced
	phaseDisconnected
	phaseClosed
)

func (p phase) exposed() ConnectionState {
	switch p {
	case phaseConnecting, phaseHandshaking:
		return StateConnecting
	case phaseSynced:
		return StateSynced
	case phaseDisconnected:
		return StateDisconnected
	case phaseClosed:
		return StateClosed
	default:
		return StateIdle
	}
}

type loopState struct {
	ctx      context.Context
	phase    phase
	gen      uint64
	session  channel.Session
	identity *Identity

	loaded        bool
	degraded      bool
	handshakeDone bool
	syncRetries   int
	// inflight counts queued deltas handed to the session whose write is
	// not confirmed yet. They are always the head of the cache queue.
	inflight int
	// serverKnown collects every delta the server sent during the handshake
	// so it can tell what the server log is missing.
	serverKnown [][]byte

	// inbound holds channel messages that arrived before the local record
	// finished loading, in arrival order.
	inbound [][]byte
	// preOpen holds session events that raced ahead of the dial result.
	preOpen []any
	// earlyLocal holds local deltas authored before the record loaded.
	earlyLocal [][]byte

	reconnectTimer *time.Timer
}

type (
	localUpdateEvent struct {
		delta []byte
	}
	localPresenceEvent struct {
		ids []string
	}
	identityEvent struct {
		identity *Identity
	}
	loadedEvent struct {
		record  *cache.Record
		err     error
		seed    []byte
		seedErr error
	}
	dialedEvent struct {
		gen     uint64
		session channel.Session
		err     error
	}
	messageEvent struct {
		gen uint64
		msg []byte
	}
	transportErrorEvent struct {
		gen uint64
		err error
	}
	closedEvent struct {
		gen  uint64
		info channel.CloseInfo
	}
	writtenEvent struct {
		gen uint64
		err error
	}
	reconnectEvent struct {
		gen uint64
	}
)

type mailbox struct {
	mu     sync.Mutex
	events []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post never blocks, so observers may call it from any goroutine, including
// the loop itself.
func (m *mailbox) post(ev any) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

func (c *Coordinator) load(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	rec, err := c.cache.Open(lctx, c.docID)
	ev := loadedEvent{record: rec, err: err}
	if err == nil && c.snapshots != nil && len(rec.Snapshot) == 0 && len(rec.UnsyncedDeltas) == 0 {
		ev.seed, ev.seedErr = c.snapshots.FetchDocumentSnapshot(lctx, c.docID)
	}
	c.inbox.post(ev)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	c.loop.ctx = ctx
	ticker := time.NewTicker(c.presenceInterval)
	defer ticker.Stop()
	defer c.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.inbox.notify:
			for _, ev := range c.inbox.drain() {
				c.handle(ev)
			}
		case <-ticker.C:
			c.tickPresence()
		}
	}
}

func (c *Coordinator) handle(ev any) {
	switch ev := ev.(type) {
	case loadedEvent:
		c.handleLoaded(ev)
	case identityEvent:
		c.handleIdentity(ev.identity)
	case localUpdateEvent:
		c.handleLocalUpdate(ev.delta)
	case localPresenceEvent:
		c.handleLocalPresence(ev.ids)
	case dialedEvent:
		c.handleDialed(ev)
	case messageEvent, transportErrorEvent, closedEvent:
		c.handleSessionEvent(ev)
	case writtenEvent:
		c.handleWritten(ev)
	case reconnectEvent:
		if ev.gen == c.loop.gen && c.loop.phase == phaseDisconnected {
			c.connect()
		}
	}
}

func (c *Coordinator) handleLoaded(ev loadedEvent) {
	if ev.err != nil {
		c.enterDegraded(ev.err)
		return
	}
	applied := false
	if len(ev.record.Snapshot) > 0 {
		if err := c.replica.Apply(ev.record.Snapshot, replica.OriginCache); err != nil {
			c.logf("cached snapshot rejected: %v", err)
		} else {
			applied = true
		}
	}
	for _, delta := range ev.record.UnsyncedDeltas {
		if err := c.replica.Apply(delta, replica.OriginCache); err != nil {
			c.logf("cached delta rejected: %v", err)
		}
	}
	if ev.seedErr != nil {
		c.logf("snapshot fetch failed: %v", ev.seedErr)
	} else if len(ev.seed) > 0 {
		if c.applyFrames(ev.seed) > 0 {
			applied = true
		}
	}
	c.loop.loaded = true

	early := c.loop.earlyLocal
	c.loop.earlyLocal = nil
	for _, delta := range early {
		if err := c.cache.AppendDelta(c.opContext(), c.docID, delta); err != nil {
			c.enterDegraded(err)
			return
		}
		applied = true
	}
	if applied {
		if !c.persistSnapshot() {
			return
		}
	}
	c.refreshPending()

	queued := c.loop.inbound
	c.loop.inbound = nil
	for _, msg := range queued {
		c.process(msg)
	}
	c.maybeEnterSynced()
}

func (c *Coordinator) handleIdentity(id *Identity) {
	if c.loop.phase == phaseClosed {
		return
	}
	if id == nil {
		c.loop.identity = nil
		c.announceDeparture()
		c.stopReconnect()
		c.dropSession()
		c.setPhase(phaseIdle, func(s *Status) {
			s.LocalOnly = true
			s.Err = ErrAuth
		})
		return
	}
	c.loop.identity = id
	color := id.Color
	if color == "" {
		color = presence.RandomColor(c.rng)
	}
	c.presence.UpdateLocal(func(st *presence.State) {
		st.Name = id.Name
		st.Color = color
	})
	if c.loop.session == nil && (c.loop.phase == phaseIdle || c.loop.phase == phaseDisconnected) {
		c.stopReconnect()
		c.policy.Reset()
		c.connect()
	}
}

func (c *Coordinator) connect() {
	if c.loop.identity == nil || c.loop.degraded || c.loop.phase == phaseClosed {
		return
	}
	c.loop.gen++
	gen := c.loop.gen
	c.loop.preOpen = nil
	c.setPhase(phaseConnecting, func(s *Status) {
		s.LocalOnly = false
		s.Err = nil
	})
	ctx := c.loop.ctx
	go func() {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.inbox.post(dialedEvent{gen: gen, err: fmt.Errorf("%w: %v", ErrAuth, err)})
			return
		}
		docURL, err := channel.DocumentURL(c.serverURL, c.docID, token)
		if err != nil {
			c.inbox.post(dialedEvent{gen: gen, err: err})
			return
		}
		dctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		session, err := c.dialer.Dial(dctx, docURL, token, c.sessionHandlers(gen))
		c.inbox.post(dialedEvent{gen: gen, session: session, err: err})
	}()
}

func (c *Coordinator) sessionHandlers(gen uint64) channel.Handlers {
	return channel.Handlers{
		OnMessage: func(msg []byte) {
			c.inbox.post(messageEvent{gen: gen, msg: msg})
		},
		OnError: func(err error) {
			c.inbox.post(transportErrorEvent{gen: gen, err: err})
		},
		OnClose: func(info channel.CloseInfo) {
			c.inbox.post(closedEvent{gen: gen, info: info})
		},
	}
}

func (c *Coordinator) handleDialed(ev dialedEvent) {
	if ev.gen != c.loop.gen || c.loop.phase != phaseConnecting {
		if ev.session != nil {
			_ = ev.session.Close()
		}
		return
	}
	if ev.err != nil {
		if isAuthFailure(ev.err) {
			c.logf("authentication failed, staying local-only: %v", ev.err)
			c.loop.gen++
			c.setPhase(phaseIdle, func(s *Status) {
				s.LocalOnly = true
				s.Err = ev.err
			})
			return
		}
		c.logf("connect failed: %v", ev.err)
		c.scheduleReconnect(ev.err)
		return
	}
	c.loop.session = ev.session
	c.loop.handshakeDone = false
	c.loop.syncRetries = 0
	c.colorsMu.Lock()
	c.colors = presence.NewColors()
	c.colorsMu.Unlock()
	sessionID := uuid.NewString()
	c.presence.Rotate(sessionID)
	c.setPhase(phaseHandshaking, func(s *Status) { s.SessionID = sessionID })
	c.sendSyncRequest()

	early := c.loop.preOpen
	c.loop.preOpen = nil
	for _, pending := range early {
		c.handleSessionEvent(pending)
	}
}

func (c *Coordinator) handleSessionEvent(ev any) {
	var gen uint64
	switch ev := ev.(type) {
	case messageEvent:
		gen = ev.gen
	case transportErrorEvent:
		gen = ev.gen
	case closedEvent:
		gen = ev.gen
	}
	if gen != c.loop.gen {
		return
	}
	if c.loop.session == nil {
		if c.loop.phase == phaseConnecting {
			c.loop.preOpen = append(c.loop.preOpen, ev)
		}
		return
	}
	switch ev := ev.(type) {
	case messageEvent:
		if !c.loop.loaded {
			c.loop.inbound = append(c.loop.inbound, ev.msg)
			return
		}
		c.process(ev.msg)
	case transportErrorEvent:
		c.logf("channel error: %v", ev.err)
	case closedEvent:
		c.dropSession()
		err := ev.info.Err
		if err == nil {
			err = fmt.Errorf("channel closed with code %d", ev.info.Code)
		}
		c.scheduleReconnect(err)
	}
}

// process handles one inbound message. Protocol errors discard the message
// and keep the session.
func (c *Coordinator) process(raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		c.logf("discarding message: %v", err)
		return
	}
	switch msg.Tag {
	case wire.TagSync:
		c.handleSync(msg.Payload)
	case wire.TagSyncUpdate:
		if err := c.replica.Apply(msg.Payload, serverOrigin); err != nil {
			c.logf("discarding update: %v", err)
			return
		}
		c.noteServerDelta(msg.Payload)
		c.persistSnapshot()
	case wire.TagAwareness:
		if err := c.presence.ApplyUpdate(msg.Payload, serverOrigin); err != nil {
			c.logf("discarding presence update: %v", err)
		}
	}
}

// handleSync applies every complete frame of a SYNC payload. A truncated
// payload never completes the handshake; the request is repeated up to
// maxSyncRetries times and the session is kept either way.
func (c *Coordinator) handleSync(payload []byte) {
	frames, err := wire.SplitFrames(payload)
	applied := 0
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		if applyErr := c.replica.Apply(frame, serverOrigin); applyErr != nil {
			c.logf("discarding sync frame: %v", applyErr)
			continue
		}
		c.noteServerDelta(frame)
		applied++
	}
	if applied > 0 && !c.persistSnapshot() {
		return
	}
	if err != nil {
		c.logf("corrupt sync payload after %d frames: %v", len(frames), err)
		if c.loop.phase != phaseHandshaking {
			return
		}
		if c.loop.syncRetries >= c.maxSyncRetries {
			c.logf("sync request retried %d times, waiting for the server", c.loop.syncRetries)
			return
		}
		c.loop.syncRetries++
		c.sendSyncRequest()
		return
	}
	c.loop.handshakeDone = true
	c.maybeEnterSynced()
}

func (c *Coordinator) applyFrames(payload []byte) int {
	frames, err := wire.SplitFrames(payload)
	if err != nil {
		c.logf("snapshot truncated after %d frames: %v", len(frames), err)
	}
	applied := 0
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		if err := c.replica.Apply(frame, serverOrigin); err != nil {
			c.logf("discarding snapshot frame: %v", err)
			continue
		}
		applied++
	}
	return applied
}

func (c *Coordinator) sendSyncRequest() {
	if c.loop.session == nil {
		return
	}
	if err := c.loop.session.Send(wire.Encode(wire.TagSync, c.replica.EncodeStateVector())); err != nil {
		c.logf("sync request failed: %v", err)
	}
}

// maybeEnterSynced requires both a completed handshake and a loaded local
// record; queued inbound messages are always replayed before this runs.
func (c *Coordinator) maybeEnterSynced() {
	if c.loop.phase != phaseHandshaking || !c.loop.handshakeDone || !c.loop.loaded || c.loop.degraded {
		return
	}
	c.policy.Reset()
	c.setPhase(phaseSynced, func(s *Status) { s.Err = nil })
	c.flushPending()
	c.reconcile()
	// The server scopes presence to a connection, so every new session
	// re-announces the local entry.
	c.presence.Renew()
}

func (c *Coordinator) handleLocalUpdate(delta []byte) {
	if c.loop.degraded || c.loop.phase == phaseClosed {
		return
	}
	if !c.loop.loaded {
		c.loop.earlyLocal = append(c.loop.earlyLocal, delta)
		return
	}
	if err := c.cache.AppendDelta(c.opContext(), c.docID, delta); err != nil {
		c.enterDegraded(err)
		return
	}
	if !c.persistSnapshot() {
		return
	}
	c.refreshPending()
	if c.loop.phase == phaseSynced {
		c.flushPending()
	}
}

// flushPending hands the queued deltas not yet in flight to the session in
// append order. A delta leaves the queue only once handleWritten sees its
// write confirmed; anything still queued when the session ends is replayed
// after the next handshake.
func (c *Coordinator) flushPending() {
	if c.loop.session == nil {
		return
	}
	pending := c.cache.Pending(c.docID)
	gen := c.loop.gen
	for c.loop.inflight < len(pending) {
		delta := pending[c.loop.inflight]
		err := c.loop.session.SendTracked(wire.Encode(wire.TagSyncUpdate, delta), func(err error) {
			c.inbox.post(writtenEvent{gen: gen, err: err})
		})
		if err != nil {
			c.logf("flush stopped with %d of %d deltas in flight: %v", c.loop.inflight, len(pending), err)
			return
		}
		c.loop.inflight++
	}
}

func (c *Coordinator) handleWritten(ev writtenEvent) {
	if ev.gen != c.loop.gen || c.loop.inflight == 0 {
		return
	}
	if ev.err != nil {
		// The session is ending; its close event resets the flight.
		return
	}
	c.loop.inflight--
	if err := c.cache.ClearDeltas(c.opContext(), c.docID, 1); err != nil {
		c.enterDegraded(err)
		return
	}
	c.refreshPending()
	if c.loop.phase == phaseSynced {
		c.flushPending()
	}
}

func (c *Coordinator) noteServerDelta(delta []byte) {
	if c.loop.phase == phaseHandshaking {
		c.loop.serverKnown = append(c.loop.serverKnown, delta)
	}
}

// reconcile sends whatever local history the server log lacks, such as
// edits written on an earlier session that the server never stored. The
// server's SYNC reply carries its whole log, so the deltas it sent plus the
// queue now in flight describe everything it will hold.
func (c *Coordinator) reconcile() {
	if c.loop.session == nil {
		return
	}
	known := append(append([][]byte(nil), c.loop.serverKnown...), c.cache.Pending(c.docID)...)
	c.loop.serverKnown = nil
	sv, err := c.replica.StateVectorOf(known...)
	if err != nil {
		c.logf("cannot compare with the server log: %v", err)
		return
	}
	diff, err := c.replica.EncodeDiff(sv.Encode())
	if err != nil {
		c.logf("diff against the server log failed: %v", err)
		return
	}
	if len(diff) == 0 {
		return
	}
	c.logf("resending %d bytes missing from the server log", len(diff))
	if err := c.loop.session.Send(wire.Encode(wire.TagSyncUpdate, diff)); err != nil {
		c.logf("resend failed, retrying after the next handshake: %v", err)
	}
}

func (c *Coordinator) handleLocalPresence(ids []string) {
	if c.loop.phase != phaseSynced || c.loop.session == nil {
		return
	}
	raw, err := c.presence.EncodeUpdate(ids)
	if err != nil {
		c.logf("encode presence failed: %v", err)
		return
	}
	if err := c.loop.session.Send(wire.Encode(wire.TagAwareness, raw)); err != nil {
		c.logf("presence send dropped: %v", err)
	}
}

func (c *Coordinator) tickPresence() {
	if removed := c.presence.Expire(); len(removed) > 0 {
		c.logf("expired presence for %v", removed)
	}
	if c.loop.phase == phaseSynced && c.presence.LocalNeedsRenewal() {
		c.presence.Renew()
	}
}

// announceDeparture sends the removal of the local presence entry on the
// live session, if any.
func (c *Coordinator) announceDeparture() {
	localID := c.presence.LocalID()
	c.presence.RemoveLocal()
	if c.loop.phase != phaseSynced || c.loop.session == nil {
		return
	}
	raw, err := c.presence.EncodeUpdate([]string{localID})
	if err != nil {
		return
	}
	_ = c.loop.session.Send(wire.Encode(wire.TagAwareness, raw))
}

func (c *Coordinator) scheduleReconnect(cause error) {
	c.setPhase(phaseDisconnected, func(s *Status) { s.Err = cause })
	if c.loop.identity == nil || c.loop.degraded {
		return
	}
	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.logf("reconnect policy exhausted, staying disconnected")
		return
	}
	delay = jitteredDelayWithSample(delay, c.jitter, c.rng.Float64())
	c.stopReconnect()
	gen := c.loop.gen
	c.logf("reconnecting in %s", delay)
	c.loop.reconnectTimer = time.AfterFunc(delay, func() {
		c.inbox.post(reconnectEvent{gen: gen})
	})
}

func (c *Coordinator) stopReconnect() {
	if c.loop.reconnectTimer != nil {
		c.loop.reconnectTimer.Stop()
		c.loop.reconnectTimer = nil
	}
}

// dropSession discards every per-connection assumption. Events still in
// flight for the old session are ignored because the generation moves on.
func (c *Coordinator) dropSession() {
	if c.loop.session != nil {
		_ = c.loop.session.Close()
		c.loop.session = nil
	}
	c.loop.gen++
	c.loop.inbound = nil
	c.loop.preOpen = nil
	c.loop.handshakeDone = false
	c.loop.syncRetries = 0
	c.loop.inflight = 0
	c.loop.serverKnown = nil
	c.presence.Forget()
	c.colorsMu.Lock()
	c.colors = presence.NewColors()
	c.colorsMu.Unlock()
}

func (c *Coordinator) enterDegraded(err error) {
	c.logf("local persistence failed, sync disabled: %v", err)
	c.loop.degraded = true
	c.loop.loaded = true
	c.loop.earlyLocal = nil
	c.stopReconnect()
	c.dropSession()
	c.setPhase(phaseDisconnected, func(s *Status) {
		s.Degraded = true
		s.Err = fmt.Errorf("%w: %v", ErrPersistence, err)
	})
}

func (c *Coordinator) persistSnapshot() bool {
	if c.loop.degraded {
		return false
	}
	snapshot, err := c.replica.Snapshot()
	if err != nil {
		c.logf("snapshot failed: %v", err)
		return true
	}
	if _, err := c.cache.SaveSnapshot(c.opContext(), c.docID, snapshot); err != nil {
		c.enterDegraded(err)
		return false
	}
	return true
}

func (c *Coordinator) refreshPending() {
	n := len(c.cache.Pending(c.docID))
	c.publish(func(s *Status) { s.PendingDeltas = n })
}

func (c *Coordinator) setPhase(p phase, mutate func(s *Status)) {
	c.loop.phase = p
	c.publish(func(s *Status) {
		s.State = p.exposed()
		if mutate != nil {
			mutate(s)
		}
	})
}

func (c *Coordinator) opContext() context.Context {
	ctx := c.loop.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	return ctx
}

func (c *Coordinator) teardown() {
	c.stopReconnect()
	if c.loop.session != nil {
		c.announceDeparture()
	}
	c.dropSession()
	c.detachObservers()
	c.cache.Release(c.docID)
	c.setPhase(phaseClosed, nil)
}

func isAuthFailure(err error) bool {
	if errors.Is(err, ErrAuth) || errors.Is(err, auth.ErrNoToken) {
		return true
	}
	var dialErr *channel.DialError
	return errors.As(err, &dialErr) && dialErr.Unauthorized()
}
