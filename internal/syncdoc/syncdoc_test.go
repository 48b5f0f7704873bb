package syncdoc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/auth"
	"github.com/agentworkforce/relaydoc/internal/cache"
	"github.com/agentworkforce/relaydoc/internal/channel"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/replica"
	"github.com/agentworkforce/relaydoc/internal/replica/replicatest"
	"github.com/agentworkforce/relaydoc/internal/wire"
)

type fakeSession struct {
	h channel.Handlers

	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	failSend bool
	// holdWrites keeps tracked sends unconfirmed until the session ends.
	holdWrites bool
	unwritten  []func(error)
}

func (s *fakeSession) Send(msg []byte) error {
	return s.SendTracked(msg, nil)
}

func (s *fakeSession) SendTracked(msg []byte, written func(err error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return channel.ErrSessionClosed
	}
	if s.failSend {
		s.mu.Unlock()
		return channel.ErrSendQueueFull
	}
	s.sent = append(s.sent, append([]byte(nil), msg...))
	if written != nil && s.holdWrites {
		s.unwritten = append(s.unwritten, written)
		written = nil
	}
	s.mu.Unlock()
	if written != nil {
		written(nil)
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.failUnwritten()
	s.h.OnClose(channel.CloseInfo{Code: 1000, Local: true})
	return nil
}

func (s *fakeSession) failUnwritten() {
	s.mu.Lock()
	pending := s.unwritten
	s.unwritten = nil
	s.mu.Unlock()
	for _, written := range pending {
		written(channel.ErrSessionClosed)
	}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver plays a server message into the session.
func (s *fakeSession) deliver(msg []byte) {
	s.h.OnMessage(msg)
}

// drop simulates the transport going away.
func (s *fakeSession) drop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.failUnwritten()
	s.h.OnClose(channel.CloseInfo{Code: 1006, Err: errors.New("connection reset")})
}

func (s *fakeSession) payloads(tag wire.Tag) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, raw := range s.sent {
		msg, err := wire.Decode(raw)
		if err == nil && msg.Tag == tag {
			out = append(out, msg.Payload)
		}
	}
	return out
}

func (s *fakeSession) waitPayloads(t *testing.T, tag wire.Tag, n int) [][]byte {
	t.Helper()
	var out [][]byte
	waitFor(t, func() bool {
		out = s.payloads(tag)
		return len(out) >= n
	})
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	calls  int
	tokens []string
	dialed chan *fakeSession
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSession, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string, h channel.Handlers) (channel.Session, error) {
	d.mu.Lock()
	d.calls++
	d.tokens = append(d.tokens, token)
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &fakeSession{h: h}
	d.dialed <- s
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) next(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

type fakeSnapshots struct {
	payload []byte
	err     error
}

func (f fakeSnapshots) FetchDocumentSnapshot(context.Context, string) ([]byte, error) {
	return f.payload, f.err
}

// blockingBackend holds Load until release is closed.
type blockingBackend struct {
	*cache.MemoryBackend
	release chan struct{}
}

func (b *blockingBackend) Load(ctx context.Context, docID string) (*cache.Record, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.MemoryBackend.Load(ctx, docID)
}

type brokenBackend struct {
	*cache.MemoryBackend
}

func (brokenBackend) Load(context.Context, string) (*cache.Record, error) {
	return nil, errors.New("disk unavailable")
}

type harness struct {
	coord   *Coordinator
	replica *replicatest.Replica
	dialer  *fakeDialer
	backend cache.Backend
}

type harnessOptions struct {
	backend   cache.Backend
	tokens    auth.TokenSource
	identity  *Identity
	snapshots Snapshotter
	replica   *replicatest.Replica
	noStart   bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.backend == nil {
		opts.backend = cache.NewMemoryBackend()
	}
	if opts.tokens == nil {
		opts.tokens = auth.Static("token-1")
	}
	if opts.identity == nil {
		opts.identity = &Identity{Name: "Ada", Color: "#112233"}
	}
	if opts.replica == nil {
		opts.replica = replicatest.New("client")
	}
	h := &harness{replica: opts.replica, dialer: newFakeDialer(), backend: opts.backend}
	coord, err := New(Options{
		DocID:           "doc-1",
		ServerURL:       "ws://sync.test",
		Replica:         h.replica,
		Presence:        presence.NewStore("initial", presence.StoreOptions{}),
		Cache:           cache.New(opts.backend, cache.Options{}),
		Dialer:          h.dialer,
		Tokens:          opts.tokens,
		Snapshots:       opts.snapshots,
		Identity:        opts.identity,
		ReconnectPolicy: ConstantReconnect(10 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.coord = coord
	t.Cleanup(func() { _ = coord.Close() })
	if !opts.noStart {
		if err := coord.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	return h
}

func (h *harness) waitSynced(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.coord.WaitSynced(ctx); err != nil {
		t.Fatalf("wait synced: %v (status %+v)", err, h.coord.Status())
	}
}

// handshake completes the handshake on s with the given server deltas.
func (h *harness) handshake(t *testing.T, s *fakeSession, deltas ...[]byte) {
	t.Helper()
	s.waitPayloads(t, wire.TagSync, 1)
	s.deliver(wire.Encode(wire.TagSync, wire.FrameDeltas(deltas)))
	h.waitSynced(t)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func op(actor string, seq uint64, text string) []byte {
	return replicatest.EncodeOps(replicatest.Op{Actor: actor, Seq: seq, Text: text})
}

func TestHandshakeAppliesServerDeltasBeforeSynced(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	req := s.waitPayloads(t, wire.TagSync, 1)[0]
	sv, err := replica.DecodeStateVector(req)
	if err != nil {
		t.Fatalf("decode sync request: %v", err)
	}
	if len(sv) != 0 {
		t.Fatalf("expected empty state vector from fresh client, got %v", sv)
	}
	if h.coord.Status().State != StateConnecting {
		t.Fatalf("expected connecting before the reply, got %s", h.coord.Status().State)
	}
	s.deliver(wire.Encode(wire.TagSync, wire.FrameDeltas([][]byte{op("srv", 1, "hello "), op("srv", 2, "world")})))
	h.waitSynced(t)
	if got := h.replica.Text(); got != "hello world" {
		t.Fatalf("expected server content, got %q", got)
	}
	if !h.replica.StateVector().Covers(replica.StateVector{"srv": 2}) {
		t.Fatalf("expected state vector to cover server deltas, got %v", h.replica.StateVector())
	}
	if h.dialer.tokens[0] != "token-1" {
		t.Fatalf("expected dial with token-1, got %v", h.dialer.tokens)
	}
}

func TestRemoteUpdatesAreNeverRetransmitted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	h.handshake(t, s)
	for i := uint64(1); i <= 5; i++ {
		s.deliver(wire.Encode(wire.TagSyncUpdate, op("peer", i, "x")))
	}
	waitFor(t, func() bool { return h.replica.Text() == "xxxxx" })
	time.Sleep(30 * time.Millisecond)
	if got := s.payloads(wire.TagSyncUpdate); len(got) != 0 {
		t.Fatalf("expected zero outbound updates, got %d", len(got))
	}
}

func TestLocalEditsAreRelayedWhenSynced(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	h.handshake(t, s)
	delta := h.replica.Insert("a")
	got := s.waitPayloads(t, wire.TagSyncUpdate, 1)
	if string(got[0]) != string(delta) {
		t.Fatalf("expected local delta on the wire, got %q", got[0])
	}
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 0 })
}

func TestUnwrittenEditsAreReplayedAfterTransportLoss(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dialer.next(t)
	first.mu.Lock()
	first.holdWrites = true
	first.mu.Unlock()
	h.handshake(t, first)

	delta := h.replica.Insert("a")
	first.waitPayloads(t, wire.TagSyncUpdate, 1)
	time.Sleep(30 * time.Millisecond)
	if got := h.coord.Status().PendingDeltas; got != 1 {
		t.Fatalf("expected delta to stay queued until its write is confirmed, got %d pending", got)
	}

	first.drop()
	second := h.dialer.next(t)
	h.handshake(t, second)
	got := second.waitPayloads(t, wire.TagSyncUpdate, 1)
	if string(got[0]) != string(delta) {
		t.Fatalf("expected the unwritten delta to be replayed, got %q", got[0])
	}
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 0 })
	time.Sleep(30 * time.Millisecond)
	if n := len(second.payloads(wire.TagSyncUpdate)); n != 1 {
		t.Fatalf("expected the delta exactly once on the new session, got %d", n)
	}
}

func TestEditsMissingFromServerLogAreResent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dialer.next(t)
	h.handshake(t, first)
	delta := h.replica.Insert("x")
	first.waitPayloads(t, wire.TagSyncUpdate, 1)
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 0 })

	// The server restarts with an empty log.
	first.drop()
	second := h.dialer.next(t)
	h.handshake(t, second)
	got := second.waitPayloads(t, wire.TagSyncUpdate, 1)
	ops, err := replicatest.DecodeOps(got[0])
	if err != nil {
		t.Fatalf("decode resent update: %v", err)
	}
	if len(ops) != 1 || ops[0].Actor != "client" || ops[0].Seq != 1 || ops[0].Text != "x" {
		t.Fatalf("expected the lost edit to be resent, got %+v", ops)
	}

	// A log that already holds the edit gets nothing.
	second.drop()
	third := h.dialer.next(t)
	h.handshake(t, third, delta)
	time.Sleep(30 * time.Millisecond)
	if n := len(third.payloads(wire.TagSyncUpdate)); n != 0 {
		t.Fatalf("expected no resend when the server log is complete, got %d updates", n)
	}
}

func TestOfflineEditsAreFlushedInOrderAfterReconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dialer.next(t)
	h.handshake(t, first)

	h.dialer.setErr(errors.New("network down"))
	first.drop()
	waitFor(t, func() bool { return h.coord.Status().State == StateDisconnected })

	d1 := h.replica.Insert("one")
	d2 := h.replica.Insert("two")
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 2 })

	h.dialer.setErr(nil)
	second := h.dialer.next(t)
	h.handshake(t, second)
	got := second.waitPayloads(t, wire.TagSyncUpdate, 2)
	if len(got) != 2 || string(got[0]) != string(d1) || string(got[1]) != string(d2) {
		t.Fatalf("expected offline deltas in order exactly once, got %q", got)
	}
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 0 })
	rec, _ := h.backend.Load(context.Background(), "doc-1")
	if len(rec.UnsyncedDeltas) != 0 || rec.LastSyncedAt.IsZero() {
		t.Fatalf("expected queue cleared and sync stamped, got %+v", rec)
	}
	if len(first.payloads(wire.TagSyncUpdate)) != 0 {
		t.Fatalf("expected nothing sent on the dropped session")
	}
}

func TestFailedFlushKeepsQueueForNextSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dialer.next(t)
	h.handshake(t, first)
	first.drop()
	waitFor(t, func() bool { return h.coord.Status().State != StateSynced })
	h.replica.Insert("kept")
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 1 })

	second := h.dialer.next(t)
	second.mu.Lock()
	second.failSend = true
	second.mu.Unlock()
	second.deliver(wire.Encode(wire.TagSync, nil))
	waitFor(t, func() bool { return h.coord.Status().State == StateSynced })
	if h.coord.Status().PendingDeltas != 1 {
		t.Fatalf("expected delta to stay queued after failed flush, got %d", h.coord.Status().PendingDeltas)
	}
	second.drop()
	third := h.dialer.next(t)
	h.handshake(t, third)
	if got := third.waitPayloads(t, wire.TagSyncUpdate, 1); len(got) != 1 {
		t.Fatalf("expected the queued delta to be replayed, got %d", len(got))
	}
}

func TestOfflineEditsSurviveRestart(t *testing.T) {
	backend := cache.NewMemoryBackend()
	h := newHarness(t, harnessOptions{backend: backend, tokens: auth.Static("")})
	waitFor(t, func() bool { return h.coord.Status().LocalOnly })
	delta := h.replica.Insert("offline")
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 1 })
	_ = h.coord.Close()

	restarted := newHarness(t, harnessOptions{backend: backend})
	s := restarted.dialer.next(t)
	waitFor(t, func() bool { return restarted.replica.Text() == "offline" })
	restarted.handshake(t, s)
	got := s.waitPayloads(t, wire.TagSyncUpdate, 1)
	if string(got[0]) != string(delta) {
		t.Fatalf("expected persisted delta to be flushed, got %q", got[0])
	}
}

func TestInboundMessagesWaitForPersistenceLoad(t *testing.T) {
	backend := &blockingBackend{MemoryBackend: cache.NewMemoryBackend(), release: make(chan struct{})}
	h := newHarness(t, harnessOptions{backend: backend})
	s := h.dialer.next(t)
	s.waitPayloads(t, wire.TagSync, 1)

	s.deliver(wire.Encode(wire.TagSyncUpdate, op("peer", 1, "a")))
	s.deliver(wire.Encode(wire.TagSync, wire.FrameDeltas([][]byte{op("srv", 1, "b")})))
	s.deliver(wire.Encode(wire.TagSyncUpdate, op("peer", 2, "c")))
	time.Sleep(30 * time.Millisecond)
	if h.replica.ApplyCount() != 0 {
		t.Fatalf("expected nothing applied before load, got %d applies", h.replica.ApplyCount())
	}
	if h.coord.Status().State == StateSynced {
		t.Fatalf("expected not synced while persistence is loading")
	}

	close(backend.release)
	h.waitSynced(t)
	if got := h.replica.Text(); got != "abc" {
		t.Fatalf("expected queued messages applied in arrival order, got %q", got)
	}
}

func TestTruncatedSyncIsSurvivedAndRetried(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	s.waitPayloads(t, wire.TagSync, 1)

	payload := wire.FrameDeltas([][]byte{op("srv", 1, "ok")})
	payload = append(payload, 0, 0, 0, 99, '{')
	s.deliver(wire.Encode(wire.TagSync, payload))
	s.waitPayloads(t, wire.TagSync, 2)
	if h.coord.Status().State != StateConnecting {
		t.Fatalf("expected handshake to stay open after corrupt reply, got %s", h.coord.Status().State)
	}
	if got := h.replica.Text(); got != "ok" {
		t.Fatalf("expected parsed prefix to be applied, got %q", got)
	}
	if s.isClosed() {
		t.Fatalf("expected session to survive a corrupt frame")
	}

	s.deliver(wire.Encode(wire.TagSync, nil))
	h.waitSynced(t)
	s.deliver(wire.Encode(wire.TagSyncUpdate, op("srv", 2, "!")))
	waitFor(t, func() bool { return h.replica.Text() == "ok!" })
	s.deliver([]byte{9, 1, 2})
	s.deliver(wire.Encode(wire.TagSyncUpdate, op("srv", 3, "?")))
	waitFor(t, func() bool { return h.replica.Text() == "ok!?" })
}

func TestRepeatedCorruptSyncKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	s.waitPayloads(t, wire.TagSync, 1)

	corrupt := wire.Encode(wire.TagSync, []byte{0, 0, 0, 99, 'x'})
	for i := 2; i <= 4; i++ {
		s.deliver(corrupt)
		s.waitPayloads(t, wire.TagSync, i)
	}
	s.deliver(corrupt)
	time.Sleep(50 * time.Millisecond)
	if s.isClosed() {
		t.Fatalf("expected session to stay open after the retries are spent")
	}
	if n := len(s.payloads(wire.TagSync)); n != 4 {
		t.Fatalf("expected one request plus three retries, got %d", n)
	}
	if calls := h.dialer.callCount(); calls != 1 {
		t.Fatalf("expected no reconnect, got %d dials", calls)
	}

	s.deliver(wire.Encode(wire.TagSyncUpdate, op("srv", 1, "a")))
	waitFor(t, func() bool { return h.replica.Text() == "a" })
	s.deliver(wire.Encode(wire.TagSync, wire.FrameDeltas([][]byte{op("srv", 1, "a")})))
	h.waitSynced(t)
}

func TestSyncAfterSyncedIsStillApplied(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	h.handshake(t, s)
	s.deliver(wire.Encode(wire.TagSync, wire.FrameDeltas([][]byte{op("srv", 1, "late")})))
	waitFor(t, func() bool { return h.replica.Text() == "late" })
	if h.coord.Status().State != StateSynced {
		t.Fatalf("expected to stay synced, got %s", h.coord.Status().State)
	}
}

func awarenessIDs(t *testing.T, payloads [][]byte) []string {
	t.Helper()
	var ids []string
	for _, p := range payloads {
		var entries []struct {
			ClientID string          `json:"clientId"`
			State    json.RawMessage `json:"state"`
		}
		if err := json.Unmarshal(p, &entries); err != nil {
			t.Fatalf("decode awareness: %v", err)
		}
		for _, e := range entries {
			ids = append(ids, e.ClientID)
		}
	}
	return ids
}

func TestPresenceReannouncedUnderNewSessionID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.dialer.next(t)
	h.handshake(t, first)
	firstID := h.coord.Status().SessionID
	ids := awarenessIDs(t, first.waitPayloads(t, wire.TagAwareness, 1))
	if len(ids) != 1 || ids[0] != firstID {
		t.Fatalf("expected announcement for %s, got %v", firstID, ids)
	}

	remote, _ := json.Marshal([]map[string]any{{"clientId": "peer", "clock": 1, "state": map[string]any{"name": "Bob"}}})
	first.deliver(wire.Encode(wire.TagAwareness, remote))
	waitFor(t, func() bool { _, ok := h.coord.Presence().States()["peer"]; return ok })
	waitFor(t, func() bool { return h.coord.Colors().Len() == 1 })

	first.drop()
	second := h.dialer.next(t)
	h.handshake(t, second)
	secondID := h.coord.Status().SessionID
	if secondID == firstID || secondID == "" {
		t.Fatalf("expected a fresh session id, got %q after %q", secondID, firstID)
	}
	ids = awarenessIDs(t, second.waitPayloads(t, wire.TagAwareness, 1))
	for _, id := range ids {
		if id != secondID {
			t.Fatalf("expected only the new session id to be announced, got %v", ids)
		}
	}
	states := h.coord.Presence().States()
	if _, ok := states[firstID]; ok {
		t.Fatalf("expected old session entry to be gone")
	}
	if _, ok := states["peer"]; ok {
		t.Fatalf("expected remote entries of the old connection to be forgotten")
	}
	if states[secondID].Name != "Ada" {
		t.Fatalf("expected identity carried to new entry, got %+v", states[secondID])
	}
	if h.coord.Colors().Len() != 0 {
		t.Fatalf("expected color assignments discarded with the session")
	}
}

func TestLocalPresenceSendsOnlyChangedIDs(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	h.handshake(t, s)
	s.waitPayloads(t, wire.TagAwareness, 1)
	remote, _ := json.Marshal([]map[string]any{{"clientId": "peer", "clock": 1, "state": map[string]any{"name": "Bob"}}})
	s.deliver(wire.Encode(wire.TagAwareness, remote))
	waitFor(t, func() bool { return len(h.coord.Presence().States()) == 2 })

	h.coord.Presence().SetCursor(&presence.Cursor{Line: 3, Column: 1})
	payloads := s.waitPayloads(t, wire.TagAwareness, 2)
	ids := awarenessIDs(t, payloads[1:])
	if len(ids) != 1 || ids[0] != h.coord.Presence().LocalID() {
		t.Fatalf("expected only the local id, got %v", ids)
	}
}

func TestMissingCredentialKeepsDocumentLocalOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{tokens: auth.Static("")})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.coord.WaitSynced(ctx); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if h.dialer.callCount() != 0 {
		t.Fatalf("expected no dial without a credential")
	}
	h.replica.Insert("still editable")
	waitFor(t, func() bool { return h.coord.Status().PendingDeltas == 1 })
	if h.coord.Status().State != StateIdle {
		t.Fatalf("expected idle, got %s", h.coord.Status().State)
	}
}

func TestRejectedCredentialKeepsDocumentLocalOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{noStart: true})
	h.dialer.setErr(&channel.DialError{StatusCode: 401, Err: errors.New("unauthorized")})
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return h.coord.Status().LocalOnly })
	time.Sleep(50 * time.Millisecond)
	if calls := h.dialer.callCount(); calls != 1 {
		t.Fatalf("expected no reconnect after auth failure, got %d dials", calls)
	}

	h.dialer.setErr(nil)
	h.coord.SetIdentity(Identity{Name: "Ada"})
	s := h.dialer.next(t)
	h.handshake(t, s)
	if h.coord.Status().LocalOnly {
		t.Fatalf("expected local-only to clear once synced")
	}
}

func TestPersistenceFailureDegradesToMemoryOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{backend: brokenBackend{cache.NewMemoryBackend()}})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.coord.WaitSynced(ctx); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	st := h.coord.Status()
	if !st.Degraded {
		t.Fatalf("expected degraded status, got %+v", st)
	}
	h.replica.Insert("in memory")
	if h.replica.Text() != "in memory" {
		t.Fatalf("expected in-memory editing to keep working")
	}
}

func TestClearIdentityDropsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	h.handshake(t, s)
	h.coord.ClearIdentity()
	waitFor(t, func() bool { return s.isClosed() })
	waitFor(t, func() bool { return h.coord.Status().State == StateIdle })
	time.Sleep(50 * time.Millisecond)
	if calls := h.dialer.callCount(); calls != 1 {
		t.Fatalf("expected no reconnect without identity, got %d dials", calls)
	}
	if _, ok := h.coord.Presence().Local(); ok {
		t.Fatalf("expected local presence removed")
	}
}

func TestCloseTearsDownDeterministically(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s := h.dialer.next(t)
	h.handshake(t, s)
	if err := h.coord.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !s.isClosed() {
		t.Fatalf("expected session closed on teardown")
	}
	if h.coord.Status().State != StateClosed {
		t.Fatalf("expected closed state, got %s", h.coord.Status().State)
	}
	h.replica.Insert("after close")
	time.Sleep(30 * time.Millisecond)
	if len(s.payloads(wire.TagSyncUpdate)) != 0 {
		t.Fatalf("expected no traffic after close")
	}
	if calls := h.dialer.callCount(); calls != 1 {
		t.Fatalf("expected no reconnect after close, got %d dials", calls)
	}
	if err := h.coord.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEmptyCacheIsSeededFromSnapshot(t *testing.T) {
	seed := wire.FrameDeltas([][]byte{op("srv", 1, "seeded")})
	h := newHarness(t, harnessOptions{snapshots: fakeSnapshots{payload: seed}, tokens: auth.Static("")})
	waitFor(t, func() bool { return h.replica.Text() == "seeded" })
	waitFor(t, func() bool {
		rec, _ := h.backend.Load(context.Background(), "doc-1")
		return rec != nil && rec.SnapshotVersion > 0
	})
	if h.coord.Status().PendingDeltas != 0 {
		t.Fatalf("expected seeded content not to be queued for upload")
	}
}

func TestJitteredDelayWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredDelayWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter delay %s, got %s", base, got)
	}
	if got := jitteredDelayWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter delay 8s, got %s", got)
	}
	if got := jitteredDelayWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter delay 12s, got %s", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}

func TestExponentialReconnectGrowsAndResets(t *testing.T) {
	b := ExponentialReconnect(100*time.Millisecond, 300*time.Millisecond)
	first := b.NextBackOff()
	second := b.NextBackOff()
	third := b.NextBackOff()
	if first != 100*time.Millisecond || second != 150*time.Millisecond || third != 225*time.Millisecond {
		t.Fatalf("unexpected delays %s %s %s", first, second, third)
	}
	_ = b.NextBackOff()
	if capped := b.NextBackOff(); capped != 300*time.Millisecond {
		t.Fatalf("expected cap at 300ms, got %s", capped)
	}
	b.Reset()
	if again := b.NextBackOff(); again != 100*time.Millisecond {
		t.Fatalf("expected reset to initial delay, got %s", again)
	}
	if ConstantReconnect(0).NextBackOff() != DefaultReconnectDelay {
		t.Fatalf("expected default constant delay")
	}
}
