package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/wire"
)

// room is the set of local connections editing one document.
type room struct {
	docID       string
	unsubscribe func()

	mu    sync.Mutex
	conns map[string]*conn
}

func (rm *room) add(c *conn) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.conns[c.id] = c
}

func (rm *room) remove(id string) (empty bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.conns, id)
	return len(rm.conns) == 0
}

// snapshot lists every connection except the one with id exclude, ordered by
// id.
func (rm *room) snapshot(exclude string) []*conn {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*conn, 0, len(rm.conns))
	for id, c := range rm.conns {
		if id != exclude {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (rm *room) deliver(env Envelope) {
	for _, c := range rm.snapshot(env.Source) {
		c.enqueue(env.Msg)
	}
}

// presenceFor encodes the live presence entries announced by every
// connection other than exclude, or nil when there are none.
func (rm *room) presenceFor(exclude string) []byte {
	var entries []json.RawMessage
	for _, c := range rm.snapshot(exclude) {
		entries = append(entries, c.liveEntries()...)
	}
	if len(entries) == 0 {
		return nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil
	}
	return raw
}

type announced struct {
	clock uint64
	raw   json.RawMessage
	live  bool
}

type conn struct {
	id      string
	docID   string
	subject string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu       sync.Mutex
	presence map[string]announced
}

func newConn(id, docID, subject string, ws *websocket.Conn, queue int) *conn {
	return &conn{
		id:       id,
		docID:    docID,
		subject:  subject,
		ws:       ws,
		send:     make(chan []byte, queue),
		done:     make(chan struct{}),
		presence: map[string]announced{},
	}
}

// enqueue hands msg to the write pump. A connection whose queue is full is
// too slow to keep up and gets disconnected; it will resync on reconnect.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.close(websocket.CloseTryAgainLater, "send queue full")
		return false
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// recordPresence remembers the newest entry per client id announced on this
// connection.
func (c *conn) recordPresence(payload []byte) error {
	if _, err := presence.ClientIDs(payload); err != nil {
		return err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range raw {
		var head struct {
			ClientID string          `json:"clientId"`
			Clock    uint64          `json:"clock"`
			State    json.RawMessage `json:"state"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return err
		}
		if prev, ok := c.presence[head.ClientID]; ok && prev.clock > head.Clock {
			continue
		}
		live := len(head.State) > 0 && string(head.State) != "null"
		c.presence[head.ClientID] = announced{clock: head.Clock, raw: item, live: live}
	}
	return nil
}

func (c *conn) liveEntries() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.presence))
	for id, a := range c.presence {
		if a.live {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.presence[id].raw)
	}
	return out
}

func (c *conn) liveClients() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]uint64{}
	for id, a := range c.presence {
		if a.live {
			out[id] = a.clock
		}
	}
	return out
}

func (s *Server) readPump(rm *room, c *conn) {
	pongWait := 2 * s.cfg.PingInterval
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logf("relay: doc %s conn %s read failed: %v", c.docID, c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			s.logf("relay: doc %s conn %s dropping non-binary message", c.docID, c.id)
			continue
		}
		s.handleMessage(rm, c, msg)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// handleMessage serves one client message. Malformed or unknown messages
// are dropped; the connection stays open.
func (s *Server) handleMessage(rm *room, c *conn, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		s.logf("relay: doc %s conn %s dropping message: %v", c.docID, c.id, err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	switch msg.Tag {
	case wire.TagSync:
		updates, _, err := s.log.Load(ctx, c.docID)
		if err != nil {
			s.logf("relay: doc %s load failed: %v", c.docID, err)
			c.close(websocket.CloseTryAgainLater, "log unavailable")
			return
		}
		c.enqueue(wire.Encode(wire.TagSync, wire.FrameDeltas(updates)))
		if states := rm.presenceFor(c.id); states != nil {
			c.enqueue(wire.Encode(wire.TagAwareness, states))
		}
	case wire.TagSyncUpdate:
		if len(msg.Payload) == 0 {
			return
		}
		if err := s.log.Append(ctx, c.docID, msg.Payload); err != nil {
			s.logf("relay: doc %s append failed: %v", c.docID, err)
			c.close(websocket.CloseTryAgainLater, "log unavailable")
			return
		}
		s.publish(c.docID, Envelope{Source: c.id, Msg: raw})
	case wire.TagAwareness:
		if err := c.recordPresence(msg.Payload); err != nil {
			s.logf("relay: doc %s conn %s dropping presence: %v", c.docID, c.id, err)
			return
		}
		s.publish(c.docID, Envelope{Source: c.id, Msg: raw})
	}
}
