// Package relay is the reference server the sync coordinator talks to. It
// keeps an append-only update log per document, answers handshakes with the
// whole log and fans updates and presence out to the other connections of
// the same document. It never interprets update contents.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentworkforce/relaydoc/internal/auth"
	"github.com/agentworkforce/relaydoc/internal/docapi"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/wire"
)

var errServerClosed = errors.New("relay server closed")

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	JWTSecret       string
	MaxMessageBytes int64
	// RateLimitMax bounds websocket connects per subject and document within
	// RateLimitWindow. Zero disables the limit.
	RateLimitMax    int
	RateLimitWindow time.Duration
	SendQueue       int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	Logger          Logger
}

type Server struct {
	cfg      Config
	log      UpdateLog
	broker   Broker
	router   *mux.Router
	upgrader websocket.Upgrader
	limiter  *rateLimiter
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(log UpdateLog, broker Broker, cfg Config) *Server {
	if log == nil {
		log = NewMemoryLog()
	}
	if broker == nil {
		broker = NewLocalBroker()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		log:    log,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   map[string]*room{},
	}

	r := mux.NewRouter()
	r.UseEncodedPath()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/{docId}", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{docId}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects every client. The log and broker stay open; they belong
// to the caller.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var conns []*conn
	for _, rm := range s.rooms {
		conns = append(conns, rm.snapshot("")...)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.cancel()
	return nil
}

// ConnectionCount reports the live connections of docID.
func (s *Server) ConnectionCount(docID string) int {
	s.mu.Lock()
	rm := s.rooms[docID]
	s.mu.Unlock()
	if rm == nil {
		return 0
	}
	return len(rm.snapshot(""))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	docID, ok := docIDFromRequest(w, r)
	if !ok {
		return
	}
	if _, authErr := s.authorize(r, docID); authErr != nil {
		writeError(w, authErr.Status, authErr.Code, authErr.Message, getCorrelationID(r))
		return
	}
	updates, updatedAt, err := s.log.Load(r.Context(), docID)
	if err != nil {
		s.logf("relay: doc %s snapshot load failed: %v", docID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load document", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, docapi.DocumentSnapshot{
		DocID:       docID,
		Updates:     wire.FrameDeltas(updates),
		UpdateCount: len(updates),
		UpdatedAt:   updatedAt,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID, ok := docIDFromRequest(w, r)
	if !ok {
		return
	}
	claims, authErr := s.authorize(r, docID)
	if authErr != nil {
		writeError(w, authErr.Status, authErr.Code, authErr.Message, getCorrelationID(r))
		return
	}
	if s.limiter != nil && !s.limiter.allow(docID+"|"+claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.limiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("relay: doc %s upgrade failed: %v", docID, err)
		return
	}
	c := newConn(uuid.NewString(), docID, claims.Subject, ws, s.cfg.SendQueue)
	rm, err := s.join(docID, c)
	if err != nil {
		s.logf("relay: doc %s join failed: %v", docID, err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	s.logf("relay: doc %s conn %s opened for %s", docID, c.id, claims.Subject)
	go s.writePump(c)
	s.readPump(rm, c)
	s.leave(rm, c)
	s.logf("relay: doc %s conn %s closed for %s", docID, c.id, c.subject)
}

func (s *Server) authorize(r *http.Request, docID string) (auth.Claims, *auth.Error) {
	token := r.URL.Query().Get("token")
	if strings.TrimSpace(token) == "" {
		token = r.Header.Get("Authorization")
	}
	return auth.Verify(token, s.cfg.JWTSecret, docID, time.Now().UTC())
}

func (s *Server) join(docID string, c *conn) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errServerClosed
	}
	rm := s.rooms[docID]
	if rm == nil {
		rm = &room{docID: docID, conns: map[string]*conn{}}
		cancel, err := s.broker.Subscribe(s.ctx, docID, rm.deliver)
		if err != nil {
			return nil, err
		}
		rm.unsubscribe = cancel
		s.rooms[docID] = rm
	}
	rm.add(c)
	return rm, nil
}

// leave removes c and announces the departure of every presence entry it
// still had live.
func (s *Server) leave(rm *room, c *conn) {
	c.close(websocket.CloseNormalClosure, "")
	s.mu.Lock()
	empty := rm.remove(c.id)
	var unsubscribe func()
	if empty && s.rooms[rm.docID] == rm {
		delete(s.rooms, rm.docID)
		unsubscribe = rm.unsubscribe
	}
	s.mu.Unlock()

	if clocks := c.liveClients(); len(clocks) > 0 {
		if removal, err := presence.EncodeRemoval(clocks); err == nil {
			s.publish(rm.docID, Envelope{Source: c.id, Msg: wire.Encode(wire.TagAwareness, removal)})
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Server) publish(docID string, env Envelope) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.broker.Publish(ctx, docID, env); err != nil {
		s.logf("relay: doc %s publish failed: %v", docID, err)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func docIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	docID, err := url.PathUnescape(mux.Vars(r)["docId"])
	if err != nil || strings.TrimSpace(docID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid document id", getCorrelationID(r))
		return "", false
	}
	return docID, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
