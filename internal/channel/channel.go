// Package channel is the duplex byte transport a coordinator speaks the
// framed document protocol over. A channel never reconnects on its own;
// retry policy belongs to the caller.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultSendQueue    = 256
	defaultReadLimit    = 16 << 20
	defaultWriteTimeout = 10 * time.Second
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrSessionClosed = errors.New("session closed")
	ErrTextMessage   = errors.New("unexpected text message")
)

type Logger interface {
	Printf(format string, args ...any)
}

// Handlers receive session events. OnMessage and OnError run on the read
// goroutine; OnClose fires exactly once per session.
type Handlers struct {
	OnOpen    func()
	OnMessage func(msg []byte)
	OnError   func(err error)
	OnClose   func(info CloseInfo)
}

type CloseInfo struct {
	Code   int
	Reason string
	// Local is set when the session was closed by Session.Close.
	Local bool
	Err   error
}

type Session interface {
	Send(msg []byte) error
	// SendTracked queues msg like Send. written runs exactly once, with nil
	// after the frame was written to the transport or with an error when the
	// session ended first.
	SendTracked(msg []byte, written func(err error)) error
	// Close ends the session without waiting for the peer.
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL, token string, h Handlers) (Session, error)
}

// DialError reports a failed connection attempt. StatusCode is the HTTP
// status of a rejected upgrade, or zero for transport failures.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial failed with http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the server rejected the credential.
func (e *DialError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// DocumentURL builds the per-document channel endpoint
// <base>/ws/<docID>?token=<token>. http(s) bases are mapped to ws(s).
func DocumentURL(base, docID, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("server url is required")
	}
	if strings.TrimSpace(docID) == "" {
		return "", fmt.Errorf("document id is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme: %q", u.Scheme)
	}
	prefix := strings.TrimRight(u.Path, "/")
	u.Path = prefix + "/ws/" + docID
	u.RawPath = prefix + "/ws/" + url.PathEscape(docID)
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type WebSocketDialer struct {
	HTTPClient   *http.Client
	SendQueue    int
	ReadLimit    int64
	WriteTimeout time.Duration
	Logger       Logger
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL, token string, h Handlers) (Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &DialError{StatusCode: status, Err: err}
	}
	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	queueSize := d.SendQueue
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:         conn,
		handlers:     h,
		queue:        make(chan outgoing, queueSize),
		ctx:          sessCtx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
		logger:       d.Logger,
	}
	if h.OnOpen != nil {
		h.OnOpen()
	}
	go s.readPump()
	go s.writePump()
	return s, nil
}

type outgoing struct {
	msg     []byte
	written func(err error)
}

func (o outgoing) done(err error) {
	if o.written != nil {
		o.written(err)
	}
}

type wsSession struct {
	conn         *websocket.Conn
	handlers     Handlers
	queue        chan outgoing
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
	logger       Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (s *wsSession) Send(msg []byte) error {
	return s.SendTracked(msg, nil)
}

func (s *wsSession) SendTracked(msg []byte, written func(err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- outgoing{msg: append([]byte(nil), msg...), written: written}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears the connection down immediately. Callers run on an event loop,
// so it never waits for the peer's close handshake.
func (s *wsSession) Close() error {
	var err error
	s.finish(CloseInfo{Code: int(websocket.StatusNormalClosure), Local: true}, func() {
		err = s.conn.CloseNow()
	})
	return err
}

func (s *wsSession) readPump() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		if typ != websocket.MessageBinary {
			if s.handlers.OnError != nil {
				s.handlers.OnError(ErrTextMessage)
			}
			continue
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(data)
		}
	}
}

func (s *wsSession) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case out := <-s.queue:
			ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageBinary, out.msg)
			cancel()
			if err != nil {
				out.done(err)
				s.fail(err)
				return
			}
			out.done(nil)
		}
	}
}

func (s *wsSession) fail(err error) {
	code := websocket.CloseStatus(err)
	info := CloseInfo{Code: int(code), Err: err}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		info.Reason = closeErr.Reason
	}
	s.finish(info, func() {
		if code == -1 && s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
		_ = s.conn.CloseNow()
	})
}

// finish runs once per session: it marks the session closed, runs teardown,
// cancels the pumps, fails every unwritten frame and then reports OnClose.
func (s *wsSession) finish(info CloseInfo, teardown func()) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		teardown()
		s.cancel()
		s.abandonQueued()
		if s.logger != nil && !info.Local {
			s.logger.Printf("channel closed: code=%d reason=%q err=%v", info.Code, info.Reason, info.Err)
		}
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(info)
		}
	})
}

// abandonQueued reports every frame still waiting for the write pump as
// unwritten. Send is rejected once closed is set, so the queue only drains.
func (s *wsSession) abandonQueued() {
	for {
		select {
		case out := <-s.queue:
			out.done(ErrSessionClosed)
		default:
			return
		}
	}
}
