package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaydoc/internal/auth"
	"github.com/agentworkforce/relaydoc/internal/cache"
	"github.com/agentworkforce/relaydoc/internal/channel"
	"github.com/agentworkforce/relaydoc/internal/docapi"
	"github.com/agentworkforce/relaydoc/internal/presence"
	"github.com/agentworkforce/relaydoc/internal/replica/automergedoc"
	"github.com/agentworkforce/relaydoc/internal/syncdoc"
)

func main() {
	serverURL := flag.String("server", envOrDefault("RELAYDOC_SERVER_URL", "http://127.0.0.1:8080"), "relay server URL")
	docID := flag.String("doc", strings.TrimSpace(os.Getenv("RELAYDOC_DOC")), "document ID")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYDOC_TOKEN")), "bearer token")
	tokenFile := flag.String("token-file", strings.TrimSpace(os.Getenv("RELAYDOC_TOKEN_FILE")), "file holding the bearer token; watched for login and logout")
	cacheDSN := flag.String("cache", envOrDefault("RELAYDOC_CACHE_DSN", "file://.relaydoc/cache"), "local cache DSN (file://, bolt://, memory://, postgres://)")
	name := flag.String("name", strings.TrimSpace(os.Getenv("RELAYDOC_NAME")), "display name (defaults to the token's name claim)")
	color := flag.String("color", strings.TrimSpace(os.Getenv("RELAYDOC_COLOR")), "presence color as #rrggbb")
	reconnectPolicy := flag.String("reconnect-policy", envOrDefault("RELAYDOC_RECONNECT_POLICY", "fixed"), "reconnect policy: fixed or exponential")
	reconnectDelay := flag.Duration("reconnect-delay", durationEnv("RELAYDOC_RECONNECT_DELAY", syncdoc.DefaultReconnectDelay), "reconnect delay (initial delay for exponential)")
	reconnectMax := flag.Duration("reconnect-max", durationEnv("RELAYDOC_RECONNECT_MAX", time.Minute), "maximum exponential reconnect delay")
	reconnectJitter := flag.Float64("reconnect-jitter", floatEnv("RELAYDOC_RECONNECT_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYDOC_TIMEOUT", 10*time.Second), "per-operation timeout")
	flag.Parse()

	if strings.TrimSpace(*docID) == "" {
		log.Fatalf("doc is required (--doc or RELAYDOC_DOC)")
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Second
	}
	policy, err := buildReconnectPolicy(*reconnectPolicy, *reconnectDelay, *reconnectMax)
	if err != nil {
		log.Fatalf("%v", err)
	}

	backend, err := cache.BuildBackendFromDSN(*cacheDSN)
	if err != nil {
		log.Fatalf("failed to open cache %q: %v", *cacheDSN, err)
	}
	docCache := cache.New(backend, cache.Options{})
	defer docCache.Close()

	doc, err := automergedoc.New(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err != nil {
		log.Fatalf("failed to create document: %v", err)
	}

	var tokens auth.TokenSource = auth.Static(*token)
	var fileTokens *auth.FileTokenSource
	if strings.TrimSpace(*tokenFile) != "" {
		fileTokens = &auth.FileTokenSource{Path: strings.TrimSpace(*tokenFile)}
		tokens = fileTokens
	}
	httpClient := &http.Client{Timeout: *timeout}

	opts := syncdoc.Options{
		DocID:            strings.TrimSpace(*docID),
		ServerURL:        *serverURL,
		Replica:          doc,
		Cache:            docCache,
		Dialer:           &channel.WebSocketDialer{HTTPClient: httpClient, Logger: log.Default()},
		Tokens:           tokens,
		Snapshots:        docapi.NewClient(*serverURL, tokens, httpClient),
		ReconnectPolicy:  policy,
		ReconnectJitter:  clampJitterRatio(*reconnectJitter),
		OperationTimeout: *timeout,
		Logger:           log.Default(),
	}
	if fileTokens == nil && strings.TrimSpace(*token) != "" {
		id := identityFor(*token, *name, *color)
		opts.Identity = &id
	}
	coord, err := syncdoc.New(opts)
	if err != nil {
		log.Fatalf("failed to initialize coordinator: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord.Watch(func(st syncdoc.Status) {
		log.Printf("relaydoc: doc %s %s", coord.DocID(), describeStatus(st))
	})
	if err := coord.Start(rootCtx); err != nil {
		log.Fatalf("failed to start coordinator: %v", err)
	}
	defer coord.Close()

	switch {
	case fileTokens != nil:
		go func() {
			err := fileTokens.Watch(rootCtx,
				func(tok string) { coord.SetIdentity(identityFor(tok, *name, *color)) },
				coord.ClearIdentity,
			)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("relaydoc: token watch stopped: %v", err)
			}
		}()
	case opts.Identity == nil:
		log.Printf("relaydoc: no token configured, editing locally only")
		coord.ClearIdentity()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("relaydoc: stopping: %v", rootCtx.Err())
			return
		case line, ok := <-lines:
			if !ok {
				drain(coord, *timeout)
				return
			}
			if err := runCommand(line, doc, coord, os.Stdout); err != nil {
				log.Printf("relaydoc: %v", err)
			}
		}
	}
}

// identityFor derives the presence identity from explicit flags, falling back
// to the token's name or subject claim.
func identityFor(token, name, color string) syncdoc.Identity {
	id := syncdoc.Identity{Name: strings.TrimSpace(name), Color: strings.TrimSpace(color)}
	if id.Name != "" {
		return id
	}
	if claims, err := auth.Peek(token); err == nil {
		id.Name = claims.Name
		if id.Name == "" {
			id.Name = claims.Subject
		}
	}
	return id
}

func buildReconnectPolicy(kind string, delay, max time.Duration) (backoff.BackOff, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "fixed", "constant":
		return syncdoc.ConstantReconnect(delay), nil
	case "exponential", "exp":
		return syncdoc.ExponentialReconnect(delay, max), nil
	default:
		return nil, fmt.Errorf("unsupported reconnect policy: %s", kind)
	}
}

// runCommand handles one stdin line. Lines starting with "/" are commands;
// anything else is appended to the document as a new line.
func runCommand(line string, doc *automergedoc.Doc, coord *syncdoc.Coordinator, out io.Writer) error {
	if !strings.HasPrefix(line, "/") {
		_, err := doc.AppendText(line + "\n")
		return err
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/text":
		text, err := doc.Text()
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, text)
		return err
	case "/status":
		_, err := fmt.Fprintln(out, describeStatus(coord.Status()))
		return err
	case "/who":
		for id, st := range coord.Presence().States() {
			marker := " "
			if id == coord.Presence().LocalID() {
				marker = "*"
			}
			if _, err := fmt.Fprintf(out, "%s %s %s%s\n", marker, st.Name, st.Color, describeCursor(st.Cursor)); err != nil {
				return err
			}
		}
		return nil
	case "/cursor":
		if len(fields) != 3 {
			return fmt.Errorf("usage: /cursor LINE COLUMN")
		}
		line, err := strconv.Atoi(fields[1])
		if err != nil || line < 0 {
			return fmt.Errorf("invalid line %q", fields[1])
		}
		column, err := strconv.Atoi(fields[2])
		if err != nil || column < 0 {
			return fmt.Errorf("invalid column %q", fields[2])
		}
		coord.Presence().SetCursor(&presence.Cursor{Line: line, Column: column})
		return nil
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func describeStatus(st syncdoc.Status) string {
	parts := []string{"state=" + st.State.String(), "pending=" + strconv.Itoa(st.PendingDeltas)}
	if st.LocalOnly {
		parts = append(parts, "local-only")
	}
	if st.Degraded {
		parts = append(parts, "degraded")
	}
	if st.SessionID != "" {
		parts = append(parts, "session="+st.SessionID)
	}
	if st.Err != nil {
		parts = append(parts, "err="+st.Err.Error())
	}
	return strings.Join(parts, " ")
}

func describeCursor(c *presence.Cursor) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf(" @%d:%d", c.Line, c.Column)
}

// drain gives queued edits a chance to reach the server before exit.
func drain(coord *syncdoc.Coordinator, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := coord.Status()
		if st.PendingDeltas == 0 || st.LocalOnly || st.Degraded {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Printf("relaydoc: exiting with %d unsynced edits kept in the cache", coord.Status().PendingDeltas)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
