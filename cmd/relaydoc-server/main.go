package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/relay"
)

func main() {
	addr := os.Getenv("RELAYDOC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logDSN, err := logDSNFromEnv()
	if err != nil {
		log.Fatalf("failed to resolve update log: %v", err)
	}
	updateLog, err := relay.BuildUpdateLogFromDSN(ctx, logDSN)
	if err != nil {
		log.Fatalf("failed to initialize update log: %v", err)
	}
	defer updateLog.Close()

	broker, err := relay.BuildBroker(ctx, strings.TrimSpace(os.Getenv("RELAYDOC_REDIS_URL")), log.Default())
	if err != nil {
		log.Fatalf("failed to initialize broker: %v", err)
	}
	defer broker.Close()

	secret := os.Getenv("RELAYDOC_JWT_SECRET")
	if secret == "" {
		log.Printf("RELAYDOC_JWT_SECRET is unset, using the development secret")
	}
	server := relay.NewServer(updateLog, broker, relay.Config{
		JWTSecret:       secret,
		MaxMessageBytes: int64Env("RELAYDOC_MAX_MESSAGE_BYTES", 0),
		RateLimitMax:    intEnv("RELAYDOC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYDOC_RATE_LIMIT_WINDOW", time.Minute),
		SendQueue:       intEnv("RELAYDOC_SEND_QUEUE", 0),
		WriteTimeout:    durationEnv("RELAYDOC_WRITE_TIMEOUT", 0),
		PingInterval:    durationEnv("RELAYDOC_PING_INTERVAL", 0),
		Logger:          log.Default(),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		<-ctx.Done()
		_ = server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("relaydoc listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// logDSNFromEnv picks the update log location: an explicit DSN wins, then
// the backend profile.
func logDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("RELAYDOC_LOG_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYDOC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("RELAYDOC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".relaydoc"
	}
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("RELAYDOC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("RELAYDOC_POSTGRES_DSN is required when RELAYDOC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "log"), nil
	default:
		return "", fmt.Errorf("unsupported RELAYDOC_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
