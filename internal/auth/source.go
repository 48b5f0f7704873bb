package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ErrNoToken means no credential is currently available.
var ErrNoToken = errors.New("no auth token available")

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token. An empty Static has no token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// FileTokenSource reads the token from a file that an external login flow
// writes and removes.
type FileTokenSource struct {
	Path string
}

func (f FileTokenSource) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Watch reports the token file's availability: onAvailable runs with the
// token whenever it appears or changes, onUnavailable when it disappears or
// empties. The current state is reported first. Watch blocks until ctx ends.
func (f FileTokenSource) Watch(ctx context.Context, onAvailable func(token string), onUnavailable func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(f.Path)

	current := ""
	check := func() {
		token, err := f.Token(ctx)
		if err != nil {
			token = ""
		}
		if token == current {
			return
		}
		current = token
		if token == "" {
			if onUnavailable != nil {
				onUnavailable()
			}
			return
		}
		if onAvailable != nil {
			onAvailable(token)
		}
	}
	if token, err := f.Token(ctx); err == nil {
		current = token
		if onAvailable != nil {
			onAvailable(token)
		}
	} else if onUnavailable != nil {
		onUnavailable()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				check()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
