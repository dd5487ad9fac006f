// Package authtoken manages the bearer token every WebSocket client must
// present in its first daemon.auth call (spec.md §4.1). The token lives in
// a plain file at {data_dir}/auth_token, mode 0600, and is watched with
// fsnotify so a rotated file is picked up without restarting the daemon —
// extending the original's "token rotation invalidates in-flight
// connections" requirement (original_source/apps/daemon/src/ipc/mod.rs)
// with live reload instead of a restart.
package authtoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the current token value, reloading it whenever the backing
// file changes on disk.
type Watcher struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads (creating if absent) the auth token file at {dataDir}/auth_token
// and starts watching it for changes. Call Close when done.
func Load(dataDir string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(dataDir, "auth_token")

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		tok, genErr := generate()
		if genErr != nil {
			return nil, fmt.Errorf("generate auth token: %w", genErr)
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
			return nil, fmt.Errorf("write auth token: %w", err)
		}
	}

	w := &Watcher{path: path, log: log, done: make(chan struct{})}
	if err := w.reload(); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		// No live-reload support on this platform; the token still loaded.
		log.Warn("auth token file watch unavailable", "error", err)
		return w, nil
	}
	if err := fw.Add(dataDir); err != nil {
		fw.Close()
		log.Warn("auth token watch add failed", "error", err)
		return w, nil
	}
	w.watcher = fw
	go w.watch()
	return w, nil
}

func generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read auth token: %w", err)
	}
	w.mu.Lock()
	w.token = strings.TrimSpace(string(data))
	w.mu.Unlock()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := w.reload(); err != nil {
					w.log.Warn("auth token reload failed", "error", err)
				} else {
					w.log.Info("auth token rotated")
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("auth token watch error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Valid reports whether provided matches the current token using a
// constant-time comparison of the content; a length mismatch is rejected
// without comparing bytes.
func (w *Watcher) Valid(provided string) bool {
	w.mu.RLock()
	current := w.token
	w.mu.RUnlock()
	if current == "" {
		return true // auth disabled
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// CurrentToken returns the presently loaded token value, for callers that
// need to display or hand it to a newly paired client.
func (w *Watcher) CurrentToken() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token
}

// Enabled reports whether a non-empty token is configured.
func (w *Watcher) Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token != ""
}

// Close stops the file watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
