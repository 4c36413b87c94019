package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sebas/agentline/internal/telephony"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 500 * time.Millisecond

type iceFile struct {
	ICEServers []telephony.ICEServer `yaml:"ice_servers"`
}

// LoadICEServers reads and validates an ICE server file of the form
//
//	ice_servers:
//	  - urls: ["stun:stun.example.com:3478"]
//	  - urls: ["turn:turn.example.com:3478"]
//	    username: agent
//	    credential: secret
func LoadICEServers(path string) ([]telephony.ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &telephony.ConfigError{Field: "ice_file", Reason: err.Error()}
	}
	var f iceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &telephony.ConfigError{Field: "ice_file", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	if err := telephony.ValidateICEServers(f.ICEServers); err != nil {
		return nil, err
	}
	return f.ICEServers, nil
}

// ICEWatcher reloads an ICE server file when it changes and hands the new
// list to apply. An invalid file leaves the current list in place.
type ICEWatcher struct {
	path  string
	apply func([]telephony.ICEServer) error

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

func NewICEWatcher(path string, apply func([]telephony.ICEServer) error) *ICEWatcher {
	return &ICEWatcher{path: path, apply: apply}
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are picked up too.
func (w *ICEWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	slog.Info("[Config] Watching ICE server file", "path", w.path)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *ICEWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *ICEWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	name := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[Config] ICE watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of write events into one reload.
func (w *ICEWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *ICEWatcher) reload() {
	servers, err := LoadICEServers(w.path)
	if err != nil {
		slog.Error("[Config] ICE reload rejected, keeping current servers", "path", w.path, "error", err)
		return
	}
	if err := w.apply(servers); err != nil {
		slog.Error("[Config] ICE reload not applied", "error", err)
		return
	}
	slog.Info("[Config] ICE servers reloaded", "count", len(servers))
}
