// Package watcher monitors the configuration file for changes and hot-reloads
// the proxy configuration. Reloads are content-addressed: an event whose file
// bytes hash to the last seen value is ignored, so editor save dances and
// duplicate notifications do not trigger spurious reloads.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/util"
	log "github.com/sirupsen/logrus"
)

// rewatchDelay gives editors that replace the file via rename time to finish
// before the watch is re-established.
const rewatchDelay = 100 * time.Millisecond

// Watcher watches one config file and delivers reloaded configurations to a
// callback.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher

	mu             sync.Mutex
	config         *config.Config
	lastConfigHash string
}

// NewWatcher creates a watcher for the given config file. The callback runs
// on the watcher goroutine after every successful reload.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsWatcher,
	}, nil
}

// SetConfig records the currently active configuration and its content hash
// so an event that rewrites identical bytes is ignored.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		sum := sha256.Sum256(data)
		w.lastConfigHash = hex.EncodeToString(sum[:])
	}
}

// Start begins watching and processing events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}

	// Editors that save atomically remove or rename the watched inode; the
	// watch must be re-established on the replacement file.
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		time.Sleep(rewatchDelay)
		if err := w.watcher.Add(w.configPath); err != nil {
			log.Errorf("failed to re-watch config file %s: %v", w.configPath, err)
			return
		}
	} else if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

// reloadConfig parses the file and publishes the new configuration. A parse
// failure keeps the previous configuration active.
func (w *Watcher) reloadConfig() bool {
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config, keeping previous: %v", err)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	// Reapply the log level even when the flag looks unchanged; change
	// detection may have missed an intermediate write.
	util.SetLogLevel(newConfig.Debug)
	if oldConfig != nil {
		if oldConfig.Port != newConfig.Port {
			log.Warnf("config: port changed %d -> %d; a restart is required for the listen address", oldConfig.Port, newConfig.Port)
		}
		if oldConfig.DefaultBackend != newConfig.DefaultBackend {
			log.Debugf("config: default backend %s -> %s", oldConfig.DefaultBackend, newConfig.DefaultBackend)
		}
		if oldConfig.CommandPrefix != newConfig.CommandPrefix {
			log.Debugf("config: command prefix %q -> %q", oldConfig.CommandPrefix, newConfig.CommandPrefix)
		}
		if len(oldConfig.FailoverRoutes) != len(newConfig.FailoverRoutes) {
			log.Debugf("config: failover route count %d -> %d", len(oldConfig.FailoverRoutes), len(newConfig.FailoverRoutes))
		}
		if len(oldConfig.APIKeys) != len(newConfig.APIKeys) {
			log.Debugf("config: api key count %d -> %d", len(oldConfig.APIKeys), len(newConfig.APIKeys))
		}
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	return true
}
