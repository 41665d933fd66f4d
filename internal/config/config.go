// Package config provides the runtime configuration manager for the ETL
// service. The configuration file can be reloaded while the service runs in
// interval mode, so the next run picks up changes without a restart.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Conf holds the runtime-adjustable settings.
type Conf struct {
	// SampleLimit overrides the per-run sample limit when greater than zero.
	SampleLimit int `json:"sampleLimit"`
}

// Manager loads and watches a JSON runtime configuration file.
type Manager struct {
	path string

	mu   sync.RWMutex
	conf Conf
}

// New creates a new configuration manager for the given path.
// The configuration is not loaded until Load or Watch is called.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Load reads the configuration file from disk.
func (cm *Manager) Load() error {
	data, err := os.ReadFile(cm.path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %v", err)
	}

	var conf Conf
	if err := json.Unmarshal(data, &conf); err != nil {
		return fmt.Errorf("failed to parse configuration file: %v", err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conf = conf
	return nil
}

// SampleLimit returns the configured sample limit override, or zero if none
// is set.
func (cm *Manager) SampleLimit() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conf.SampleLimit
}

// Watch watches the configuration file for changes and reloads it when it is
// rewritten. It returns a channel signaling successful reloads and a channel
// carrying watch or reload errors. Both are closed when ctx is done.
//
// The containing directory is watched rather than the file itself, so the
// watch survives editors that save through a rename and files that are
// removed and recreated.
func (cm *Manager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create configuration watcher: %v", err)
	}
	if err := watcher.Add(filepath.Dir(cm.path)); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to watch configuration directory: %v", err)
	}

	events := make(chan struct{}, 1)
	errs := make(chan error, 1)

	go func() {
		defer watcher.Close()
		defer close(events)
		defer close(errs)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(cm.path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					// A removed or renamed-away file keeps the previous
					// configuration until it reappears.
					continue
				}
				if err := cm.Load(); err != nil {
					slog.Warn("Failed to reload configuration", "error", err)
					select {
					case errs <- err:
					default:
					}
					continue
				}
				slog.Info("Runtime configuration reloaded", "file", cm.path)
				select {
				case events <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()

	return events, errs, nil
}
