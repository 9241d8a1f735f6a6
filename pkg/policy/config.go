package policy

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML rule file. Missing fields fall back to defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy config: %w", err)
	}
	return cfg.normalized(), nil
}

// Reloader hot-reloads the engine when the rule file changes on disk.
type Reloader struct {
	engine   *Engine
	path     string
	debounce time.Duration
}

func NewReloader(engine *Engine, path string) *Reloader {
	return &Reloader{engine: engine, path: path, debounce: 500 * time.Millisecond}
}

// Run blocks until ctx is cancelled. A broken rule file keeps the previously
// loaded configuration in effect.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(r.path); err != nil {
		return fmt.Errorf("watch %q: %w", r.path, err)
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() {
					cfg, err := LoadConfig(r.path)
					if err != nil {
						log.Printf("policy reload failed, keeping previous rules: %v", err)
						return
					}
					r.engine.Reload(cfg)
					log.Printf("policy rules reloaded from %s", r.path)
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("policy watcher error: %v", err)
		}
	}
}
