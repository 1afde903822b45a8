package watch

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"fieldtracker/internal/config"
	"fieldtracker/internal/keepalive"
	"fieldtracker/internal/provider"
)

// Watcher re-reads the YAML config file when it changes and applies the
// hot-reloadable fields: composite strategy and sampling interval.
// Everything else requires a restart.
type Watcher struct {
	cfg       config.Config
	composite *provider.Composite
	ka        *keepalive.Controller
}

func New(cfg config.Config, composite *provider.Composite, ka *keepalive.Controller) *Watcher {
	return &Watcher{cfg: cfg, composite: composite, ka: ka}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher || w.cfg.ConfigPath == "" {
		log.Println("config watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(evt.Name) != filepath.Clean(w.cfg.ConfigPath) {
					continue
				}
				w.reload()
			case err := <-watcher.Errors:
				log.Printf("config watcher error: %v", err)
			}
		}
	}()
	// watch the directory so editor rename-on-save is still seen
	return watcher.Add(filepath.Dir(w.cfg.ConfigPath))
}

func (w *Watcher) reload() {
	fc, err := config.LoadFile(w.cfg.ConfigPath)
	if err != nil {
		log.Printf("config reload: %v", err)
		return
	}
	if fc.Strategy != "" {
		strategy, err := provider.ParseStrategy(fc.Strategy)
		if err != nil {
			log.Printf("config reload: %v", err)
		} else {
			w.composite.SetStrategy(strategy)
		}
	}
	if fc.SampleIntervalSec != 0 {
		w.ka.SetInterval(time.Duration(fc.SampleIntervalSec) * time.Second)
	}
}
