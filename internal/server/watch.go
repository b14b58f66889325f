package server

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/permission"
)

const defaultReloadDebounce = 200 * time.Millisecond

// ConfigWatcher reloads the config file when it changes on disk and applies
// the permission section to the live permission store. Other sections take
// effect on restart.
type ConfigWatcher struct {
	cfg      *Config
	perms    *permission.Store
	debounce time.Duration
	log      *zap.Logger

	// reloaded is called after each successful reload. Tests hook it.
	reloaded func()
}

// NewConfigWatcher creates a watcher for cfg's file.
func NewConfigWatcher(cfg *Config, perms *permission.Store, log *zap.Logger) *ConfigWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConfigWatcher{
		cfg:      cfg,
		perms:    perms,
		debounce: defaultReloadDebounce,
		log:      log,
		reloaded: func() {},
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are seen.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	path := w.cfg.Path()
	if path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		// Nothing to watch until the directory exists; not fatal.
		w.log.Warn("cannot watch config directory", zap.String("dir", dir), zap.Error(err))
		<-ctx.Done()
		return nil
	}
	w.log.Info("watching config", zap.String("path", path))

	name := filepath.Clean(path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	if err := w.cfg.Reload(); err != nil {
		w.log.Warn("reload failed, keeping current config", zap.Error(err))
		return
	}
	pc := w.cfg.PermissionConfig()
	if pc.Status != "" {
		status, err := permission.ParseStatus(pc.Status)
		if err != nil {
			w.log.Warn("bad permission status", zap.Error(err))
			return
		}
		w.perms.Set(status)
	}
	w.perms.SetAutoGrant(pc.AutoGrant)
	w.log.Info("config reloaded")
	w.reloaded()
}
