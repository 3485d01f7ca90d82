package safety

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"forgeline/internal/config"
)

// Watch hot-reloads the policy lists whenever the config file changes.
// The parent directory is watched rather than the file itself so that
// editors that replace the file (rename + create) keep triggering. Blocks
// until ctx is cancelled.
func (s *Screener) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				s.logf("policy reload skipped, config unreadable: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				s.logf("policy reload skipped, config invalid: %v", err)
				continue
			}
			if err := s.SetPolicies(cfg.Safety); err != nil {
				s.logf("policy reload skipped: %v", err)
				continue
			}
			s.logf("safety policies reloaded from %s", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("fsnotify error: %v", err)
		}
	}
}
