package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansoku/internal/model"
)

// rulesFile is the on-disk shape of an alert rules file:
//
//	rules:
//	  - metric_key: duration_seconds
//	    comparator: ">"
//	    threshold: 30
//	    callback_id: slow_response
//	    severity: warning
type rulesFile struct {
	Rules []model.AlertRule `yaml:"rules"`
}

// LoadRules reads and validates an alert rules file.
func LoadRules(path string) ([]model.AlertRule, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: parse rules %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("config: rules %s: rule %d: %w", path, i, err)
		}
	}
	return f.Rules, nil
}

// rulesDebounce coalesces the burst of events editors emit for one save.
const rulesDebounce = 100 * time.Millisecond

// WatchRules reloads the rules file whenever it changes and passes the new
// rule set to apply. A file that fails to load or apply is logged and the
// previous rules stay in force. Blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors
// which replace the file by rename are still seen.
func WatchRules(ctx context.Context, path string, logger *slog.Logger, apply func([]model.AlertRule) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create rules watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	reload := func() {
		rules, err := LoadRules(path)
		if err != nil {
			logger.Warn("config: rules reload failed, keeping previous rules", "path", path, "error", err)
			return
		}
		if err := apply(rules); err != nil {
			logger.Warn("config: rules rejected, keeping previous rules", "path", path, "error", err)
			return
		}
		logger.Info("config: alert rules reloaded", "path", path, "rules", len(rules))
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("config: rules watcher events channel closed")
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(rulesDebounce)
			} else {
				timer.Reset(rulesDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("config: rules watcher errors channel closed")
			}
			logger.Warn("config: rules watcher error", "error", err)
		}
	}
}
