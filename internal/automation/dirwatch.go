package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultSettle is how long a rule file must be quiet before it is
// reloaded. Editors write a file in several steps.
const defaultSettle = 250 * time.Millisecond

// RuleLoader is the part of the engine driven by a DirWatcher.
type RuleLoader interface {
	Reload(ctx context.Context, set *RuleSet) error
	Unload(ctx context.Context, name string) error
}

// DirWatcher reloads rule sets when their files in a rules directory change
// and unloads them when the file is removed. A file that fails to parse
// leaves the loaded version in place.
type DirWatcher struct {
	dir    string
	loader RuleLoader
	items  ItemCommander
	logger Logger
	settle time.Duration
}

// NewDirWatcher creates a watcher for dir. Guards of reloaded rules read
// item state through items.
func NewDirWatcher(dir string, loader RuleLoader, items ItemCommander, logger Logger) *DirWatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &DirWatcher{
		dir:    dir,
		loader: loader,
		items:  items,
		logger: logger,
		settle: defaultSettle,
	}
}

// Run watches the directory until ctx is cancelled.
func (w *DirWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rule watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck // Best-effort cleanup

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching rules directory %s: %w", w.dir, err)
	}
	w.logger.Info("watching rules directory", "dir", w.dir)

	pending := make(map[string]struct{})
	var settle *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsRuleFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			pending[filepath.Clean(ev.Name)] = struct{}{}
			if settle == nil {
				settle = time.NewTimer(w.settle)
				fire = settle.C
			} else {
				settle.Reset(w.settle)
			}

		case <-fire:
			settle, fire = nil, nil
			for path := range pending {
				w.apply(ctx, path)
			}
			clear(pending)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule watcher error", "error", err)
		}
	}
}

// apply brings the engine in line with the file at path.
func (w *DirWatcher) apply(ctx context.Context, path string) {
	name := RuleSetName(path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		err := w.loader.Unload(ctx, name)
		switch {
		case err == nil:
			w.logger.Info("rule file removed", "path", path, "rule_set", name)
		case !errors.Is(err, ErrRuleSetNotFound):
			w.logger.Error("unloading rule set failed", "rule_set", name, "error", err)
		}
		return
	}

	set, err := LoadRuleFile(path, w.items)
	if err != nil {
		w.logger.Error("rule file rejected, keeping loaded version", "path", path, "error", err)
		return
	}
	if err := w.loader.Reload(ctx, set); err != nil {
		w.logger.Error("reloading rule set failed", "rule_set", name, "error", err)
		return
	}
	w.logger.Info("rule file reloaded", "path", path, "rule_set", name, "rules", len(set.Rules))
}
