package platform

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
)

// watchDir adds dir to the file watcher, creating the watcher on first use.
// Directories are reference counted across watch triggers.
func (p *Platform) watchDir(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	if p.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating file watcher: %w", err)
		}
		p.watcher = w
		p.wg.Add(1)
		go p.watchLoop(w)
	}

	if p.dirRefs[dir] == 0 {
		if err := p.watcher.Add(dir); err != nil {
			return fmt.Errorf("%w: watching %s: %v", ErrInvalidTrigger, dir, err)
		}
	}
	p.dirRefs[dir]++
	return nil
}

// unwatchDir removes dir from the watcher with its last trigger.
func (p *Platform) unwatchDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dirRefs[dir]--
	if p.dirRefs[dir] > 0 {
		return
	}
	delete(p.dirRefs, dir)
	if p.watcher != nil {
		if err := p.watcher.Remove(dir); err != nil {
			p.logger.Debug("removing watch failed", "dir", dir, "error", err)
		}
	}
}

func (p *Platform) watchLoop(w *fsnotify.Watcher) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			p.handleFileEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("file watcher error", "error", err)
		}
	}
}

// fileEventName maps an fsnotify operation to a watch event name. Renames
// count as deletions of the old name; chmod is ignored.
func fileEventName(op fsnotify.Op) (string, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return automation.FileCreated, true
	case op.Has(fsnotify.Write):
		return automation.FileModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return automation.FileDeleted, true
	}
	return "", false
}

func (p *Platform) handleFileEvent(ev fsnotify.Event) {
	name, ok := fileEventName(ev.Op)
	if !ok {
		return
	}
	path := filepath.Clean(ev.Name)
	regs := p.collect(func(r *registration) bool {
		return r.matchFile(path, name)
	}, automation.TypeFileWatch)

	deliverAll(regs, map[string]any{
		automation.KeyType:      string(automation.EventFileWatch),
		automation.KeyPath:      path,
		automation.KeyFileEvent: name,
	})
}
