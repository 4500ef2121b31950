package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/taskfleet/warden/internal/supervisor"
)

// RuleWatcher hot-reloads diagnosis rules when the rules file changes.
type RuleWatcher struct {
	mu       sync.RWMutex
	path     string
	rules    []supervisor.CompiledRule
	onReload func([]supervisor.CompiledRule)

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewRuleWatcher loads the rules file and prepares a watcher. onReload is
// invoked with the fresh rule set after every successful reload; it may be
// nil.
func NewRuleWatcher(path string, onReload func([]supervisor.CompiledRule)) (*RuleWatcher, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return &RuleWatcher{
		path:     path,
		rules:    rules,
		onReload: onReload,
		stop:     make(chan struct{}),
	}, nil
}

// Rules returns the currently loaded rule set.
func (w *RuleWatcher) Rules() []supervisor.CompiledRule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rules
}

// Start begins watching the rules file's directory. Editors replace files
// on save, so the directory is watched rather than the file itself.
func (w *RuleWatcher) Start() error {
	if w.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Infof("Rules file changed (%s), reloading...", event.Name)
					time.Sleep(100 * time.Millisecond)
					w.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Rules watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()
	return nil
}

func (w *RuleWatcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		log.Errorf("Failed to reload rules: %v", err)
		return
	}

	w.mu.Lock()
	w.rules = rules
	w.mu.Unlock()

	log.Infof("Reloaded %d diagnosis rules", len(rules))
	if w.onReload != nil {
		w.onReload(rules)
	}
}

// Stop shuts down the watcher. Idempotent.
func (w *RuleWatcher) Stop() {
	if w.watcher != nil {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
		w.watcher.Close()
		w.watcher = nil
	}
}
