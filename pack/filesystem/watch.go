package filesystem

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/planloop/infrastructure/logging"
)

// skipDirs are never watched.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Watcher records files changed under a workspace root, including changes
// made by shell commands that the file tools never see. Every subscriber
// receives every change; draining one subscription leaves the others intact.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	subs map[*subscription]struct{}

	done chan struct{}
}

// subscription collects changes for one consumer, in order of first change.
type subscription struct {
	changed []string
	seen    map[string]bool
}

// NewWatcher starts watching root and its subdirectories.
func NewWatcher(root string) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    absRoot,
		watcher: fw,
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
	}
	if err := w.addTree(absRoot); err != nil {
		_ = fw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().
				Add(logging.Component("watcher")).
				Add(logging.ErrorField(err)).
				Msg("workspace watch error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDirs[filepath.Base(event.Name)] {
				_ = w.addTree(event.Name)
			}
			return
		}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subs {
		if !sub.seen[rel] {
			sub.seen[rel] = true
			sub.changed = append(sub.changed, rel)
		}
	}
}

// Subscribe starts collecting changes for a new consumer. drain returns
// root-relative paths changed since the subscription opened or since the
// previous drain. cancel stops collection; it is safe to call twice.
func (w *Watcher) Subscribe() (drain func() []string, cancel func()) {
	sub := &subscription{seen: make(map[string]bool)}

	w.mu.Lock()
	w.subs[sub] = struct{}{}
	w.mu.Unlock()

	drain = func() []string {
		w.mu.Lock()
		defer w.mu.Unlock()

		out := sub.changed
		sub.changed = nil
		sub.seen = make(map[string]bool)
		return out
	}
	cancel = func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, sub)
	}
	return drain, cancel
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
