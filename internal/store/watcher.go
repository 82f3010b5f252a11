package store

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskhub/internal/logging"
)

const watchDebounce = 100 * time.Millisecond

// watcher reports changes to tasks.json in watched marker directories
type watcher struct {
	fs       *fsnotify.Watcher
	onChange func(projectPath string)
	debounce time.Duration

	mu     sync.Mutex
	dirs   map[string]string // marker dir -> project path
	timers map[string]*time.Timer
	closed bool

	done chan struct{}
	log  *slog.Logger
}

func newWatcher(onChange func(projectPath string)) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:       fsw,
		onChange: onChange,
		debounce: watchDebounce,
		dirs:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
		log:      logging.Component("store-watcher"),
	}
	go w.run()
	return w, nil
}

// add starts watching dir for tasks of projectPath. Adding a directory
// twice is a no-op; a directory that does not exist yet is an error.
func (w *watcher) add(dir, projectPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = projectPath
	w.log.Debug("Watching tasks", "dir", logging.MaskPath(dir))
	return nil
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != TasksFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule(filepath.Dir(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("File watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of events per directory
func (w *watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	projectPath, ok := w.dirs[dir]
	if !ok {
		return
	}
	if t, ok := w.timers[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, dir)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.onChange(projectPath)
		}
	})
}

func (w *watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}
