package filetree

import (
	"log/slog"

	"taskhub/internal/bridge"
	"taskhub/internal/events"
	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

// Lister fetches a project's file tree from the store
type Lister interface {
	ListFiles(path string, done func(root *protocol.FileNode, err error)) *bridge.Call
}

// LoadError is published when a listing fails
type LoadError struct {
	Path string
	Err  error
}

// Loader keeps a navigator's tree in sync with the active project. Only the
// most recent Load is applied.
type Loader struct {
	Failed events.Topic[LoadError]

	nav     *Navigator
	lister  Lister
	path    string
	pending *bridge.Call
	log     *slog.Logger
}

// NewLoader creates a loader feeding nav
func NewLoader(nav *Navigator, lister Lister) *Loader {
	return &Loader{nav: nav, lister: lister, log: logging.Component("filetree")}
}

// Path returns the project whose tree is loaded or loading
func (l *Loader) Path() string {
	return l.path
}

// Load replaces the tree with the listing of path. Switching to another path
// clears the tree at once and an empty path leaves it empty.
func (l *Loader) Load(path string) {
	if l.pending != nil {
		l.pending.Cancel()
		l.pending = nil
	}
	if path != l.path {
		// the old project's entries must not be activated while the new listing is pending
		l.nav.SetTree(nil)
	}
	l.path = path
	if path == "" {
		return
	}

	var call *bridge.Call
	call = l.lister.ListFiles(path, func(root *protocol.FileNode, err error) {
		if l.pending == call {
			l.pending = nil
		}
		if path != l.path {
			l.log.Debug("Dropping stale file listing", "path", logging.MaskPath(path))
			return
		}
		if err != nil {
			l.Failed.Publish(LoadError{Path: path, Err: err})
			return
		}
		l.nav.SetTree(root)
	})
	l.pending = call
}

// Reload lists the current project again
func (l *Loader) Reload() {
	l.Load(l.path)
}
