// Package editor holds the state of the single-document editor overlay.
package editor

import (
	"errors"
	"fmt"
	"log/slog"

	"taskhub/internal/bridge"
	"taskhub/internal/events"
	"taskhub/internal/focus"
	"taskhub/internal/logging"
)

var (
	ErrNotClosed = errors.New("editor already has a document")
	ErrNotOpen   = errors.New("editor has no open document")
	ErrBusy      = errors.New("save already in progress")
	ErrNoProject = errors.New("no active project")
)

// Keys understood by HandleKey
const (
	KeySave   = "Mod+s"
	KeyEscape = "Escape"
	KeyTab    = "Tab"
)

// TabText is inserted for the Tab key
const TabText = "  "

// State of the session
type State int

const (
	Closed State = iota
	Loading
	Clean
	Dirty
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Loading:
		return "loading"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Open reports whether a document is loaded
func (s State) Open() bool {
	return s == Clean || s == Dirty
}

// Files reads and writes documents of the project at root through the store
type Files interface {
	ReadFile(root, file string, done func(content string, err error)) *bridge.Call
	WriteFile(root, file, content string, done func(error)) *bridge.Call
}

// Project reports the project files are opened from
type Project interface {
	ActivePath() string
}

// Confirmer asks the user whether to discard unsaved changes. answer must
// be invoked on the event loop.
type Confirmer interface {
	ConfirmDiscard(path string, answer func(proceed bool))
}

// Focus is the part of the focus coordinator the editor needs
type Focus interface {
	Acquire(owner focus.Owner)
	Restore(origin focus.Owner)
}

// View is what the UI renders
type View struct {
	State    string `json:"state"`
	Path     string `json:"path,omitempty"`
	Buffer   string `json:"buffer"`
	Cursor   int    `json:"cursor"`
	Modified bool   `json:"modified"`
	Saving   bool   `json:"saving"`
}

// Failure is published when loading or saving fails
type Failure struct {
	Op   string
	Path string
	Err  error
}

// Session edits one file at a time. Dirtiness is buffer != original, so
// reverting an edit by hand makes the document clean again.
type Session struct {
	Changed events.Topic[View]
	Failed  events.Topic[Failure]
	Saved   events.Topic[string]

	state      State
	root       string
	path       string
	original   string
	buffer     []rune
	cursor     int
	origin     focus.Owner
	load       *bridge.Call
	saving     bool
	confirming bool

	files   Files
	project Project
	confirm Confirmer
	focus   Focus
	log     *slog.Logger
}

// New creates a closed session
func New(files Files, project Project, confirm Confirmer, f Focus) *Session {
	return &Session{
		files:   files,
		project: project,
		confirm: confirm,
		focus:   f,
		origin:  focus.None,
		log:     logging.Component("editor"),
	}
}

func (s *Session) State() State { return s.state }
func (s *Session) Path() string { return s.path }
func (s *Session) Original() string { return s.original }
func (s *Session) Buffer() string { return string(s.buffer) }
func (s *Session) Cursor() int { return s.cursor }
func (s *Session) Origin() focus.Owner { return s.origin }
func (s *Session) IsModified() bool { return s.state == Dirty }
func (s *Session) Saving() bool { return s.saving }

// View returns the current render state
func (s *Session) View() View {
	return View{
		State:    s.state.String(),
		Path:     s.path,
		Buffer:   string(s.buffer),
		Cursor:   s.cursor,
		Modified: s.state == Dirty,
		Saving:   s.saving,
	}
}

// Open starts loading path from the active project. origin is where focus
// returns on close. The document stays bound to that project until closed.
func (s *Session) Open(path string, origin focus.Owner) error {
	if s.state != Closed {
		return ErrNotClosed
	}
	root := s.project.ActivePath()
	if root == "" {
		return ErrNoProject
	}

	s.state = Loading
	s.root = root
	s.path = path
	s.origin = origin
	s.log.Debug("Opening file", "path", logging.MaskPath(path), "origin", origin)
	s.publish()

	var call *bridge.Call
	call = s.files.ReadFile(root, path, func(content string, err error) {
		if s.load == call {
			s.load = nil
		}
		if s.state != Loading || s.path != path {
			return
		}
		if err != nil {
			s.log.Warn("Failed to open file", "path", logging.MaskPath(path), "error", err)
			s.reset()
			s.publish()
			s.Failed.Publish(Failure{Op: "open", Path: path, Err: err})
			return
		}
		s.original = content
		s.buffer = []rune(content)
		s.cursor = 0
		s.state = Clean
		s.focus.Acquire(focus.Editor)
		s.publish()
	})
	s.load = call
	return nil
}

// CancelLoad abandons a pending Open
func (s *Session) CancelLoad() {
	if s.state != Loading {
		return
	}
	if s.load != nil {
		s.load.Cancel()
		s.load = nil
	}
	s.reset()
	s.publish()
}

// SetBuffer replaces the whole buffer
func (s *Session) SetBuffer(content string) error {
	if !s.state.Open() {
		return ErrNotOpen
	}
	s.buffer = []rune(content)
	s.cursor = min(s.cursor, len(s.buffer))
	s.update()
	return nil
}

// Insert adds text at the cursor and moves the cursor past it
func (s *Session) Insert(text string) error {
	if !s.state.Open() {
		return ErrNotOpen
	}
	ins := []rune(text)
	buf := make([]rune, 0, len(s.buffer)+len(ins))
	buf = append(buf, s.buffer[:s.cursor]...)
	buf = append(buf, ins...)
	buf = append(buf, s.buffer[s.cursor:]...)
	s.buffer = buf
	s.cursor += len(ins)
	s.update()
	return nil
}

// SetCursor moves the cursor, clamped to the buffer (in characters)
func (s *Session) SetCursor(pos int) error {
	if !s.state.Open() {
		return ErrNotOpen
	}
	s.cursor = max(0, min(pos, len(s.buffer)))
	s.publish()
	return nil
}

// Save writes the buffer. Only one save runs at a time; a failed save keeps
// the document dirty and is not retried.
func (s *Session) Save() error {
	if !s.state.Open() {
		return ErrNotOpen
	}
	if s.saving {
		return ErrBusy
	}

	path := s.path
	content := string(s.buffer)
	s.saving = true
	s.publish()

	s.files.WriteFile(s.root, path, content, func(err error) {
		s.saving = false
		if !s.state.Open() || s.path != path {
			return
		}
		if err != nil {
			s.log.Warn("Failed to save file", "path", logging.MaskPath(path), "error", err)
			s.publish()
			s.Failed.Publish(Failure{Op: "save", Path: path, Err: err})
			return
		}
		s.original = content
		s.update()
		s.Saved.Publish(path)
	})
	return nil
}

// Close dismisses the document. Unsaved changes need confirmation; if the
// user declines nothing changes.
func (s *Session) Close() error {
	if !s.state.Open() {
		return ErrNotOpen
	}
	if s.state == Clean {
		s.close()
		return nil
	}
	if s.confirming {
		return nil
	}

	s.confirming = true
	path := s.path
	s.confirm.ConfirmDiscard(path, func(proceed bool) {
		s.confirming = false
		if !proceed {
			s.log.Debug("Close declined", "path", logging.MaskPath(path))
			return
		}
		if s.state.Open() && s.path == path {
			s.close()
		}
	})
	return nil
}

// HandleKey applies an editor shortcut and reports whether it was consumed
func (s *Session) HandleKey(key string) bool {
	switch key {
	case KeySave:
		if err := s.Save(); err != nil {
			s.log.Debug("Save ignored", "error", err)
			return !errors.Is(err, ErrNotOpen)
		}
	case KeyEscape:
		if s.state == Loading {
			s.CancelLoad()
			return true
		}
		if err := s.Close(); err != nil {
			return false
		}
	case KeyTab:
		if err := s.Insert(TabText); err != nil {
			return false
		}
	default:
		return false
	}
	return true
}

func (s *Session) close() {
	origin := s.origin
	s.log.Debug("Closing file", "path", logging.MaskPath(s.path), "origin", origin)
	s.reset()
	s.publish()
	s.focus.Restore(origin)
}

func (s *Session) reset() {
	s.state = Closed
	s.root = ""
	s.path = ""
	s.original = ""
	s.buffer = nil
	s.cursor = 0
	s.origin = focus.None
}

func (s *Session) update() {
	if string(s.buffer) == s.original {
		s.state = Clean
	} else {
		s.state = Dirty
	}
	s.publish()
}

func (s *Session) publish() {
	s.Changed.Publish(s.View())
}
