// Package focus decides which surface receives keyboard input.
//
// Only one level of origin is tracked: the editor overlay remembers the
// surface that owned input before it opened, and nothing deeper.
package focus

import (
	"log/slog"

	"taskhub/internal/events"
	"taskhub/internal/logging"
)

// Owner identifies a surface that can hold keyboard focus
type Owner string

const (
	None     Owner = "none"
	Terminal Owner = "terminal"
	FileTree Owner = "fileTree"
	Editor   Owner = "editor"
)

// Surface is a focusable UI element
type Surface interface {
	Focus()
}

// SurfaceFunc adapts a function to Surface
type SurfaceFunc func()

func (f SurfaceFunc) Focus() { f() }

// Change is published whenever the owner changes
type Change struct {
	Owner    Owner `json:"owner"`
	Previous Owner `json:"previous"`
}

// Coordinator tracks the current focus owner. It lives on the event loop.
type Coordinator struct {
	Changed events.Topic[Change]

	current      Owner
	lastNonModal Owner
	surfaces     map[Owner]*registration
	log          *slog.Logger
}

type registration struct {
	surface Surface
}

// New creates a coordinator with no owner
func New() *Coordinator {
	return &Coordinator{
		current:      None,
		lastNonModal: None,
		surfaces:     make(map[Owner]*registration),
		log:          logging.Component("focus"),
	}
}

// Register attaches the surface for owner, replacing any previous one.
// The returned function detaches it again if it is still registered.
func (c *Coordinator) Register(owner Owner, s Surface) (unregister func()) {
	reg := &registration{surface: s}
	c.surfaces[owner] = reg
	return func() {
		if c.surfaces[owner] == reg {
			delete(c.surfaces, owner)
		}
	}
}

// Registered reports whether a surface is attached for owner
func (c *Coordinator) Registered(owner Owner) bool {
	_, ok := c.surfaces[owner]
	return ok
}

// Acquire makes owner the current focus owner
func (c *Coordinator) Acquire(owner Owner) {
	if owner != Editor {
		c.lastNonModal = owner
	}
	if owner == c.current {
		return
	}
	prev := c.current
	c.current = owner
	c.log.Debug("Focus changed", "owner", owner, "previous", prev)
	c.Changed.Publish(Change{Owner: owner, Previous: prev})
}

// Current returns the current owner
func (c *Coordinator) Current() Owner {
	return c.current
}

// Origin returns the owner an overlay opening now should return to: the
// current owner, or the last non-editor owner while the editor has input.
func (c *Coordinator) Origin() Owner {
	if c.current == Editor {
		return c.lastNonModal
	}
	return c.current
}

// Restore returns focus to origin. The file tree is re-entered at its last
// cursor; any other origin goes to the terminal. A missing file tree falls
// back to the terminal; a missing terminal leaves focus untouched.
func (c *Coordinator) Restore(origin Owner) {
	target := Terminal
	if origin == FileTree {
		if c.Registered(FileTree) {
			target = FileTree
		} else {
			c.log.Debug("File tree gone, restoring focus to terminal")
		}
	}
	c.focus(target)
}

// FocusTerminal hands input to the terminal
func (c *Coordinator) FocusTerminal() {
	c.focus(Terminal)
}

func (c *Coordinator) focus(target Owner) {
	reg, ok := c.surfaces[target]
	if !ok {
		c.log.Debug("No surface registered, focus unchanged", "target", target)
		return
	}
	c.Acquire(target)
	reg.surface.Focus()
}
