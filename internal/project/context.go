// Package project owns the active project: its path and whether the store
// recognizes it as a managed project.
package project

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"taskhub/internal/bridge"
	"taskhub/internal/events"
	"taskhub/internal/logging"
)

var (
	ErrNoProject  = errors.New("no active project")
	ErrInitFailed = errors.New("project initialization failed")
)

// Classifier asks the store about projects
type Classifier interface {
	Classify(path string, done func(path string, managed bool, err error)) *bridge.Call
	InitializeProject(path, name string, done func(path string, success bool, err error)) *bridge.Call
}

// SessionSwitcher moves the terminal to a project's session
type SessionSwitcher interface {
	SwitchSession(path string) error
}

// Change is published after the active path changed
type Change struct {
	Path     string `json:"path"`
	Previous string `json:"previous"`
}

// Classification is the store's answer for one path
type Classification struct {
	Path      string `json:"path"`
	IsManaged bool   `json:"isManaged"`
}

// Context is the single source of truth for the active project. It is
// created once at startup, passed to every component that needs it, and
// only mutated on the event loop.
type Context struct {
	ProjectChanged events.Topic[Change]
	StatusChanged  events.Topic[bool]
	Initialized    events.Topic[string]

	activePath  string
	managed     bool
	initialized bool
	classify    *bridge.Call

	classifier Classifier
	terminal   SessionSwitcher
	log        *slog.Logger
}

// New creates a context with no active project
func New(classifier Classifier, terminal SessionSwitcher) *Context {
	return &Context{
		classifier: classifier,
		terminal:   terminal,
		log:        logging.Component("project"),
	}
}

// ActivePath returns the active project, "" for none
func (c *Context) ActivePath() string {
	return c.activePath
}

// IsManaged returns the last known classification of the active project
func (c *Context) IsManaged() bool {
	return c.managed
}

// IsInitialized reports whether Initialize has run
func (c *Context) IsInitialized() bool {
	return c.initialized
}

// SetActivePath switches the active project. The terminal follows the new
// path and a classification is requested; listeners are then notified in
// the order they subscribed.
func (c *Context) SetActivePath(path string) {
	if path != "" {
		path = filepath.Clean(path)
	}
	previous := c.activePath
	c.activePath = path

	if c.classify != nil {
		c.classify.Cancel()
		c.classify = nil
	}

	if path != "" {
		if err := c.terminal.SwitchSession(path); err != nil {
			c.log.Warn("Failed to switch terminal session", "path", logging.MaskPath(path), "error", err)
		}
		var call *bridge.Call
		call = c.classifier.Classify(path, func(p string, managed bool, err error) {
			if c.classify == call {
				c.classify = nil
			}
			if err != nil {
				c.log.Warn("Project classification failed", "path", logging.MaskPath(p), "error", err)
				return
			}
			c.HandleClassification(Classification{Path: p, IsManaged: managed})
		})
		c.classify = call
	} else {
		c.SetManagedProject(false)
	}

	c.log.Info("Active project changed", "path", logging.MaskPath(path), "previous", logging.MaskPath(previous))
	c.ProjectChanged.Publish(Change{Path: path, Previous: previous})
}

// SetManagedProject records the classification of the active project
func (c *Context) SetManagedProject(managed bool) {
	c.managed = managed
	c.StatusChanged.Publish(managed)
}

// HandleClassification applies a classification if it is for the active
// path; answers for any other path are stale and ignored.
func (c *Context) HandleClassification(result Classification) bool {
	if result.Path != c.activePath {
		c.log.Debug("Dropping stale classification", "path", logging.MaskPath(result.Path))
		return false
	}
	c.SetManagedProject(result.IsManaged)
	return true
}

// InitializeProject turns the active project into a managed one. An empty
// name defaults to the directory name. done runs on the loop.
func (c *Context) InitializeProject(name string, done func(error)) error {
	path := c.activePath
	if path == "" {
		return ErrNoProject
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = filepath.Base(path)
	}

	// a classification answered before the marker exists would undo the init
	if c.classify != nil {
		c.classify.Cancel()
		c.classify = nil
	}

	c.classifier.InitializeProject(path, name, func(p string, success bool, err error) {
		switch {
		case err != nil:
			c.log.Warn("Project initialization failed", "path", logging.MaskPath(path), "error", err)
		case !success:
			err = ErrInitFailed
		case p == c.activePath:
			c.SetManagedProject(true)
		default:
			c.log.Debug("Project initialized after switching away", "path", logging.MaskPath(p))
		}
		if done != nil {
			done(err)
		}
	})
	return nil
}

// Initialize runs the startup sequence once: the active path is set and
// Initialized fires. Later calls are ignored.
func (c *Context) Initialize(path string) {
	if c.initialized {
		c.log.Debug("Ignoring repeated initialization", "path", logging.MaskPath(path))
		return
	}
	c.initialized = true
	c.SetActivePath(path)
	c.Initialized.Publish(c.activePath)
}
