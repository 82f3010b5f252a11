// Package tasks is the client-side view of a project's tasks.
//
// The view never changes on its own: every action is sent to the store and
// the view is replaced wholesale when the store pushes its next snapshot.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"taskhub/internal/bridge"
	"taskhub/internal/events"
	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

var (
	ErrEmptyTitle      = errors.New("task title is empty")
	ErrNoProject       = errors.New("no active project")
	ErrUnknownAction   = errors.New("unknown task action")
	ErrUnknownFilter   = errors.New("unknown task filter")
	ErrInvalidPriority = errors.New("invalid task priority")
)

// CommandPrefix starts the terminal command sent when a task is started
const CommandPrefix = "Work on this task: "

// Action is a user-level task lifecycle request
type Action string

const (
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionPause    Action = "pause"
	ActionReopen   Action = "reopen"
)

// Target returns the status an action asks for
func (a Action) Target() (protocol.Status, bool) {
	switch a {
	case ActionStart:
		return protocol.StatusInProgress, true
	case ActionComplete:
		return protocol.StatusCompleted, true
	case ActionPause, ActionReopen:
		return protocol.StatusPending, true
	}
	return "", false
}

// Filter selects which tasks a view shows
type Filter string

const (
	FilterAll        Filter = "all"
	FilterPending    Filter = "pending"
	FilterInProgress Filter = "inProgress"
	FilterCompleted  Filter = "completed"
)

// Valid reports whether f is a known filter
func (f Filter) Valid() bool {
	switch f {
	case FilterAll, FilterPending, FilterInProgress, FilterCompleted:
		return true
	}
	return false
}

// Describe renders a task for the terminal: title, then ". description" if
// any, then " (High priority)" for high priority tasks.
func Describe(t protocol.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if t.Description != "" {
		b.WriteString(". ")
		b.WriteString(t.Description)
	}
	if t.Priority == protocol.PriorityHigh {
		b.WriteString(" (High priority)")
	}
	return b.String()
}

// Draft is a task to be created
type Draft struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Priority    protocol.Priority `json:"priority"`
	Category    string            `json:"category"`
}

// Requester sends task requests to the store
type Requester interface {
	LoadTasks(path string, done func(error)) *bridge.Call
	CreateTask(path string, fields protocol.TaskFields, done func(taskID string, err error)) *bridge.Call
	UpdateTask(path, taskID string, fields protocol.TaskFields, done func(error)) *bridge.Call
	SetTaskStatus(path, taskID string, status protocol.Status, done func(error)) *bridge.Call
	DeleteTask(path, taskID string, done func(error)) *bridge.Call
}

// Commander receives literal commands for the terminal
type Commander interface {
	SendCommand(command string) error
}

// ActiveProject reports the project the view belongs to
type ActiveProject interface {
	ActivePath() string
}

// Failure is published when the store rejects a request
type Failure struct {
	Op     protocol.Op `json:"op"`
	Path   string      `json:"path"`
	TaskID string      `json:"taskId,omitempty"`
	Err    error       `json:"-"`
}

// Counts per status
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

// View is what the UI renders
type View struct {
	Path   string          `json:"path"`
	Filter Filter          `json:"filter"`
	Tasks  []protocol.Task `json:"tasks"`
	Counts Counts          `json:"counts"`
}

// Store holds the last snapshot the store pushed for the active project
type Store struct {
	Changed events.Topic[View]
	Failed  events.Topic[Failure]

	project  ActiveProject
	client   Requester
	terminal Commander
	snapshot protocol.TaskSnapshot
	held     bool
	filter   Filter
	load     *bridge.Call
	log      *slog.Logger
}

// New creates an empty view
func New(project ActiveProject, client Requester, terminal Commander) *Store {
	return &Store{
		project:  project,
		client:   client,
		terminal: terminal,
		filter:   FilterAll,
		log:      logging.Component("tasks"),
	}
}

// RequestCreate asks the store for a new pending task
func (s *Store) RequestCreate(d Draft) error {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return ErrEmptyTitle
	}
	path := s.project.ActivePath()
	if path == "" {
		return ErrNoProject
	}

	priority := d.Priority
	if priority == "" {
		priority = protocol.DefaultPriority
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	category := strings.TrimSpace(d.Category)
	if category == "" {
		category = protocol.DefaultCategory
	}
	description := strings.TrimSpace(d.Description)

	fields := protocol.TaskFields{
		Title:       &title,
		Description: &description,
		Priority:    &priority,
		Category:    &category,
	}
	s.client.CreateTask(path, fields, func(_ string, err error) {
		s.acknowledge(protocol.OpCreateTask, path, "", err)
	})
	return nil
}

// RequestTransition asks the store to apply action to a task. Legality is
// the store's decision. Starting a task also hands it to the terminal,
// after the mutation request has been sent.
func (s *Store) RequestTransition(taskID string, action Action) error {
	status, ok := action.Target()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	path := s.project.ActivePath()
	if path == "" {
		return ErrNoProject
	}

	s.client.SetTaskStatus(path, taskID, status, func(err error) {
		s.acknowledge(protocol.OpSetTaskStatus, path, taskID, err)
	})

	if action != ActionStart {
		return nil
	}
	task, ok := s.Task(taskID)
	if !ok {
		s.log.Warn("Started task is not in the current view, no command sent", "taskId", taskID)
		return nil
	}
	if err := s.terminal.SendCommand(CommandPrefix + Describe(task)); err != nil {
		s.log.Warn("Failed to send task to terminal", "taskId", taskID, "error", err)
	}
	return nil
}

// RequestUpdate asks the store to change a task's title, description,
// priority or category
func (s *Store) RequestUpdate(taskID string, fields protocol.TaskFields) error {
	path := s.project.ActivePath()
	if path == "" {
		return ErrNoProject
	}
	if fields.Title != nil {
		title := strings.TrimSpace(*fields.Title)
		if title == "" {
			return ErrEmptyTitle
		}
		fields.Title = &title
	}
	if fields.Priority != nil && !fields.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, *fields.Priority)
	}
	fields.Status = nil

	s.client.UpdateTask(path, taskID, fields, func(err error) {
		s.acknowledge(protocol.OpUpdateTask, path, taskID, err)
	})
	return nil
}

// RequestDelete asks the store to remove a task
func (s *Store) RequestDelete(taskID string) error {
	path := s.project.ActivePath()
	if path == "" {
		return ErrNoProject
	}
	s.client.DeleteTask(path, taskID, func(err error) {
		s.acknowledge(protocol.OpDeleteTask, path, taskID, err)
	})
	return nil
}

func (s *Store) acknowledge(op protocol.Op, path, taskID string, err error) {
	if err == nil {
		return
	}
	s.log.Warn("Task request failed", "op", op, "path", logging.MaskPath(path), "taskId", taskID, "error", err)
	s.Failed.Publish(Failure{Op: op, Path: path, TaskID: taskID, Err: err})
}

// ApplySnapshot replaces the view. Snapshots for another project, and
// snapshots that are not newer than the one held, are dropped.
func (s *Store) ApplySnapshot(snap protocol.TaskSnapshot) bool {
	active := s.project.ActivePath()
	if snap.Path != active {
		s.log.Debug("Dropping snapshot for inactive project", "path", logging.MaskPath(snap.Path))
		return false
	}
	if s.held && s.snapshot.Path == snap.Path && !snap.Newer(s.snapshot) {
		s.log.Debug("Dropping out-of-order snapshot", "version", snap.Version, "held", s.snapshot.Version)
		return false
	}
	s.snapshot = snap
	s.held = true
	s.publish()
	return true
}

// HandlePush applies a store push
func (s *Store) HandlePush(p protocol.Push) {
	if p.Kind == protocol.PushSnapshot && p.Snapshot != nil {
		s.ApplySnapshot(*p.Snapshot)
	}
}

// HandleProjectChanged discards the view and asks for the new project's
// tasks
func (s *Store) HandleProjectChanged(path string) {
	if s.load != nil {
		s.load.Cancel()
		s.load = nil
	}
	s.snapshot = protocol.TaskSnapshot{Path: path}
	s.held = false
	s.publish()

	if path == "" {
		return
	}
	var call *bridge.Call
	call = s.client.LoadTasks(path, func(err error) {
		if s.load == call {
			s.load = nil
		}
		s.acknowledge(protocol.OpLoadTasks, path, "", err)
	})
	s.load = call
}

// Reload asks for the active project's tasks again
func (s *Store) Reload() {
	s.HandleProjectChanged(s.project.ActivePath())
}

// SetFilter changes the filter used by View
func (s *Store) SetFilter(f Filter) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, f)
	}
	s.filter = f
	s.publish()
	return nil
}

// Filter returns the active filter
func (s *Store) Filter() Filter {
	return s.filter
}

// Snapshot returns the held snapshot and whether one has arrived since the
// last project change
func (s *Store) Snapshot() (protocol.TaskSnapshot, bool) {
	return s.snapshot, s.held
}

// Task looks a task up in the held snapshot
func (s *Store) Task(id string) (protocol.Task, bool) {
	groups := s.snapshot.Tasks
	for _, list := range [][]protocol.Task{groups.Pending, groups.InProgress, groups.Completed} {
		for _, t := range list {
			if t.ID == id {
				return t, true
			}
		}
	}
	return protocol.Task{}, false
}

// FilteredView projects the held snapshot through f
func (s *Store) FilteredView(f Filter) []protocol.Task {
	return Project(s.snapshot.Tasks, f)
}

// Project selects the tasks of groups matching f. FilterAll lists pending,
// then in progress, then completed tasks.
func Project(groups protocol.TaskGroups, f Filter) []protocol.Task {
	var out []protocol.Task
	switch f {
	case FilterPending:
		out = append(out, groups.Pending...)
	case FilterInProgress:
		out = append(out, groups.InProgress...)
	case FilterCompleted:
		out = append(out, groups.Completed...)
	case FilterAll:
		out = make([]protocol.Task, 0, groups.Len())
		out = append(out, groups.Pending...)
		out = append(out, groups.InProgress...)
		out = append(out, groups.Completed...)
	}
	return out
}

// View returns the render state under the active filter
func (s *Store) View() View {
	g := s.snapshot.Tasks
	return View{
		Path:   s.snapshot.Path,
		Filter: s.filter,
		Tasks:  s.FilteredView(s.filter),
		Counts: Counts{Pending: len(g.Pending), InProgress: len(g.InProgress), Completed: len(g.Completed)},
	}
}

func (s *Store) publish() {
	s.Changed.Publish(s.View())
}
