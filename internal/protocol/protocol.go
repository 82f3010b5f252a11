// Package protocol defines the messages exchanged between the UI core and the
// store that owns persistent data. The same types travel in-process and as
// JSON over the websocket transport.
package protocol

import (
	"fmt"
	"time"
)

// Op names a store operation
type Op string

const (
	OpClassify      Op = "classify"
	OpInitProject   Op = "initProject"
	OpLoadTasks     Op = "loadTasks"
	OpCreateTask    Op = "createTask"
	OpUpdateTask    Op = "updateTask"
	OpSetTaskStatus Op = "setTaskStatus"
	OpDeleteTask    Op = "deleteTask"
	OpReadFile      Op = "readFile"
	OpWriteFile     Op = "writeFile"
	OpListFiles     Op = "listFiles"
)

// Status is a task lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Priority orders tasks for the user
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

const (
	DefaultPriority = PriorityMedium
	DefaultCategory = "feature"
)

// Task is owned by the store. Clients only ever hold copies from a snapshot.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Category    string     `json:"category"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TaskGroups partitions a project's tasks by status
type TaskGroups struct {
	Pending    []Task `json:"pending"`
	InProgress []Task `json:"inProgress"`
	Completed  []Task `json:"completed"`
}

// Len returns the total number of tasks
func (g TaskGroups) Len() int {
	return len(g.Pending) + len(g.InProgress) + len(g.Completed)
}

// TaskSnapshot is the complete, authoritative task set for one project.
// Version increases with every snapshot the store produces for Path within
// one Epoch; Epoch changes whenever the store process restarts.
type TaskSnapshot struct {
	Path    string     `json:"path"`
	Epoch   string     `json:"epoch"`
	Version uint64     `json:"version"`
	Tasks   TaskGroups `json:"tasks"`
}

// Newer reports whether s should replace held. A snapshot from a different
// epoch always wins; within an epoch only a higher version does.
func (s TaskSnapshot) Newer(held TaskSnapshot) bool {
	if s.Epoch != held.Epoch {
		return true
	}
	return s.Version > held.Version
}

// TaskFields carries a partial task. Nil pointers are left untouched by
// updates; Status is only honoured by OpSetTaskStatus.
type TaskFields struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Status      *Status   `json:"status,omitempty"`
}

// FileNode is one entry of a project's file tree
type FileNode struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	IsDir     bool       `json:"isDir"`
	GitStatus string     `json:"gitStatus,omitempty"`
	Children  []FileNode `json:"children,omitempty"`
}

// Request is sent from the core to the store
type Request struct {
	Op      Op         `json:"op"`
	Path    string     `json:"path"`
	Name    string     `json:"name,omitempty"`
	TaskID  string     `json:"taskId,omitempty"`
	Fields  TaskFields `json:"fields,omitempty"`
	File    string     `json:"file,omitempty"`
	Content string     `json:"content,omitempty"`
}

// Response answers exactly one Request. Error is empty on success.
type Response struct {
	Op        Op        `json:"op"`
	Path      string    `json:"path"`
	Error     string    `json:"error,omitempty"`
	IsManaged bool      `json:"isManaged,omitempty"`
	Success   bool      `json:"success,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	File      string    `json:"file,omitempty"`
	Content   string    `json:"content,omitempty"`
	Root      *FileNode `json:"root,omitempty"`
}

// Err converts a failed response into an error
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &StoreError{Op: r.Op, Path: r.Path, Message: r.Error}
}

// Failure builds an error response for req
func Failure(req Request, err error) Response {
	return Response{Op: req.Op, Path: req.Path, TaskID: req.TaskID, File: req.File, Error: err.Error()}
}

// PushKind names an unsolicited store message
type PushKind string

const PushSnapshot PushKind = "snapshot"

// Push is sent by the store whenever canonical state changes. It is not a
// reply to any particular request.
type Push struct {
	Kind     PushKind      `json:"kind"`
	Snapshot *TaskSnapshot `json:"snapshot,omitempty"`
}

// StoreError is an error reported by the store
type StoreError struct {
	Op      Op
	Path    string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %s", e.Op, e.Path, e.Message)
}
