package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

// project is the in-memory copy of one project's tasks.json
type project struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	version uint64
	tasks   []protocol.Task
	written []byte // last content read or written by the store
}

type tasksFile struct {
	Tasks []protocol.Task `json:"tasks"`
}

type projectMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) markerDir(path string) string {
	return filepath.Join(path, s.opts.MarkerDir)
}

func (s *Store) tasksPath(path string) string {
	return filepath.Join(s.markerDir(path), TasksFile)
}

// IsManaged reports whether path carries the project marker
func (s *Store) IsManaged(path string) bool {
	info, err := os.Stat(filepath.Join(s.markerDir(path), MarkerFile))
	return err == nil && !info.IsDir()
}

// InitProject writes the project marker. Initializing a managed project
// again succeeds without touching it.
func (s *Store) InitProject(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("init project: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("init project %s: not a directory", path)
	}
	if s.IsManaged(path) {
		return nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = filepath.Base(path)
	}
	data, err := json.MarshalIndent(projectMeta{Name: name, CreatedAt: s.opts.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.markerDir(path), 0755); err != nil {
		return fmt.Errorf("init project: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.markerDir(path), MarkerFile), data); err != nil {
		return fmt.Errorf("init project: %w", err)
	}
	s.watch(path)
	s.log.Info("Project initialized", "path", logging.MaskPath(path), "name", name)
	return nil
}

// LoadTasks pushes the current snapshot of path
func (s *Store) LoadTasks(path string) error {
	return s.mutate(path, nil)
}

// Snapshot returns the current tasks of path without pushing
func (s *Store) Snapshot(path string) (protocol.TaskSnapshot, error) {
	p := s.project(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.ensureLoaded(p); err != nil {
		return protocol.TaskSnapshot{}, err
	}
	return s.snapshot(p), nil
}

// CreateTask adds a pending task and returns its ID
func (s *Store) CreateTask(path string, fields protocol.TaskFields) (string, error) {
	if fields.Title == nil || strings.TrimSpace(*fields.Title) == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	now := s.opts.Now().UTC()
	task := protocol.Task{
		ID:        uuid.NewString(),
		Priority:  protocol.DefaultPriority,
		Category:  protocol.DefaultCategory,
		Status:    protocol.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := applyFields(&task, fields); err != nil {
		return "", err
	}

	err := s.mutate(path, func(tasks []protocol.Task) ([]protocol.Task, error) {
		return append(tasks, task), nil
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// UpdateTask changes title, description, priority and category
func (s *Store) UpdateTask(path, id string, fields protocol.TaskFields) error {
	fields.Status = nil
	return s.mutate(path, func(tasks []protocol.Task) ([]protocol.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if err := applyFields(&tasks[i], fields); err != nil {
			return nil, err
		}
		tasks[i].UpdatedAt = s.opts.Now().UTC()
		return tasks, nil
	})
}

// SetTaskStatus moves a task to status. Any transition is allowed.
// CompletedAt is set when entering completed and cleared when leaving it.
func (s *Store) SetTaskStatus(path, id string, status protocol.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, status)
	}
	return s.mutate(path, func(tasks []protocol.Task) ([]protocol.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		now := s.opts.Now().UTC()
		t := &tasks[i]
		switch {
		case status == protocol.StatusCompleted && t.Status != protocol.StatusCompleted:
			t.CompletedAt = &now
		case status != protocol.StatusCompleted:
			t.CompletedAt = nil
		}
		t.Status = status
		t.UpdatedAt = now
		return tasks, nil
	})
}

// DeleteTask removes a task
func (s *Store) DeleteTask(path, id string) error {
	return s.mutate(path, func(tasks []protocol.Task) ([]protocol.Task, error) {
		i := indexOf(tasks, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return slices.Delete(tasks, i, i+1), nil
	})
}

func applyFields(t *protocol.Task, f protocol.TaskFields) error {
	if f.Title != nil {
		title := strings.TrimSpace(*f.Title)
		if title == "" {
			return fmt.Errorf("%w: title is required", ErrInvalidTask)
		}
		t.Title = title
	}
	if f.Description != nil {
		t.Description = strings.TrimSpace(*f.Description)
	}
	if f.Priority != nil {
		if !f.Priority.Valid() {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, *f.Priority)
		}
		t.Priority = *f.Priority
	}
	if f.Category != nil {
		t.Category = strings.TrimSpace(*f.Category)
		if t.Category == "" {
			t.Category = protocol.DefaultCategory
		}
	}
	return nil
}

func indexOf(tasks []protocol.Task, id string) int {
	return slices.IndexFunc(tasks, func(t protocol.Task) bool { return t.ID == id })
}

func (s *Store) project(path string) *project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[path]
	if !ok {
		p = &project{path: path}
		s.projects[path] = p
	}
	return p
}

// mutate applies fn to a copy of the project's tasks, persists the result
// and pushes a new snapshot. A nil fn only pushes.
func (s *Store) mutate(path string, fn func([]protocol.Task) ([]protocol.Task, error)) error {
	p := s.project(path)
	p.mu.Lock()

	if err := s.ensureLoaded(p); err != nil {
		p.mu.Unlock()
		return err
	}

	if fn != nil {
		next, err := fn(slices.Clone(p.tasks))
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if err := s.save(p, next); err != nil {
			p.mu.Unlock()
			return err
		}
	}

	p.version++
	snap := s.snapshot(p)
	p.mu.Unlock()

	s.push(protocol.Push{Kind: protocol.PushSnapshot, Snapshot: &snap})
	return nil
}

func (s *Store) ensureLoaded(p *project) error {
	if p.loaded {
		return nil
	}
	data, tasks, err := s.read(p.path)
	if err != nil {
		return err
	}
	p.tasks = tasks
	p.written = data
	p.loaded = true
	s.watch(p.path)
	return nil
}

func (s *Store) read(path string) ([]byte, []protocol.Task, error) {
	data, err := os.ReadFile(s.tasksPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading tasks: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return data, nil, nil
	}
	var f tasksFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", s.tasksPath(path), err)
	}
	return data, f.Tasks, nil
}

func (s *Store) save(p *project, tasks []protocol.Task) error {
	if tasks == nil {
		tasks = []protocol.Task{}
	}
	data, err := json.MarshalIndent(tasksFile{Tasks: tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tasks: %w", err)
	}
	if err := os.MkdirAll(s.markerDir(p.path), 0755); err != nil {
		return fmt.Errorf("saving tasks: %w", err)
	}
	// record before writing so the watcher recognizes its own event
	p.written = data
	if err := writeAtomic(s.tasksPath(p.path), data); err != nil {
		return fmt.Errorf("saving tasks: %w", err)
	}
	p.tasks = tasks
	s.watch(p.path)
	return nil
}

// reloadFromDisk picks up edits made to tasks.json by anything other than
// the store and pushes them
func (s *Store) reloadFromDisk(path string) {
	p := s.project(path)
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return
	}

	data, tasks, err := s.read(path)
	if err != nil {
		p.mu.Unlock()
		s.log.Warn("Ignoring unreadable tasks file", "path", logging.MaskPath(path), "error", err)
		return
	}
	if bytes.Equal(data, p.written) {
		p.mu.Unlock()
		return
	}

	p.tasks = tasks
	p.written = data
	p.version++
	snap := s.snapshot(p)
	p.mu.Unlock()

	s.log.Info("Tasks changed on disk", "path", logging.MaskPath(path), "version", snap.Version)
	s.push(protocol.Push{Kind: protocol.PushSnapshot, Snapshot: &snap})
}

func (s *Store) snapshot(p *project) protocol.TaskSnapshot {
	snap := protocol.TaskSnapshot{
		Path:    p.path,
		Epoch:   s.epoch,
		Version: p.version,
		Tasks: protocol.TaskGroups{
			Pending:    []protocol.Task{},
			InProgress: []protocol.Task{},
			Completed:  []protocol.Task{},
		},
	}
	for _, t := range p.tasks {
		switch t.Status {
		case protocol.StatusInProgress:
			snap.Tasks.InProgress = append(snap.Tasks.InProgress, t)
		case protocol.StatusCompleted:
			snap.Tasks.Completed = append(snap.Tasks.Completed, t)
		default:
			snap.Tasks.Pending = append(snap.Tasks.Pending, t)
		}
	}
	return snap
}

func (s *Store) watch(path string) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.add(s.markerDir(path), path); err != nil {
		s.log.Debug("Not watching tasks", "path", logging.MaskPath(path), "error", err)
	}
}

// writeAtomic writes data to a temp file next to path and renames it over
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
