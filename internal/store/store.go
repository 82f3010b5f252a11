// Package store is the authority for persistent data: which directories are
// managed projects, each project's tasks, and file contents.
//
// Every task mutation is persisted and followed by a full snapshot push to
// all subscribers. Snapshots carry the store's epoch (new for every store
// instance) and a per-project version that grows with every push.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskhub/internal/git"
	"taskhub/internal/logging"
	"taskhub/internal/protocol"
	"taskhub/internal/structure"
)

const (
	TasksFile  = "tasks.json"
	MarkerFile = "project.json"

	DefaultMarkerDir   = ".taskhub"
	DefaultMaxFileSize = 5 * 1024 * 1024
)

var (
	ErrUnknownOp      = errors.New("unknown operation")
	ErrPathRequired   = errors.New("path is required")
	ErrNotAbsolute    = errors.New("path must be absolute")
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidTask    = errors.New("invalid task")
	ErrFileTooLarge   = errors.New("file too large")
	ErrIsDirectory    = errors.New("path is a directory")
	ErrOutsideProject = errors.New("file is outside the project")
)

// Options configure a Store
type Options struct {
	MarkerDir   string
	MaxFileSize int64
	Ignore      []string
	Git         *git.Manager // nil disables git annotations
	Watch       bool         // reload tasks.json when edited outside the store
	Now         func() time.Time
}

// Store serves protocol requests. It is safe for concurrent use.
type Store struct {
	opts    Options
	epoch   string
	scanner *structure.Scanner

	mu       sync.Mutex
	projects map[string]*project

	subMu   sync.RWMutex
	subs    map[uint64]func(protocol.Push)
	nextSub uint64

	watcher *watcher
	log     *slog.Logger
}

// New creates a store. With opts.Watch it also starts a file watcher that
// must be released with Close.
func New(opts Options) (*Store, error) {
	if opts.MarkerDir == "" {
		opts.MarkerDir = DefaultMarkerDir
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		opts:     opts,
		epoch:    uuid.NewString(),
		scanner:  structure.NewScanner(opts.Ignore...),
		projects: make(map[string]*project),
		subs:     make(map[uint64]func(protocol.Push)),
		log:      logging.Component("store"),
	}

	if opts.Watch {
		w, err := newWatcher(s.reloadFromDisk)
		if err != nil {
			return nil, fmt.Errorf("starting task watcher: %w", err)
		}
		s.watcher = w
	}

	s.log.Info("Store started", "epoch", s.epoch, "markerDir", opts.MarkerDir, "watch", opts.Watch)
	return s, nil
}

// Epoch identifies this store instance
func (s *Store) Epoch() string {
	return s.epoch
}

// Close stops the watcher
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Subscribe registers fn for every push. fn runs on the goroutine that
// caused the push and must not block.
func (s *Store) Subscribe(fn func(protocol.Push)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) push(p protocol.Push) {
	s.subMu.RLock()
	subs := make([]func(protocol.Push), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(p)
	}
}

// Send implements the bridge transport for an in-process store
func (s *Store) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, err
	}
	return s.Handle(req), nil
}

// Handle answers one request. Failures are reported in the response.
func (s *Store) Handle(req protocol.Request) protocol.Response {
	resp, err := s.handle(req)
	if err != nil {
		s.log.Debug("Request failed", "op", req.Op, "path", logging.MaskPath(req.Path), "error", err)
		return protocol.Failure(req, err)
	}
	resp.Op = req.Op
	if resp.Path == "" {
		resp.Path = req.Path
	}
	return resp
}

func (s *Store) handle(req protocol.Request) (protocol.Response, error) {
	switch req.Op {
	case protocol.OpReadFile:
		return s.readFile(req.Path, req.File)
	case protocol.OpWriteFile:
		return s.writeFile(req.Path, req.File, req.Content)
	}

	path, err := projectPath(req.Path)
	if err != nil {
		return protocol.Response{}, err
	}

	switch req.Op {
	case protocol.OpClassify:
		return protocol.Response{Path: path, IsManaged: s.IsManaged(path)}, nil
	case protocol.OpInitProject:
		if err := s.InitProject(path, req.Name); err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Path: path, Success: true}, nil
	case protocol.OpLoadTasks:
		return protocol.Response{Path: path}, s.LoadTasks(path)
	case protocol.OpCreateTask:
		id, err := s.CreateTask(path, req.Fields)
		return protocol.Response{Path: path, TaskID: id}, err
	case protocol.OpUpdateTask:
		return protocol.Response{Path: path, TaskID: req.TaskID}, s.UpdateTask(path, req.TaskID, req.Fields)
	case protocol.OpSetTaskStatus:
		if req.Fields.Status == nil {
			return protocol.Response{}, fmt.Errorf("%w: status is required", ErrInvalidTask)
		}
		return protocol.Response{Path: path, TaskID: req.TaskID}, s.SetTaskStatus(path, req.TaskID, *req.Fields.Status)
	case protocol.OpDeleteTask:
		return protocol.Response{Path: path, TaskID: req.TaskID}, s.DeleteTask(path, req.TaskID)
	case protocol.OpListFiles:
		root, err := s.ListFiles(path)
		return protocol.Response{Path: path, Root: root}, err
	}
	return protocol.Response{}, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
}

func projectPath(path string) (string, error) {
	if path == "" {
		return "", ErrPathRequired
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrNotAbsolute, path)
	}
	return filepath.Clean(path), nil
}
