// Package bridge is the core's side of the message boundary to the store.
//
// Every request runs on its own goroutine and its result is posted back onto
// the event loop; callers never see a result inline. Each request returns a
// *Call that can be cancelled, after which its result is dropped.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

var (
	// ErrTimeout is reported when a request outlives the configured timeout
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is reported for requests issued after Close
	ErrClosed = errors.New("bridge closed")
)

// Transport carries requests to a store and delivers its pushes
type Transport interface {
	Send(ctx context.Context, req protocol.Request) (protocol.Response, error)
	Subscribe(fn func(protocol.Push)) (unsubscribe func())
}

// Poster schedules work on the event loop
type Poster interface {
	Post(fn func())
}

// Client issues store requests on behalf of core components
type Client struct {
	transport Transport
	loop      Poster
	timeout   time.Duration
	nextID    atomic.Uint64
	closed    atomic.Bool
	inflight  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger
}

// New creates a client. A zero timeout means requests wait until the
// transport answers.
func New(transport Transport, loop Poster, timeout time.Duration) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		transport: transport,
		loop:      loop,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.Component("bridge"),
	}
}

// Close abandons every outstanding request. Their callbacks never run.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
}

// Wait blocks until every outstanding request has either posted its result
// onto the loop or been dropped.
func (c *Client) Wait() {
	c.inflight.Wait()
}

// Call is a handle on one outstanding request
type Call struct {
	ID        uint64
	Op        protocol.Op
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel drops the result of the request. Safe to call more than once and
// after the result was delivered.
func (c *Call) Cancel() {
	c.cancelled.Store(true)
	c.cancel()
}

// Cancelled reports whether Cancel was called
func (c *Call) Cancelled() bool {
	return c.cancelled.Load()
}

// Done is closed once the result has been posted onto the loop or dropped.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

type outcome struct {
	resp protocol.Response
	err  error
}

// Do sends req and posts done(resp, err) onto the loop. A response carrying
// a store error is reported through err.
func (c *Client) Do(req protocol.Request, done func(protocol.Response, error)) *Call {
	var ctx context.Context
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}

	call := &Call{
		ID:     c.nextID.Add(1),
		Op:     req.Op,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if c.closed.Load() {
		cancel()
		// Do may run on the loop goroutine, where a blocking Post could deadlock
		go func() {
			defer close(call.done)
			c.deliver(call, req, protocol.Failure(req, ErrClosed), ErrClosed, done)
		}()
		return call
	}

	c.inflight.Add(1)
	go c.run(ctx, call, req, done)
	return call
}

func (c *Client) run(ctx context.Context, call *Call, req protocol.Request, done func(protocol.Response, error)) {
	defer c.inflight.Done()
	defer close(call.done)
	defer call.cancel()

	result := make(chan outcome, 1)
	go func() {
		resp, err := c.transport.Send(ctx, req)
		result <- outcome{resp: resp, err: err}
	}()

	var o outcome
	select {
	case o = <-result:
	case <-ctx.Done():
		o.err = ctx.Err()
	}

	if o.err == nil {
		o.err = o.resp.Err()
	}
	if errors.Is(o.err, context.DeadlineExceeded) {
		o.err = fmt.Errorf("%s %s: %w", req.Op, logging.MaskPath(req.Path), ErrTimeout)
	}
	if call.Cancelled() || c.closed.Load() {
		c.log.Debug("Dropping result of cancelled request", "id", call.ID, "op", req.Op)
		return
	}
	if o.err != nil {
		c.log.Warn("Store request failed", "id", call.ID, "op", req.Op, "path", logging.MaskPath(req.Path), "error", o.err)
	}
	c.deliver(call, req, o.resp, o.err, done)
}

func (c *Client) deliver(call *Call, req protocol.Request, resp protocol.Response, err error, done func(protocol.Response, error)) {
	if done == nil {
		return
	}
	c.loop.Post(func() {
		if call.Cancelled() {
			c.log.Debug("Dropping result of cancelled request", "id", call.ID, "op", req.Op)
			return
		}
		done(resp, err)
	})
}

// OnPush delivers every store push to fn on the loop
func (c *Client) OnPush(fn func(protocol.Push)) (unsubscribe func()) {
	return c.transport.Subscribe(func(p protocol.Push) {
		if c.closed.Load() {
			return
		}
		c.loop.Post(func() { fn(p) })
	})
}

// Classify asks whether path is a managed project
func (c *Client) Classify(path string, done func(path string, managed bool, err error)) *Call {
	req := protocol.Request{Op: protocol.OpClassify, Path: path}
	return c.Do(req, func(resp protocol.Response, err error) {
		if resp.Path == "" {
			resp.Path = path
		}
		done(resp.Path, resp.IsManaged, err)
	})
}

// InitializeProject asks the store to mark path as a managed project
func (c *Client) InitializeProject(path, name string, done func(path string, success bool, err error)) *Call {
	req := protocol.Request{Op: protocol.OpInitProject, Path: path, Name: name}
	return c.Do(req, func(resp protocol.Response, err error) {
		if resp.Path == "" {
			resp.Path = path
		}
		done(resp.Path, err == nil && resp.Success, err)
	})
}

// LoadTasks asks the store to push the current snapshot for path
func (c *Client) LoadTasks(path string, done func(error)) *Call {
	return c.Do(protocol.Request{Op: protocol.OpLoadTasks, Path: path}, ack(done))
}

// CreateTask asks the store to add a pending task
func (c *Client) CreateTask(path string, fields protocol.TaskFields, done func(taskID string, err error)) *Call {
	req := protocol.Request{Op: protocol.OpCreateTask, Path: path, Fields: fields}
	return c.Do(req, func(resp protocol.Response, err error) {
		if done != nil {
			done(resp.TaskID, err)
		}
	})
}

// UpdateTask asks the store to change a task's editable fields
func (c *Client) UpdateTask(path, taskID string, fields protocol.TaskFields, done func(error)) *Call {
	fields.Status = nil
	req := protocol.Request{Op: protocol.OpUpdateTask, Path: path, TaskID: taskID, Fields: fields}
	return c.Do(req, ack(done))
}

// SetTaskStatus asks the store to move a task to status
func (c *Client) SetTaskStatus(path, taskID string, status protocol.Status, done func(error)) *Call {
	req := protocol.Request{
		Op:     protocol.OpSetTaskStatus,
		Path:   path,
		TaskID: taskID,
		Fields: protocol.TaskFields{Status: &status},
	}
	return c.Do(req, ack(done))
}

// DeleteTask asks the store to remove a task
func (c *Client) DeleteTask(path, taskID string, done func(error)) *Call {
	req := protocol.Request{Op: protocol.OpDeleteTask, Path: path, TaskID: taskID}
	return c.Do(req, ack(done))
}

// ReadFile loads the content of a file inside the project at root
func (c *Client) ReadFile(root, file string, done func(content string, err error)) *Call {
	req := protocol.Request{Op: protocol.OpReadFile, Path: root, File: file}
	return c.Do(req, func(resp protocol.Response, err error) {
		done(resp.Content, err)
	})
}

// WriteFile replaces the content of a file inside the project at root
func (c *Client) WriteFile(root, file, content string, done func(error)) *Call {
	req := protocol.Request{Op: protocol.OpWriteFile, Path: root, File: file, Content: content}
	return c.Do(req, func(resp protocol.Response, err error) {
		if err == nil && !resp.Success {
			err = fmt.Errorf("write %s: store reported no success", logging.MaskPath(file))
		}
		if done != nil {
			done(err)
		}
	})
}

// ListFiles fetches the file tree of a project
func (c *Client) ListFiles(path string, done func(root *protocol.FileNode, err error)) *Call {
	req := protocol.Request{Op: protocol.OpListFiles, Path: path}
	return c.Do(req, func(resp protocol.Response, err error) {
		if err == nil && resp.Root == nil {
			err = fmt.Errorf("list %s: empty tree", logging.MaskPath(path))
		}
		done(resp.Root, err)
	})
}

func ack(done func(error)) func(protocol.Response, error) {
	return func(_ protocol.Response, err error) {
		if done != nil {
			done(err)
		}
	}
}
