// Package bridgetest provides an in-memory Transport for tests of packages
// that talk to the store through a bridge.Client.
package bridgetest

import (
	"context"
	"sync"

	"taskhub/internal/bridge"
	"taskhub/internal/loop"
	"taskhub/internal/protocol"
)

// HandlerFunc answers one request
type HandlerFunc func(ctx context.Context, req protocol.Request) (protocol.Response, error)

// Transport records requests and answers them with Handler. Without a
// handler every request succeeds with an empty response.
type Transport struct {
	mu       sync.Mutex
	handler  HandlerFunc
	requests []protocol.Request
	subs     map[int]func(protocol.Push)
	nextSub  int
}

// New creates a transport answering with handler (may be nil)
func New(handler HandlerFunc) *Transport {
	return &Transport{handler: handler, subs: make(map[int]func(protocol.Push))}
}

// SetHandler replaces the handler for subsequent requests
func (t *Transport) SetHandler(handler HandlerFunc) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send implements bridge.Transport
func (t *Transport) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	handler := t.handler
	t.mu.Unlock()

	if handler == nil {
		return protocol.Response{Op: req.Op, Path: req.Path, TaskID: req.TaskID, File: req.File, Success: true}, nil
	}
	return handler(ctx, req)
}

// Subscribe implements bridge.Transport
func (t *Transport) Subscribe(fn func(protocol.Push)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Push delivers p to every subscriber
func (t *Transport) Push(p protocol.Push) {
	t.mu.Lock()
	subs := make([]func(protocol.Push), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

// PushSnapshot is shorthand for pushing a snapshot
func (t *Transport) PushSnapshot(s protocol.TaskSnapshot) {
	t.Push(protocol.Push{Kind: protocol.PushSnapshot, Snapshot: &s})
}

// Requests returns every request seen so far
func (t *Transport) Requests() []protocol.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Request(nil), t.requests...)
}

// RequestsFor returns the requests with the given op
func (t *Transport) RequestsFor(op protocol.Op) []protocol.Request {
	var out []protocol.Request
	for _, r := range t.Requests() {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets recorded requests
func (t *Transport) Reset() {
	t.mu.Lock()
	t.requests = nil
	t.mu.Unlock()
}

// Settle waits for every outstanding request of c and runs the loop until
// nothing is left, including work scheduled by the callbacks themselves.
func Settle(c *bridge.Client, l *loop.Loop) {
	for {
		c.Wait()
		if l.Drain() == 0 {
			c.Wait()
			if l.Drain() == 0 {
				return
			}
		}
	}
}
