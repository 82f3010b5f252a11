package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

// ErrDisconnected is returned for requests outstanding when the connection
// to the store drops
var ErrDisconnected = errors.New("store connection closed")

const dialTimeout = 10 * time.Second

// Client is a bridge transport talking to a remote store Server
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan protocol.Response
	subs    map[uint64]func(protocol.Push)
	nextSub uint64
	err     error

	done chan struct{}
	log  *slog.Logger
}

// Dial connects to the store server at addr (host:port or a ws:// URL)
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	u, err := storeURL(addr)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial store %s: %w (%s)", u, err, resp.Status)
		}
		return nil, fmt.Errorf("dial store %s: %w", u, err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan protocol.Response),
		subs:    make(map[uint64]func(protocol.Push)),
		done:    make(chan struct{}),
		log:     logging.Component("remote-client"),
	}
	go c.readLoop()
	c.log.Info("Connected to store", "url", u)
	return c, nil
}

func storeURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("store address is required")
	}
	u, err := url.Parse(addr)
	switch {
	case err != nil || u.Host == "":
		u = &url.URL{Scheme: "ws", Host: addr}
	case u.Scheme == "http":
		u.Scheme = "ws"
	case u.Scheme == "https":
		u.Scheme = "wss"
	case u.Scheme != "ws" && u.Scheme != "wss":
		return "", fmt.Errorf("unsupported store address %q", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = StorePath
	}
	return u.String(), nil
}

// Send implements bridge.Transport
func (c *Client) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Response{}, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Message{Type: MsgTypeRequest, ID: id, Request: &req}); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-c.done:
		return protocol.Response{}, c.closeErr()
	}
}

// Subscribe implements bridge.Transport. fn runs on the read goroutine.
func (c *Client) Subscribe(fn func(protocol.Push)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Outstanding requests fail with ErrDisconnected.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Store connection lost", "error", err)
			}
			c.mu.Lock()
			c.err = ErrDisconnected
			c.mu.Unlock()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("Dropping malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case MsgTypeResponse:
			if msg.Response == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				deliver(ch, *msg.Response)
			}
		case MsgTypePush:
			if msg.Push == nil {
				continue
			}
			c.mu.Lock()
			subs := make([]func(protocol.Push), 0, len(c.subs))
			for _, fn := range c.subs {
				subs = append(subs, fn)
			}
			c.mu.Unlock()
			for _, fn := range subs {
				fn(*msg.Push)
			}
		case MsgTypeError:
			c.log.Warn("Store reported an error", "id", msg.ID, "message", msg.Message)
			if msg.ID == 0 {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				deliver(ch, protocol.Response{Error: msg.Message})
			}
		}
	}
}

func deliver(ch chan protocol.Response, resp protocol.Response) {
	select {
	case ch <- resp:
	default:
	}
}
