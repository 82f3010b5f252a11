// Package remote carries store requests and pushes over a websocket so the
// store can run as a separate process from the UI core.
package remote

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

// MessageType tags a websocket envelope
type MessageType string

const (
	MsgTypeRequest  MessageType = "request"
	MsgTypeResponse MessageType = "response"
	MsgTypePush     MessageType = "push"
	MsgTypeError    MessageType = "error"
	MsgTypePing     MessageType = "ping"
	MsgTypePong     MessageType = "pong"
)

const (
	StorePath  = "/ws/store"
	HealthPath = "/health"
)

const (
	maxClients      = 10
	maxAuthAttempts = 50
	authLockoutTime = 1 * time.Minute
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

var ErrServerRunning = errors.New("server already running")

// Message is the envelope for everything sent over the connection. ID pairs
// a response with its request; pushes carry no ID.
type Message struct {
	Type     MessageType        `json:"type"`
	ID       uint64             `json:"id,omitempty"`
	Request  *protocol.Request  `json:"request,omitempty"`
	Response *protocol.Response `json:"response,omitempty"`
	Push     *protocol.Push     `json:"push,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// Backend answers requests and publishes pushes. *store.Store implements it.
type Backend interface {
	Handle(req protocol.Request) protocol.Response
	Subscribe(fn func(protocol.Push)) (unsubscribe func())
}

// ClientInfo describes a connected client
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	UserAgent   string    `json:"userAgent"`
	RemoteAddr  string    `json:"remoteAddr"`
}

type conn struct {
	ws      *websocket.Conn
	info    ClientInfo
	writeMu sync.Mutex
}

func (c *conn) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

type authAttempt struct {
	count    int
	lastTime time.Time
}

// Server exposes a Backend over a websocket
type Server struct {
	backend     Backend
	token       string
	unsubscribe func()

	mu       sync.RWMutex
	clients  map[*conn]struct{}
	server   *http.Server
	running  bool
	stopped  bool
	inflight sync.WaitGroup

	authMu       sync.Mutex
	authAttempts map[string]*authAttempt

	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates a server for backend. An empty token disables
// authentication, which is only sensible on loopback addresses.
func NewServer(backend Backend, token string) *Server {
	s := &Server{
		backend:      backend,
		token:        token,
		clients:      make(map[*conn]struct{}),
		authAttempts: make(map[string]*authAttempt),
		log:          logging.Component("remote"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.unsubscribe = backend.Subscribe(s.broadcast)
	return s
}

// GenerateToken returns a random token suitable for NewServer
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Handler returns the HTTP handler serving the store endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(StorePath, s.handleStoreWS)
	mux.HandleFunc(HealthPath, s.handleHealth)
	return mux
}

// Serve accepts connections on l until Stop is called
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("Store server listening", "addr", l.Addr().String(), "auth", s.token != "")
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Stop is called
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Stop closes every client, stops forwarding pushes and shuts the HTTP
// server down if Serve started one
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	clients := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*conn]struct{})
	srv := s.server
	s.mu.Unlock()

	s.unsubscribe()
	for _, c := range clients {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
		c.writeMu.Unlock()
		c.ws.Close()
	}
	s.inflight.Wait()

	if srv == nil {
		return nil
	}
	s.log.Info("Store server stopping")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Clients returns the connected clients
func (s *Server) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		list = append(list, c.info)
	}
	return list
}

// broadcast sends a push to every connected client
func (s *Server) broadcast(p protocol.Push) {
	s.mu.RLock()
	clients := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	msg := Message{Type: MsgTypePush, Push: &p}
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			s.log.Debug("Failed to push to client", "clientId", c.info.ID, "error", err)
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if allowedOrigin(origin) {
		return true
	}
	s.log.Warn("WebSocket connection rejected: invalid origin", "origin", origin)
	return false
}

// allowedOrigin accepts the desktop webview and pages served from this machine.
// The host must match exactly, so http://localhost.example.com is refused.
func allowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "wails":
		return true
	case "http", "https":
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	return false
}

func (s *Server) validateToken(token string) bool {
	if s.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func (s *Server) checkRateLimit(ip string) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	attempt, ok := s.authAttempts[ip]
	if !ok {
		return true
	}
	if time.Since(attempt.lastTime) > authLockoutTime {
		delete(s.authAttempts, ip)
		return true
	}
	return attempt.count < maxAuthAttempts
}

func (s *Server) recordFailedAuth(ip string) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	attempt, ok := s.authAttempts[ip]
	if !ok {
		attempt = &authAttempt{}
		s.authAttempts[ip] = attempt
	}
	attempt.count++
	attempt.lastTime = time.Now()
	if attempt.count >= maxAuthAttempts {
		s.log.Warn("IP locked out due to failed auth attempts", "ip", ip)
	}
}

func (s *Server) resetAuthAttempts(ip string) {
	s.authMu.Lock()
	delete(s.authAttempts, ip)
	s.authMu.Unlock()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().Unix(),
	}); err != nil {
		s.log.Error("Failed to encode health response", "error", err)
	}
}

func (s *Server) handleStoreWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.checkRateLimit(ip) {
		http.Error(w, "Too many attempts, try again later", http.StatusTooManyRequests)
		s.log.Warn("Store connection rejected: rate limited", "ip", ip)
		return
	}
	if !s.validateToken(bearerToken(r)) {
		s.recordFailedAuth(ip)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		s.log.Warn("Store connection rejected: invalid token", "remoteAddr", r.RemoteAddr)
		return
	}
	s.resetAuthAttempts(ip)

	s.mu.RLock()
	count, stopped := len(s.clients), s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if count >= maxClients {
		http.Error(w, "Maximum connections reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	c := &conn{
		ws: ws,
		info: ClientInfo{
			ID:          hex.EncodeToString(idBytes),
			ConnectedAt: time.Now(),
			UserAgent:   r.UserAgent(),
			RemoteAddr:  r.RemoteAddr,
		},
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("Store client connected", "clientId", c.info.ID, "remoteAddr", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		ws.Close()
		s.log.Info("Store client disconnected", "clientId", c.info.ID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Error("WebSocket read error", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(Message{Type: MsgTypeError, Message: "Invalid message format"})
			continue
		}
		s.handleMessage(c, msg)
	}
}

// beginRequest counts a request as in flight unless Stop has already begun
// waiting for the others
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) handleMessage(c *conn, msg Message) {
	switch msg.Type {
	case MsgTypeRequest:
		if msg.Request == nil {
			c.send(Message{Type: MsgTypeError, ID: msg.ID, Message: "Request body required"})
			return
		}
		if !s.beginRequest() {
			c.send(Message{Type: MsgTypeError, ID: msg.ID, Message: "Server shutting down"})
			return
		}
		// answered concurrently, responses may arrive out of order
		go func(id uint64, req protocol.Request) {
			defer s.inflight.Done()
			resp := s.backend.Handle(req)
			if err := c.send(Message{Type: MsgTypeResponse, ID: id, Response: &resp}); err != nil {
				s.log.Debug("Failed to send response", "op", req.Op, "error", err)
			}
		}(msg.ID, *msg.Request)

	case MsgTypePing:
		c.send(Message{Type: MsgTypePong, ID: msg.ID})

	default:
		c.send(Message{Type: MsgTypeError, ID: msg.ID, Message: fmt.Sprintf("Unknown message type %q", msg.Type)})
	}
}
