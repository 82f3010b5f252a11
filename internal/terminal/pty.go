// Package terminal runs one PTY shell session per project and is the
// terminal collaborator of the project context and task view: it switches
// the active session when the project changes and types commands into it.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"taskhub/internal/logging"
)

var (
	ErrNoSession   = errors.New("no active terminal session")
	ErrPathMissing = errors.New("session path is required")
)

const (
	defaultRows = 24
	defaultCols = 80
)

// Terminal is a PTY shell session bound to one project directory
type Terminal struct {
	ID      string
	Path    string
	Pty     *os.File
	Cmd     *exec.Cmd
	running bool
	mu      sync.Mutex
	// Flow control with condition variable for true blocking
	pauseCond *sync.Cond
	isPaused  bool

	onOutput func(t *Terminal, data []byte)
	onExit   func(t *Terminal)
}

// Info is what the web UI learns about a session
type Info struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	Active  bool   `json:"active"`
}

// Manager owns the sessions and knows which one is active
type Manager struct {
	shell string
	args  []string

	mu       sync.RWMutex
	sessions map[string]*Terminal // keyed by project path
	active   string
	onOutput func(id string, data []byte)
	onExit   func(id string)
	log      *slog.Logger
}

// NewManager creates a manager starting shell as a login shell. An empty
// shell uses $SHELL, then /bin/zsh.
func NewManager(shell string) *Manager {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/zsh"
	}
	return &Manager{
		shell:    shell,
		args:     []string{"-l"},
		sessions: make(map[string]*Terminal),
		log:      logging.Component("terminal"),
	}
}

// SetOutputHandler sets the callback for terminal output
func (m *Manager) SetOutputHandler(handler func(id string, data []byte)) {
	m.mu.Lock()
	m.onOutput = handler
	m.mu.Unlock()
}

// SetExitHandler sets the callback for terminal exit
func (m *Manager) SetExitHandler(handler func(id string)) {
	m.mu.Lock()
	m.onExit = handler
	m.mu.Unlock()
}

// SwitchSession makes the session for path active, starting a shell in
// path when there is none or the previous one exited
func (m *Manager) SwitchSession(path string) error {
	if path == "" {
		return ErrPathMissing
	}
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.sessions[path]; ok && t.IsRunning() {
		m.active = path
		m.log.Debug("Switched terminal session", "id", t.ID, "path", logging.MaskPath(path))
		return nil
	}

	t, err := m.start(path)
	if err != nil {
		return err
	}
	m.sessions[path] = t
	m.active = path
	return nil
}

// start must be called with m.mu held
func (m *Manager) start(path string) (*Terminal, error) {
	cmd := exec.Command(m.shell, m.args...)
	cmd.Dir = path
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		m.log.Error("Failed to start PTY", "path", logging.MaskPath(path), "error", err)
		return nil, fmt.Errorf("starting shell in %s: %w", path, err)
	}

	t := &Terminal{
		ID:      uuid.NewString(),
		Path:    path,
		Pty:     ptmx,
		Cmd:     cmd,
		running: true,
	}
	t.pauseCond = sync.NewCond(&t.mu)
	t.onOutput = func(t *Terminal, data []byte) {
		m.mu.RLock()
		fn := m.onOutput
		m.mu.RUnlock()
		if fn != nil {
			fn(t.ID, data)
		}
	}
	t.onExit = func(t *Terminal) {
		m.mu.RLock()
		fn := m.onExit
		m.mu.RUnlock()
		m.log.Info("Terminal exited", "id", t.ID, "path", logging.MaskPath(t.Path))
		if fn != nil {
			fn(t.ID)
		}
	}

	go t.readOutput()
	go t.waitForExit()

	m.log.Info("Terminal created", "id", t.ID, "path", logging.MaskPath(path), "shell", m.shell)
	return t, nil
}

// SendCommand types text into the active session followed by Enter
func (m *Manager) SendCommand(text string) error {
	t := m.Active()
	if t == nil || !t.IsRunning() {
		return ErrNoSession
	}
	m.log.Debug("Sending command", "id", t.ID, "length", len(text))
	return t.Write([]byte(text + "\r"))
}

// Active returns the active session or nil
func (m *Manager) Active() *Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[m.active]
}

// Get returns a session by ID
func (m *Manager) Get(id string) *Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.sessions {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// List returns every session
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]Info, 0, len(m.sessions))
	for path, t := range m.sessions {
		info := t.Info()
		info.Active = path == m.active
		list = append(list, info)
	}
	return list
}

// Write writes raw input to the session with the given ID
func (m *Manager) Write(id string, data []byte) error {
	t := m.Get(id)
	if t == nil {
		return fmt.Errorf("terminal not found: %s", id)
	}
	return t.Write(data)
}

// Resize resizes a session
func (m *Manager) Resize(id string, rows, cols uint16) error {
	t := m.Get(id)
	if t == nil {
		return fmt.Errorf("terminal not found: %s", id)
	}
	return t.Resize(rows, cols)
}

// Pause pauses PTY output reading (flow control)
func (m *Manager) Pause(id string) {
	if t := m.Get(id); t != nil {
		t.Pause()
	}
}

// Resume resumes PTY output reading (flow control)
func (m *Manager) Resume(id string) {
	if t := m.Get(id); t != nil {
		t.Resume()
	}
}

// Close ends the session of path
func (m *Manager) Close(path string) error {
	m.mu.Lock()
	t, ok := m.sessions[path]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, path)
	if m.active == path {
		m.active = ""
	}
	m.mu.Unlock()

	m.log.Info("Terminal closed", "id", t.ID)
	return t.Close()
}

// CloseAll ends every session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	terms := make([]*Terminal, 0, len(m.sessions))
	for _, t := range m.sessions {
		terms = append(terms, t)
	}
	m.sessions = make(map[string]*Terminal)
	m.active = ""
	m.mu.Unlock()

	for _, t := range terms {
		t.Close()
	}
}

// Pause pauses the terminal output reading (flow control)
func (t *Terminal) Pause() {
	t.mu.Lock()
	t.isPaused = true
	t.mu.Unlock()
}

// Resume resumes the terminal output reading (flow control)
func (t *Terminal) Resume() {
	t.mu.Lock()
	t.isPaused = false
	t.pauseCond.Signal()
	t.mu.Unlock()
}

// IsPaused returns whether the terminal is currently paused
func (t *Terminal) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isPaused
}

func (t *Terminal) readOutput() {
	buf := make([]byte, 4096)
	for {
		t.mu.Lock()
		for t.isPaused {
			t.pauseCond.Wait()
		}
		t.mu.Unlock()

		n, err := t.Pty.Read(buf)
		if n > 0 && t.onOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.onOutput(t, data)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logging.Debug("PTY read ended", "id", t.ID, "error", err)
			}
			return
		}
	}
}

func (t *Terminal) waitForExit() {
	t.Cmd.Wait()
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	if t.onExit != nil {
		t.onExit(t)
	}
}

// Write writes data to the terminal
func (t *Terminal) Write(data []byte) error {
	_, err := t.Pty.Write(data)
	return err
}

// Resize resizes the terminal
func (t *Terminal) Resize(rows, cols uint16) error {
	return pty.Setsize(t.Pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close kills the shell and closes the PTY
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Cmd != nil && t.Cmd.Process != nil {
		t.Cmd.Process.Kill()
	}
	if t.Pty != nil {
		t.Pty.Close()
	}
	t.running = false
	// unblock a paused reader so it sees the closed PTY
	t.isPaused = false
	t.pauseCond.Signal()
	return nil
}

// IsRunning returns whether the shell is still running
func (t *Terminal) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Info returns terminal info for the web UI
func (t *Terminal) Info() Info {
	return Info{
		ID:      t.ID,
		Path:    t.Path,
		Running: t.IsRunning(),
	}
}
