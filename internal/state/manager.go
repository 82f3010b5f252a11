package state

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"taskhub/internal/logging"
)

const (
	FileName  = "state.json"
	saveDelay = 500 * time.Millisecond
)

// Manager owns the persisted app state
type Manager struct {
	ctx       context.Context
	state     *AppState
	statePath string
	mu        sync.RWMutex
	now       func() time.Time

	// Debounced save
	saveTimer *time.Timer
	saveMu    sync.Mutex

	log *slog.Logger
}

// NewManager loads the state file in dir, creating dir if needed
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m := &Manager{
		state:     NewAppState(),
		statePath: filepath.Join(dir, FileName),
		now:       time.Now,
		log:       logging.Component("state"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetContext sets the Wails context for event emission
func (m *Manager) SetContext(ctx context.Context) {
	m.ctx = ctx
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		// start fresh
		m.log.Warn("Ignoring unreadable state file", "path", logging.MaskPath(m.statePath), "error", err)
		return nil
	}
	if state.Recent == nil {
		state.Recent = []RecentProject{}
	}
	if len(state.Recent) > MaxRecent {
		state.Recent = state.Recent[:MaxRecent]
	}
	state.Version = Version
	m.state = &state
	return nil
}

func (m *Manager) saveImmediate() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.statePath)
}

// Save triggers a debounced save
func (m *Manager) Save() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(saveDelay, func() {
		if err := m.saveImmediate(); err != nil {
			m.log.Error("Failed to save state", "error", err)
		}
	})
}

// SaveSync immediately saves state (for shutdown)
func (m *Manager) SaveSync() error {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()

	return m.saveImmediate()
}

// ActiveProject returns the project that was active last
func (m *Manager) ActiveProject() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ActiveProject
}

// Recent returns the recent projects, most recent first
func (m *Manager) Recent() []RecentProject {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.Recent)
}

// SetActiveProject records path as active and moves it to the front of
// the recent list. An empty path clears the active project only.
func (m *Manager) SetActiveProject(path string) {
	m.mu.Lock()
	m.state.ActiveProject = path
	if path != "" {
		m.state.Recent = slices.DeleteFunc(m.state.Recent, func(r RecentProject) bool { return r.Path == path })
		m.state.Recent = slices.Insert(m.state.Recent, 0, RecentProject{
			Path:       path,
			Name:       filepath.Base(path),
			LastOpened: m.now(),
		})
		if len(m.state.Recent) > MaxRecent {
			m.state.Recent = m.state.Recent[:MaxRecent]
		}
	}
	recent := slices.Clone(m.state.Recent)
	m.mu.Unlock()

	m.Save()
	m.emit("state:recent:changed", recent)
}

// ForgetProject drops path from the recent list
func (m *Manager) ForgetProject(path string) {
	m.mu.Lock()
	m.state.Recent = slices.DeleteFunc(m.state.Recent, func(r RecentProject) bool { return r.Path == path })
	if m.state.ActiveProject == path {
		m.state.ActiveProject = ""
	}
	recent := slices.Clone(m.state.Recent)
	m.mu.Unlock()

	m.Save()
	m.emit("state:recent:changed", recent)
}

// Window returns the saved window state
func (m *Manager) Window() *WindowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Window == nil {
		return nil
	}
	w := *m.state.Window
	return &w
}

// SetWindow saves the window state
func (m *Manager) SetWindow(w WindowState) {
	m.mu.Lock()
	m.state.Window = &w
	m.mu.Unlock()
	m.Save()
}

func (m *Manager) emit(event string, data any) {
	if m.ctx != nil {
		runtime.EventsEmit(m.ctx, event, data)
	}
}
