package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"taskhub/internal/assistant"
	"taskhub/internal/bridge"
	"taskhub/internal/config"
	"taskhub/internal/editor"
	"taskhub/internal/filetree"
	"taskhub/internal/focus"
	"taskhub/internal/git"
	"taskhub/internal/iterm"
	"taskhub/internal/logging"
	"taskhub/internal/loop"
	"taskhub/internal/project"
	"taskhub/internal/protocol"
	"taskhub/internal/remote"
	"taskhub/internal/state"
	"taskhub/internal/store"
	"taskhub/internal/tasks"
	"taskhub/internal/terminal"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Events emitted to the web UI
const (
	EventProjectChanged = "project:changed"
	EventProjectStatus  = "project:status"
	EventProjectReady   = "project:initialized"
	EventTasksChanged   = "tasks:changed"
	EventTasksFailed    = "tasks:failed"
	EventEditorChanged  = "editor:changed"
	EventEditorFailed   = "editor:failed"
	EventEditorSaved    = "editor:saved"
	EventTreeChanged    = "filetree:changed"
	EventTreeFailed     = "filetree:failed"
	EventFocusChanged   = "focus:changed"
	EventTerminalFocus  = "terminal:focus"
	EventTerminalOutput = "terminal:output"
	EventTerminalExit   = "terminal:exit"
	EventStoreLost      = "store:disconnected"
	EventAssistant      = "assistant:status"
)

var ErrNotReady = errors.New("application not started")

// terminalBackend is what the project context and task view drive
type terminalBackend interface {
	SwitchSession(path string) error
	SendCommand(text string) error
}

// App struct
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.Config

	stateManager *state.Manager
	loop         *loop.Loop
	loopDone     chan struct{}

	localStore  *store.Store
	remoteStore *remote.Client
	client      *bridge.Client

	terminal        terminalBackend
	terminalManager *terminal.Manager
	itermController *iterm.Controller
	detector        *assistant.Detector

	focus   *focus.Coordinator
	project *project.Context
	tasks   *tasks.Store
	tree    *filetree.Navigator
	loader  *filetree.Loader
	editor  *editor.Session
}

// NewApp creates a new App
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	cfg, cfgErr := config.Load(config.DefaultPath())
	verr := cfg.Validate()
	a.cfg = cfg

	// Initialize logger first
	if err := logging.Init(logging.Config{
		LogDir:     cfg.Logging.Dir,
		MaxAge:     cfg.Logging.MaxAge,
		JSONOutput: cfg.Logging.JSON,
		DevMode:    cfg.Logging.DevMode,
	}); err != nil {
		fmt.Printf("Error initializing logger: %v\n", err)
	} else {
		logging.Info("Application starting", "version", version)
	}
	if cfgErr != nil {
		logging.Error("Failed to load config, using defaults", "error", cfgErr)
	}
	if verr != nil {
		logging.Warn("Config adjusted", "warnings", verr.Warnings)
	}

	stateMgr, err := state.NewManager(config.Dir())
	if err != nil {
		logging.Error("Failed to initialize state manager", "error", err)
	} else {
		a.stateManager = stateMgr
		a.stateManager.SetContext(ctx)
	}

	a.initTerminal()

	transport, err := a.openStore()
	if err != nil {
		logging.Error("Failed to open task store", "error", err)
		runtime.MessageDialog(ctx, runtime.MessageDialogOptions{
			Type:    runtime.ErrorDialog,
			Title:   "Task store unavailable",
			Message: err.Error(),
		})
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.loop = loop.New()
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		a.loop.Run(loopCtx)
	}()

	a.client = bridge.New(transport, a.loop, cfg.Requests.Timeout)
	a.loop.Do(a.wire)

	active := ""
	if a.stateManager != nil {
		active = a.stateManager.ActiveProject()
	}
	a.loop.Post(func() { a.project.Initialize(active) })

	// Restore window state after a short delay (needs window to be ready)
	const windowReadyDelay = 150 * time.Millisecond
	go func() {
		time.Sleep(windowReadyDelay)
		a.restoreWindowState()
	}()
}

func (a *App) initTerminal() {
	if a.cfg.Terminal.Backend == config.BackendITerm {
		a.itermController = iterm.NewController()
		a.terminal = a.itermController
		logging.Info("iTerm2 controller initialized")
		return
	}
	a.detector = assistant.NewDetector()
	a.terminalManager = terminal.NewManager(a.cfg.Terminal.Shell)
	a.terminalManager.SetOutputHandler(a.onTerminalOutput)
	a.terminalManager.SetExitHandler(a.onTerminalExit)
	a.terminal = a.terminalManager
}

// openStore runs the store in-process unless a daemon address is configured
func (a *App) openStore() (bridge.Transport, error) {
	if a.cfg.Store.Addr != "" {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		c, err := remote.Dial(ctx, a.cfg.Store.Addr, a.cfg.Store.Token)
		if err != nil {
			return nil, err
		}
		a.remoteStore = c
		go func() {
			<-c.Done()
			runtime.EventsEmit(a.ctx, EventStoreLost, a.cfg.Store.Addr)
		}()
		return c, nil
	}

	gitMgr := git.NewManager()
	if !gitMgr.Available() {
		logging.Warn("git not found, file tree will not show git status")
		gitMgr = nil
	}
	st, err := store.New(store.Options{
		MarkerDir:   a.cfg.Store.MarkerDir,
		MaxFileSize: a.cfg.FileTree.MaxFileSize,
		Ignore:      a.cfg.FileTree.Ignore,
		Git:         gitMgr,
		Watch:       true,
	})
	if err != nil {
		return nil, err
	}
	a.localStore = st
	return st, nil
}

// wire builds the core components and connects their topics. Runs on the loop.
func (a *App) wire() {
	a.focus = focus.New()
	a.project = project.New(a.client, a.terminal)
	a.tasks = tasks.New(a.project, a.client, a.terminal)
	a.tree = filetree.New(a.focus)
	a.loader = filetree.NewLoader(a.tree, a.client)
	a.editor = editor.New(a.client, a.project, dialogConfirmer{app: a}, a.focus)

	a.focus.Register(focus.Terminal, focus.SurfaceFunc(func() {
		runtime.EventsEmit(a.ctx, EventTerminalFocus)
	}))
	a.focus.Register(focus.FileTree, a.tree)

	a.client.OnPush(a.tasks.HandlePush)

	a.project.ProjectChanged.Subscribe(func(c project.Change) {
		if a.editor.State() == editor.Loading {
			a.editor.CancelLoad()
		}
		a.loader.Load(c.Path)
		a.tasks.HandleProjectChanged(c.Path)
		if a.stateManager != nil && c.Path != "" {
			a.stateManager.SetActiveProject(c.Path)
		}
		runtime.EventsEmit(a.ctx, EventProjectChanged, c)
	})
	a.project.StatusChanged.Subscribe(func(managed bool) {
		runtime.EventsEmit(a.ctx, EventProjectStatus, managed)
	})
	a.project.Initialized.Subscribe(func(path string) {
		runtime.EventsEmit(a.ctx, EventProjectReady, path)
	})

	a.tasks.Changed.Subscribe(func(v tasks.View) {
		runtime.EventsEmit(a.ctx, EventTasksChanged, v)
	})
	a.tasks.Failed.Subscribe(func(f tasks.Failure) {
		runtime.EventsEmit(a.ctx, EventTasksFailed, map[string]any{
			"op":     f.Op,
			"path":   f.Path,
			"taskId": f.TaskID,
			"error":  f.Err.Error(),
		})
	})

	a.tree.FileOpened.Subscribe(func(f filetree.FileOpened) {
		if err := a.editor.Open(f.Path, a.focus.Origin()); err != nil {
			logging.Debug("Open ignored", "path", logging.MaskPath(f.Path), "error", err)
		}
	})
	a.tree.Changed.Subscribe(func(v filetree.View) {
		runtime.EventsEmit(a.ctx, EventTreeChanged, v)
	})
	a.loader.Failed.Subscribe(func(e filetree.LoadError) {
		runtime.EventsEmit(a.ctx, EventTreeFailed, map[string]string{
			"path":  e.Path,
			"error": e.Err.Error(),
		})
	})

	a.editor.Changed.Subscribe(func(v editor.View) {
		runtime.EventsEmit(a.ctx, EventEditorChanged, v)
	})
	a.editor.Failed.Subscribe(func(f editor.Failure) {
		runtime.EventsEmit(a.ctx, EventEditorFailed, map[string]string{
			"op":    f.Op,
			"path":  f.Path,
			"error": f.Err.Error(),
		})
	})
	a.editor.Saved.Subscribe(func(path string) {
		runtime.EventsEmit(a.ctx, EventEditorSaved, path)
		a.loader.Reload()
	})

	a.focus.Changed.Subscribe(func(c focus.Change) {
		runtime.EventsEmit(a.ctx, EventFocusChanged, c)
	})
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	// Save window state before closing
	a.saveWindowState()

	if a.client != nil {
		a.client.Close()
		a.client.Wait()
	}
	if a.cancel != nil {
		a.cancel()
		<-a.loopDone
	}
	if a.terminalManager != nil {
		a.terminalManager.CloseAll()
	}
	if a.remoteStore != nil {
		a.remoteStore.Close()
	}
	if a.localStore != nil {
		a.localStore.Close()
	}
	if a.stateManager != nil {
		a.stateManager.SaveSync()
	}
	logging.Info("Application stopped")
	logging.Shutdown()
}

// do runs fn on the event loop and returns its error
func (a *App) do(fn func() error) error {
	if a.loop == nil {
		return ErrNotReady
	}
	var err error
	if lerr := a.loop.Do(func() { err = fn() }); lerr != nil {
		return lerr
	}
	return err
}

// dialogConfirmer asks about unsaved changes with a native dialog. The
// dialog blocks, so it runs off the loop and posts the answer back.
type dialogConfirmer struct {
	app *App
}

func (d dialogConfirmer) ConfirmDiscard(path string, answer func(proceed bool)) {
	a := d.app
	go func() {
		result, err := runtime.MessageDialog(a.ctx, runtime.MessageDialogOptions{
			Type:          runtime.QuestionDialog,
			Title:         "Unsaved changes",
			Message:       fmt.Sprintf("Discard your changes to %s?", filepath.Base(path)),
			Buttons:       []string{"Discard", "Cancel"},
			DefaultButton: "Cancel",
			CancelButton:  "Cancel",
		})
		if err != nil {
			logging.Warn("Confirmation dialog failed", "error", err)
		}
		proceed := err == nil && (result == "Discard" || result == "Yes")
		a.loop.Post(func() { answer(proceed) })
	}()
}

// Window position bounds for validation (supports multi-monitor setups)
const (
	minWindowX      = -5000 // Allow negative for left-side monitors
	maxWindowX      = 10000
	minWindowY      = -5000
	maxWindowY      = 10000
	minWindowWidth  = 400
	minWindowHeight = 300
)

// restoreWindowState restores the window position and size from saved state
func (a *App) restoreWindowState() {
	if a.stateManager == nil {
		return
	}

	ws := a.stateManager.Window()
	if ws == nil {
		logging.Debug("No window state to restore")
		return
	}

	if ws.Maximised {
		runtime.WindowMaximise(a.ctx)
		logging.Info("Window state restored (maximised)")
		return
	}

	positionValid := ws.X >= minWindowX && ws.X <= maxWindowX &&
		ws.Y >= minWindowY && ws.Y <= maxWindowY
	sizeValid := ws.Width >= minWindowWidth && ws.Height >= minWindowHeight

	if positionValid {
		runtime.WindowSetPosition(a.ctx, ws.X, ws.Y)
	} else {
		logging.Warn("Skipping window position restore - out of bounds", "x", ws.X, "y", ws.Y)
	}
	if sizeValid {
		runtime.WindowSetSize(a.ctx, ws.Width, ws.Height)
	} else {
		logging.Warn("Skipping window size restore - invalid", "width", ws.Width, "height", ws.Height)
	}

	logging.Info("Window state restored", "x", ws.X, "y", ws.Y, "width", ws.Width, "height", ws.Height)
}

// saveWindowState saves the current window position and size
func (a *App) saveWindowState() {
	if a.stateManager == nil || a.ctx == nil {
		return
	}

	maximised := runtime.WindowIsMaximised(a.ctx)

	var x, y, width, height int
	if existing := a.stateManager.Window(); maximised && existing != nil && !existing.Maximised {
		// keep the last normal geometry so un-maximising restores it
		x, y = existing.X, existing.Y
		width, height = existing.Width, existing.Height
	} else {
		x, y = runtime.WindowGetPosition(a.ctx)
		width, height = runtime.WindowGetSize(a.ctx)
	}

	a.stateManager.SetWindow(state.WindowState{
		X:         x,
		Y:         y,
		Width:     width,
		Height:    height,
		Maximised: maximised,
	})
	logging.Info("Window state saved", "x", x, "y", y, "width", width, "height", height, "maximised", maximised)
}

// Terminal output/exit handlers emit events to the web UI
func (a *App) onTerminalOutput(id string, data []byte) {
	if status, changed := a.detector.Analyze(id, data); changed {
		a.emitAssistantStatus(id, status)
	}
	runtime.EventsEmit(a.ctx, EventTerminalOutput, map[string]string{
		"id":   id,
		"data": base64.StdEncoding.EncodeToString(data),
	})
}

func (a *App) onTerminalExit(id string) {
	if a.detector.Status(id) != assistant.StatusNone {
		a.emitAssistantStatus(id, assistant.StatusNone)
	}
	a.detector.Forget(id)
	runtime.EventsEmit(a.ctx, EventTerminalExit, id)
}

func (a *App) emitAssistantStatus(id string, status assistant.Status) {
	runtime.EventsEmit(a.ctx, EventAssistant, map[string]string{
		"id":     id,
		"status": string(status),
	})
}

// ============================================
// Project Methods
// ============================================

// SelectDirectory opens a directory picker and makes the choice the active
// project. Cancelling the picker keeps the current project.
func (a *App) SelectDirectory() (string, error) {
	path, err := runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Select Project Directory",
	})
	if err != nil || path == "" {
		return "", err
	}
	return path, a.SetActivePath(path)
}

// SetActivePath switches the active project
func (a *App) SetActivePath(path string) error {
	return a.do(func() error {
		a.project.SetActivePath(path)
		return nil
	})
}

// ActiveProject returns the active path and whether it is managed
func (a *App) ActiveProject() (project.Classification, error) {
	var c project.Classification
	err := a.do(func() error {
		c = project.Classification{Path: a.project.ActivePath(), IsManaged: a.project.IsManaged()}
		return nil
	})
	return c, err
}

// InitializeProject makes the active project managed. An empty name uses
// the directory name. The outcome arrives as a project:status event.
func (a *App) InitializeProject(name string) error {
	return a.do(func() error {
		return a.project.InitializeProject(name, func(err error) {
			if err != nil {
				runtime.EventsEmit(a.ctx, EventTasksFailed, map[string]any{
					"op":    protocol.OpInitProject,
					"path":  a.project.ActivePath(),
					"error": err.Error(),
				})
			}
		})
	})
}

// RecentProjects returns the recent projects, most recent first
func (a *App) RecentProjects() []state.RecentProject {
	if a.stateManager == nil {
		return []state.RecentProject{}
	}
	return a.stateManager.Recent()
}

// ForgetProject removes path from the recent projects
func (a *App) ForgetProject(path string) {
	if a.stateManager != nil {
		a.stateManager.ForgetProject(path)
	}
}

// ============================================
// Task Methods
// ============================================

// Tasks returns the current task view
func (a *App) Tasks() (tasks.View, error) {
	var v tasks.View
	err := a.do(func() error {
		v = a.tasks.View()
		return nil
	})
	return v, err
}

// CreateTask asks the store for a new task
func (a *App) CreateTask(d tasks.Draft) error {
	return a.do(func() error { return a.tasks.RequestCreate(d) })
}

// TransitionTask applies a status action to a task
func (a *App) TransitionTask(taskID string, action tasks.Action) error {
	return a.do(func() error { return a.tasks.RequestTransition(taskID, action) })
}

// UpdateTask changes task fields
func (a *App) UpdateTask(taskID string, fields protocol.TaskFields) error {
	return a.do(func() error { return a.tasks.RequestUpdate(taskID, fields) })
}

// DeleteTask removes a task
func (a *App) DeleteTask(taskID string) error {
	return a.do(func() error { return a.tasks.RequestDelete(taskID) })
}

// SetTaskFilter changes which tasks the view shows
func (a *App) SetTaskFilter(f tasks.Filter) error {
	return a.do(func() error { return a.tasks.SetFilter(f) })
}

// ReloadTasks asks the store for a fresh snapshot
func (a *App) ReloadTasks() error {
	return a.do(func() error {
		a.tasks.Reload()
		return nil
	})
}

// ============================================
// File Tree Methods
// ============================================

// FileTree returns the visible rows
func (a *App) FileTree() (filetree.View, error) {
	var v filetree.View
	err := a.do(func() error {
		v = a.tree.View()
		return nil
	})
	return v, err
}

// FocusFileTree moves keyboard input into the tree
func (a *App) FocusFileTree() error {
	return a.do(func() error {
		a.tree.Focus()
		return nil
	})
}

// SelectFile moves the tree cursor to path
func (a *App) SelectFile(path string) error {
	return a.do(func() error {
		a.tree.Select(path)
		return nil
	})
}

// ActivateFile opens a file or toggles a directory
func (a *App) ActivateFile(path string) error {
	return a.do(func() error {
		a.tree.Activate(path)
		return nil
	})
}

// ReloadFileTree lists the active project again
func (a *App) ReloadFileTree() error {
	return a.do(func() error {
		a.loader.Reload()
		return nil
	})
}

// HandleKey routes a key to the surface that holds focus and reports
// whether it was consumed
func (a *App) HandleKey(key string) (bool, error) {
	var handled bool
	err := a.do(func() error {
		switch a.focus.Current() {
		case focus.Editor:
			handled = a.editor.HandleKey(key)
		case focus.FileTree:
			handled = a.tree.HandleKey(key)
		}
		return nil
	})
	return handled, err
}

// FocusTerminal hands keyboard input to the terminal
func (a *App) FocusTerminal() error {
	return a.do(func() error {
		a.focus.FocusTerminal()
		return nil
	})
}

// ============================================
// Editor Methods
// ============================================

// OpenFile opens path in the editor, returning focus to the current owner
// on close
func (a *App) OpenFile(path string) error {
	return a.do(func() error { return a.editor.Open(path, a.focus.Origin()) })
}

// Editor returns the editor view
func (a *App) Editor() (editor.View, error) {
	var v editor.View
	err := a.do(func() error {
		v = a.editor.View()
		return nil
	})
	return v, err
}

// SetEditorBuffer replaces the buffer with the web UI's text
func (a *App) SetEditorBuffer(content string) error {
	return a.do(func() error { return a.editor.SetBuffer(content) })
}

// InsertText inserts text at the cursor
func (a *App) InsertText(text string) error {
	return a.do(func() error { return a.editor.Insert(text) })
}

// SetEditorCursor moves the cursor
func (a *App) SetEditorCursor(pos int) error {
	return a.do(func() error { return a.editor.SetCursor(pos) })
}

// SaveFile writes the buffer through the store
func (a *App) SaveFile() error {
	return a.do(a.editor.Save)
}

// CloseFile closes the editor, asking first if there are unsaved changes
func (a *App) CloseFile() error {
	return a.do(a.editor.Close)
}

// ============================================
// Terminal Methods
// ============================================

// Terminals lists the PTY sessions
func (a *App) Terminals() []terminal.Info {
	if a.terminalManager == nil {
		return []terminal.Info{}
	}
	return a.terminalManager.List()
}

// WriteTerminal sends base64 encoded input to a PTY session
func (a *App) WriteTerminal(id, data string) error {
	if a.terminalManager == nil {
		return terminal.ErrNoSession
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decoding terminal input: %w", err)
	}
	return a.terminalManager.Write(id, raw)
}

// ResizeTerminal resizes a PTY session
func (a *App) ResizeTerminal(id string, rows, cols int) error {
	if a.terminalManager == nil {
		return terminal.ErrNoSession
	}
	return a.terminalManager.Resize(id, uint16(rows), uint16(cols))
}

// PauseTerminal stops reading output until ResumeTerminal (flow control)
func (a *App) PauseTerminal(id string) {
	if a.terminalManager != nil {
		a.terminalManager.Pause(id)
	}
}

// ResumeTerminal resumes reading output
func (a *App) ResumeTerminal(id string) {
	if a.terminalManager != nil {
		a.terminalManager.Resume(id)
	}
}

// ITermStatus reports the iTerm2 windows and tabs
func (a *App) ITermStatus() (*iterm.Status, error) {
	if a.itermController == nil {
		return nil, iterm.ErrNotRunning
	}
	return a.itermController.Status()
}

// ============================================
// Logging Methods
// ============================================

// LogFromFrontend records a log line from the web UI
func (a *App) LogFromFrontend(entry logging.LogEntry) {
	logging.LogFromFrontend(entry)
}
