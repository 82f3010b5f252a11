// Package iterm is the terminal collaborator for users who keep their
// assistant sessions in iTerm2: one tab per project, driven via AppleScript.
package iterm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"taskhub/internal/logging"
)

var (
	ErrNotRunning  = errors.New("iTerm2 is not running")
	ErrPathMissing = errors.New("session path is required")
	ErrTabNotFound = errors.New("tab not found")
)

// TabPrefix marks tabs created for projects
const TabPrefix = "taskhub: "

// Tab is one iTerm2 tab
type Tab struct {
	WindowID int    `json:"windowId"`
	TabIndex int    `json:"tabIndex"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// Status is the current iTerm2 status
type Status struct {
	Running bool  `json:"running"`
	Tabs    []Tab `json:"tabs"`
}

// Controller drives iTerm2. Scripts run through run, which is osascript
// outside tests.
type Controller struct {
	mu     sync.Mutex
	active string
	run    func(script string) (string, error)
	log    *slog.Logger
}

// NewController creates a controller using osascript
func NewController() *Controller {
	return &Controller{
		run: runAppleScript,
		log: logging.Component("iterm"),
	}
}

// TabName returns the tab name used for the project at path
func TabName(path string) string {
	return TabPrefix + filepath.Base(path)
}

// SwitchSession selects the tab of the project at path, creating it when
// it does not exist yet
func (c *Controller) SwitchSession(path string) error {
	if path == "" {
		return ErrPathMissing
	}
	path = filepath.Clean(path)
	name := TabName(path)

	status, err := c.Status()
	if err != nil {
		return err
	}
	if !status.Running {
		if err := c.Launch(); err != nil {
			return err
		}
	}

	for _, tab := range status.Tabs {
		if tab.Name == name {
			if err := c.SwitchTab(tab.WindowID, tab.TabIndex); err != nil {
				return err
			}
			c.setActive(path)
			return nil
		}
	}

	if err := c.CreateTab(path, name); err != nil {
		return err
	}
	c.setActive(path)
	return nil
}

// SendCommand writes text to the current session and presses Enter
func (c *Controller) SendCommand(text string) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}
	script := fmt.Sprintf(`
tell application "iTerm2"
	tell current session of current window
		write text "%s"
	end tell
end tell
`, escape(text))

	if _, err := c.run(script); err != nil {
		c.log.Error("Failed to write text to iTerm2", "error", err)
		return err
	}
	c.log.Debug("Wrote text to iTerm2", "length", len(text))
	return nil
}

// Active returns the path of the project whose tab was selected last
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) setActive(path string) {
	c.mu.Lock()
	c.active = path
	c.mu.Unlock()
}

// IsRunning checks if iTerm2 is running
func (c *Controller) IsRunning() bool {
	output, err := c.run(`tell application "System Events" to (name of processes) contains "iTerm2"`)
	if err != nil {
		return false
	}
	return strings.TrimSpace(output) == "true"
}

// Launch starts iTerm2
func (c *Controller) Launch() error {
	if _, err := c.run(`tell application "iTerm2" to activate`); err != nil {
		c.log.Error("Failed to launch iTerm2", "error", err)
		return err
	}
	c.log.Info("iTerm2 launched")
	return nil
}

// Status lists every tab of every window
func (c *Controller) Status() (*Status, error) {
	if !c.IsRunning() {
		return &Status{Running: false, Tabs: []Tab{}}, nil
	}

	script := `
set q to quote
tell application "iTerm2"
	set output to "["
	set isFirst to true
	repeat with w in windows
		set windowId to id of w
		set currentSessId to ""
		try
			set currentSessId to id of current session of current tab of w
		end try
		set tabIdx to 0
		repeat with t in tabs of w
			set tabIdx to tabIdx + 1
			set sess to current session of t
			set sessName to name of sess
			set cleanName to sessName
			try
				set parenPos to offset of " (" in sessName
				if parenPos > 0 then
					set cleanName to text 1 thru (parenPos - 1) of sessName
				end if
			end try
			set safeName to ""
			repeat with ch in cleanName
				set ch to ch as text
				if ch is q then
					set safeName to safeName & "'"
				else
					set safeName to safeName & ch
				end if
			end repeat
			set isActive to (id of sess is currentSessId)
			if not isFirst then
				set output to output & ","
			end if
			set isFirst to false
			set output to output & "{" & q & "windowId" & q & ":" & windowId & "," & q & "tabIndex" & q & ":" & tabIdx & "," & q & "name" & q & ":" & q & safeName & q & "," & q & "isActive" & q & ":" & isActive & "}"
		end repeat
	end repeat
	set output to output & "]"
	return output
end tell
`
	output, err := c.run(script)
	if err != nil {
		return nil, fmt.Errorf("listing iTerm2 tabs: %w", err)
	}

	var tabs []Tab
	if err := json.Unmarshal([]byte(output), &tabs); err != nil {
		return nil, fmt.Errorf("parsing iTerm2 tabs: %w", err)
	}
	if tabs == nil {
		tabs = []Tab{}
	}
	return &Status{Running: true, Tabs: tabs}, nil
}

// SwitchTab selects a tab without stealing focus
func (c *Controller) SwitchTab(windowID, tabIndex int) error {
	script := fmt.Sprintf(`
tell application "iTerm2"
	repeat with w in windows
		if id of w is %d then
			select tab %d of w
			return true
		end if
	end repeat
	return false
end tell
`, windowID, tabIndex)

	output, err := c.run(script)
	if err != nil {
		c.log.Error("Failed to switch iTerm2 tab", "windowId", windowID, "tabIndex", tabIndex, "error", err)
		return err
	}
	if strings.TrimSpace(output) != "true" {
		return fmt.Errorf("%w: window %d, tab %d", ErrTabNotFound, windowID, tabIndex)
	}
	c.log.Info("Switched iTerm2 tab", "windowId", windowID, "tabIndex", tabIndex)
	return nil
}

// CreateTab opens a tab named name in workingDir
func (c *Controller) CreateTab(workingDir, name string) error {
	shellPath := strings.ReplaceAll(workingDir, "'", "'\\''")
	script := fmt.Sprintf(`
tell application "iTerm2"
	activate
	if (count of windows) is 0 then
		create window with default profile
	end if
	tell current window
		create tab with default profile
		tell current session
			set name to "%s"
			write text "%s"
		end tell
	end tell
end tell
`, escape(name), escape("cd '"+shellPath+"' && clear"))

	if _, err := c.run(script); err != nil {
		c.log.Error("Failed to create iTerm2 tab", "workingDir", logging.MaskPath(workingDir), "error", err)
		return err
	}
	c.log.Info("Created iTerm2 tab", "workingDir", logging.MaskPath(workingDir))
	return nil
}

// escape makes text safe inside an AppleScript string literal
func escape(text string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		"\"", "\\\"",
		"\n", "\\n",
		"\r", "\\r",
		"\t", "\\t",
	)
	return r.Replace(text)
}

func runAppleScript(script string) (string, error) {
	// temp file avoids -e escaping issues
	tmpFile, err := os.CreateTemp("", "applescript-*.scpt")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write script: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to write script: %w", err)
	}

	output, err := exec.Command("osascript", tmpFile.Name()).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("AppleScript error: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
