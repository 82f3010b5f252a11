package state

import "time"

const (
	// Version of the state file format
	Version = 2

	// MaxRecent caps the recent projects list
	MaxRecent = 10
)

// AppState is everything the shell remembers between runs
type AppState struct {
	Version       int             `json:"version"`
	ActiveProject string          `json:"activeProject"`
	Recent        []RecentProject `json:"recentProjects"`
	Window        *WindowState    `json:"window,omitempty"`
}

// RecentProject is one entry of the recent projects list
type RecentProject struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	LastOpened time.Time `json:"lastOpened"`
}

// WindowState is the main window geometry
type WindowState struct {
	X         int  `json:"x"`
	Y         int  `json:"y"`
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	Maximised bool `json:"maximised"`
}

// NewAppState creates a new empty app state
func NewAppState() *AppState {
	return &AppState{
		Version: Version,
		Recent:  []RecentProject{},
	}
}
