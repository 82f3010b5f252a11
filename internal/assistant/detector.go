// Package assistant guesses what the coding assistant running in a terminal
// session is doing from the output it prints.
package assistant

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Status is the detected state of the assistant in one session
type Status string

const (
	StatusNone    Status = "none"
	StatusWorking Status = "working"
	StatusIdle    Status = "idle"
	StatusWaiting Status = "waiting" // asked the user something
)

// spinnerHold keeps a session working through output chunks between
// spinner frames
const spinnerHold = 1500 * time.Millisecond

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\([Yy]/[Nn]\)`),
		regexp.MustCompile(`(?i)\(yes/no\)`),
		regexp.MustCompile(`(?i)\bdo you want\b`),
		regexp.MustCompile(`(?i)\bwould you like\b`),
		regexp.MustCompile(`(?i)\b(proceed|continue)\?`),
		regexp.MustCompile(`(?i)\bpress enter\b`),
		regexp.MustCompile(`(?i)\b(allow|approve)\b.*\?`),
	}

	summaryMarkers = []string{"total cost", "api cost", "input tokens", "output tokens"}
)

type session struct {
	status      Status
	lastSpinner time.Time
}

// Detector tracks a status per terminal session. It is safe for concurrent
// use; PTY readers call Analyze from their own goroutines.
type Detector struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewDetector creates a detector with no sessions
func NewDetector() *Detector {
	return &Detector{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Analyze feeds one chunk of output for session id and returns the status
// afterwards and whether it changed
func (d *Detector) Analyze(id string, data []byte) (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		s = &session{status: StatusNone}
		d.sessions[id] = s
	}
	prev := s.status
	now := d.now()

	switch {
	case hasSpinner(data):
		s.lastSpinner = now
		s.status = StatusWorking
	default:
		text := ansiPattern.ReplaceAllString(string(data), "")
		switch {
		case hasQuestion(text):
			s.status = StatusWaiting
		case hasPrompt(text) || hasSummary(text):
			s.status = StatusIdle
		case !s.lastSpinner.IsZero() && now.Sub(s.lastSpinner) < spinnerHold:
			s.status = StatusWorking
		}
	}
	return s.status, s.status != prev
}

// Status returns the last status of session id
func (d *Detector) Status(id string) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[id]; ok {
		return s.status
	}
	return StatusNone
}

// Forget drops session id
func (d *Detector) Forget(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

// hasSpinner looks for a braille spinner frame (U+2800..U+28FF) in a small
// chunk or next to a clear-line sequence
func hasSpinner(data []byte) bool {
	braille := false
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0xE2 && data[i+1] >= 0xA0 && data[i+1] <= 0xA3 {
			braille = true
			break
		}
	}
	if !braille {
		return false
	}
	return len(data) < 100 || bytes.Contains(data, []byte("\x1b[K")) || bytes.Contains(data, []byte("\x1b[2K"))
}

func hasQuestion(text string) bool {
	for _, p := range questionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// hasPrompt finds the input prompt: a line that is ">" or starts with "> "
func hasPrompt(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\r"))
		if line == ">" || strings.HasPrefix(line, "> ") {
			return true
		}
	}
	return false
}

func hasSummary(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range summaryMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
