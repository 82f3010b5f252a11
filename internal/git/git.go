package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Status letters reported for changed files
const (
	StatusModified  = "M"
	StatusAdded     = "A"
	StatusDeleted   = "D"
	StatusRenamed   = "R"
	StatusUntracked = "?"
)

// ChangedFile represents a file with changes
type ChangedFile struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Staged bool   `json:"staged"`
}

// Manager runs git against project directories
type Manager struct {
	binary string
}

// NewManager creates a git manager using the git on PATH
func NewManager() *Manager {
	return &Manager{binary: "git"}
}

// Available reports whether the git binary can be found
func (m *Manager) Available() bool {
	_, err := exec.LookPath(m.binary)
	return err == nil
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.binary, append([]string{"-C", dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// IsRepo checks if path is inside a git work tree
func (m *Manager) IsRepo(ctx context.Context, path string) bool {
	out, err := m.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// ChangedFiles lists staged, unstaged and untracked changes relative to
// the repository root
func (m *Manager) ChangedFiles(ctx context.Context, path string) ([]ChangedFile, error) {
	out, err := m.run(ctx, path, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// Statuses maps each changed file below path (slash-separated, relative
// to path) to its status letter
func (m *Manager) Statuses(ctx context.Context, path string) (map[string]string, error) {
	out, err := m.run(ctx, path, "rev-parse", "--show-prefix")
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSpace(string(out))

	files, err := m.ChangedFiles(ctx, path)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]string, len(files))
	for _, f := range files {
		if rel, ok := strings.CutPrefix(f.Path, prefix); ok {
			statuses[rel] = f.Status
		}
	}
	return statuses, nil
}

// TopLevel returns the repository root containing path
func (m *Manager) TopLevel(ctx context.Context, path string) (string, error) {
	out, err := m.run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the current branch name, "" when detached or not a repo
func (m *Manager) CurrentBranch(ctx context.Context, path string) string {
	out, err := m.run(ctx, path, "branch", "--show-current")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// parsePorcelain decodes `git status --porcelain=v1 -z`. Each entry is
// "XY path\x00", renames and copies carry the source path as an extra entry.
func parsePorcelain(out []byte) []ChangedFile {
	var files []ChangedFile
	entries := strings.Split(string(out), "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		x, y, path := entry[0], entry[1], entry[3:]

		if x == 'R' || x == 'C' {
			i++
		}

		switch {
		case x == '?' && y == '?':
			files = append(files, ChangedFile{Path: path, Status: StatusUntracked})
		case x != ' ':
			files = append(files, ChangedFile{Path: path, Status: letter(x), Staged: true})
		default:
			files = append(files, ChangedFile{Path: path, Status: letter(y)})
		}
	}
	return files
}

func letter(code byte) string {
	switch code {
	case 'A':
		return StatusAdded
	case 'D':
		return StatusDeleted
	case 'R', 'C':
		return StatusRenamed
	}
	return StatusModified
}
