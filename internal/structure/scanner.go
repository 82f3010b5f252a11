package structure

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"taskhub/internal/protocol"
)

// DefaultIgnoredDirs are never descended into
var DefaultIgnoredDirs = []string{
	"node_modules", ".git", "dist", "build", ".next", ".nuxt",
	"coverage", ".cache", ".turbo", "out", ".output", "vendor",
	".vscode", ".idea", "__pycache__", ".venv", "target",
}

// Hidden entries that are still shown in the tree
var visibleDotEntries = map[string]bool{
	".claude":      true,
	".github":      true,
	".gitignore":   true,
	".env.example": true,
}

// MaxEntries caps the number of nodes produced for one project
const MaxEntries = 20000

// Scanner builds file trees for project directories
type Scanner struct {
	ignoredDirs map[string]bool
	maxEntries  int
}

// NewScanner creates a Scanner ignoring the given directory names
// (DefaultIgnoredDirs when none are given)
func NewScanner(ignored ...string) *Scanner {
	if len(ignored) == 0 {
		ignored = DefaultIgnoredDirs
	}
	s := &Scanner{
		ignoredDirs: make(map[string]bool, len(ignored)),
		maxEntries:  MaxEntries,
	}
	for _, name := range ignored {
		s.ignoredDirs[name] = true
	}
	return s
}

// ScanProject returns the tree rooted at projectPath
func (s *Scanner) ScanProject(projectPath string) (*protocol.FileNode, error) {
	info, err := os.Stat(projectPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}

	budget := s.maxEntries
	root := s.scanDir(projectPath, filepath.Base(projectPath), &budget)
	return &root, nil
}

// scanDir lists directories first, then files, each alphabetically (case-insensitive)
func (s *Scanner) scanDir(dirPath, name string, budget *int) protocol.FileNode {
	node := protocol.FileNode{
		Name:  name,
		Path:  dirPath,
		IsDir: true,
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return node
	}

	var dirs, files []os.DirEntry
	for _, entry := range entries {
		entryName := entry.Name()
		if strings.HasPrefix(entryName, ".") && !visibleDotEntries[entryName] {
			continue
		}
		if entry.IsDir() {
			if !s.ignoredDirs[entryName] {
				dirs = append(dirs, entry)
			}
			continue
		}
		if entry.Type().IsRegular() {
			files = append(files, entry)
		}
	}

	byName := func(list []os.DirEntry) {
		sort.Slice(list, func(i, j int) bool {
			return strings.ToLower(list[i].Name()) < strings.ToLower(list[j].Name())
		})
	}
	byName(dirs)
	byName(files)

	for _, dir := range dirs {
		if *budget <= 0 {
			return node
		}
		*budget--
		child := s.scanDir(filepath.Join(dirPath, dir.Name()), dir.Name(), budget)
		node.Children = append(node.Children, child)
	}
	for _, file := range files {
		if *budget <= 0 {
			return node
		}
		*budget--
		node.Children = append(node.Children, protocol.FileNode{
			Name: file.Name(),
			Path: filepath.Join(dirPath, file.Name()),
		})
	}

	return node
}

// Annotate sets GitStatus on every node below root whose path relative to
// root appears in statuses. Directories containing a change get "M".
func Annotate(root *protocol.FileNode, statuses map[string]string) {
	if len(statuses) == 0 {
		return
	}
	for i := range root.Children {
		annotate(&root.Children[i], root.Path, statuses)
	}
}

func annotate(node *protocol.FileNode, base string, statuses map[string]string) bool {
	if !node.IsDir {
		rel, err := filepath.Rel(base, node.Path)
		if err != nil {
			return false
		}
		if st, ok := statuses[filepath.ToSlash(rel)]; ok {
			node.GitStatus = st
			return true
		}
		return false
	}

	changed := false
	for i := range node.Children {
		if annotate(&node.Children[i], base, statuses) {
			changed = true
		}
	}
	if changed {
		node.GitStatus = "M"
	}
	return changed
}
