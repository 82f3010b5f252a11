package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskhub/internal/logging"
	"taskhub/internal/protocol"
	"taskhub/internal/structure"
)

const gitTimeout = 5 * time.Second

func (s *Store) readFile(root, file string) (protocol.Response, error) {
	file, err := projectFile(root, file)
	if err != nil {
		return protocol.Response{}, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return protocol.Response{}, err
	}
	if info.IsDir() {
		return protocol.Response{}, fmt.Errorf("%w: %s", ErrIsDirectory, file)
	}
	if info.Size() > s.opts.MaxFileSize {
		return protocol.Response{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), s.opts.MaxFileSize)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{File: file, Content: string(data), Success: true}, nil
}

func (s *Store) writeFile(root, file, content string) (protocol.Response, error) {
	file, err := projectFile(root, file)
	if err != nil {
		return protocol.Response{}, err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(file); err == nil {
		if info.IsDir() {
			return protocol.Response{}, fmt.Errorf("%w: %s", ErrIsDirectory, file)
		}
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(file, []byte(content), mode); err != nil {
		return protocol.Response{}, err
	}
	s.log.Debug("File written", "file", logging.MaskPath(file), "bytes", len(content))
	return protocol.Response{File: file, Success: true}, nil
}

// ListFiles returns the file tree of path, annotated with git status when
// the project is a repository
func (s *Store) ListFiles(path string) (*protocol.FileNode, error) {
	root, err := s.scanner.ScanProject(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	if s.opts.Git == nil {
		return root, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	if !s.opts.Git.IsRepo(ctx, path) {
		return root, nil
	}
	statuses, err := s.opts.Git.Statuses(ctx, path)
	if err != nil {
		s.log.Warn("Failed to read git status", "path", logging.MaskPath(path), "error", err)
		return root, nil
	}
	structure.Annotate(root, statuses)
	return root, nil
}

// projectFile cleans file and checks that it lies inside the project root,
// also after resolving symlinks of whatever part of the path exists
func projectFile(root, file string) (string, error) {
	root, err := projectPath(root)
	if err != nil {
		return "", err
	}
	if file == "" {
		return "", ErrPathRequired
	}
	if !filepath.IsAbs(file) {
		return "", fmt.Errorf("%w: %s", ErrNotAbsolute, file)
	}
	file = filepath.Clean(file)
	if !within(root, file) {
		return "", fmt.Errorf("%w: %s", ErrOutsideProject, file)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving project %s: %w", root, err)
	}
	if real, ok := resolveExisting(file); ok && !within(realRoot, real) {
		return "", fmt.Errorf("%w: %s", ErrOutsideProject, file)
	}
	return file, nil
}

// resolveExisting resolves the symlinks of the longest existing prefix of
// path and appends the rest
func resolveExisting(path string) (string, bool) {
	rest := ""
	for dir := path; ; dir = filepath.Dir(dir) {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest), true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
