// Package filetree implements keyboard navigation over a project's file tree.
package filetree

import (
	"log/slog"
	"path/filepath"

	"taskhub/internal/events"
	"taskhub/internal/focus"
	"taskhub/internal/logging"
	"taskhub/internal/protocol"
)

// SourceFileTree tags files opened from the tree
const SourceFileTree = "fileTree"

// Keys understood by HandleKey
const (
	KeyDown   = "ArrowDown"
	KeyUp     = "ArrowUp"
	KeyRight  = "ArrowRight"
	KeyLeft   = "ArrowLeft"
	KeyEnter  = "Enter"
	KeyEscape = "Escape"
)

// FileOpened is published when a file is activated
type FileOpened struct {
	Path   string `json:"path"`
	Source string `json:"source"`
}

// Item is one row of the visible list
type Item struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	IsDir     bool   `json:"isDir"`
	Expanded  bool   `json:"expanded"`
	Depth     int    `json:"depth"`
	GitStatus string `json:"gitStatus,omitempty"`
}

// View is what the UI renders
type View struct {
	Items   []Item `json:"items"`
	Cursor  string `json:"cursor"`
	Focused bool   `json:"focused"`
}

// Focuser is the part of the focus coordinator the tree needs
type Focuser interface {
	Acquire(owner focus.Owner)
	FocusTerminal()
}

// Navigator holds the tree, the per-directory expanded flags and a single
// path-identified cursor. The cursor never rests on a hidden row.
type Navigator struct {
	FileOpened events.Topic[FileOpened]
	Changed    events.Topic[View]

	root     *protocol.FileNode
	nodes    map[string]*protocol.FileNode
	parents  map[string]string
	expanded map[string]bool
	cursor   string
	focused  bool
	focus    Focuser
	log      *slog.Logger
}

// New creates an empty, unfocused navigator
func New(f Focuser) *Navigator {
	return &Navigator{
		nodes:    make(map[string]*protocol.FileNode),
		parents:  make(map[string]string),
		expanded: make(map[string]bool),
		focus:    f,
		log:      logging.Component("filetree"),
	}
}

// SetTree replaces the tree. Expanded flags and the cursor survive for
// paths that still exist; a vanished cursor moves to its closest surviving
// visible ancestor.
func (n *Navigator) SetTree(root *protocol.FileNode) {
	n.root = root
	n.nodes = make(map[string]*protocol.FileNode)
	n.parents = make(map[string]string)
	if root != nil {
		n.index(root, "")
	}

	for path := range n.expanded {
		if node, ok := n.nodes[path]; !ok || !node.IsDir {
			delete(n.expanded, path)
		}
	}

	if n.cursor != "" {
		n.cursor = n.nearestVisible(n.cursor)
	}
	if n.focused && n.cursor == "" {
		n.cursor = n.first()
	}
	n.publish()
}

func (n *Navigator) index(node *protocol.FileNode, parent string) {
	n.nodes[node.Path] = node
	n.parents[node.Path] = parent
	for i := range node.Children {
		n.index(&node.Children[i], node.Path)
	}
}

// Visible lists rows whose ancestors are all expanded, depth first. The
// root itself is not a row.
func (n *Navigator) Visible() []Item {
	if n.root == nil {
		return nil
	}
	var items []Item
	var walk func(children []protocol.FileNode, depth int)
	walk = func(children []protocol.FileNode, depth int) {
		for i := range children {
			child := &children[i]
			expanded := child.IsDir && n.expanded[child.Path]
			items = append(items, Item{
				Path:      child.Path,
				Name:      child.Name,
				IsDir:     child.IsDir,
				Expanded:  expanded,
				Depth:     depth,
				GitStatus: child.GitStatus,
			})
			if expanded {
				walk(child.Children, depth+1)
			}
		}
	}
	walk(n.root.Children, 0)
	return items
}

// View returns the current render state
func (n *Navigator) View() View {
	cursor := ""
	if n.focused {
		cursor = n.cursor
	}
	return View{Items: n.Visible(), Cursor: cursor, Focused: n.focused}
}

// Cursor returns the remembered cursor path, focused or not
func (n *Navigator) Cursor() string {
	return n.cursor
}

// Focused reports whether the tree has keyboard input
func (n *Navigator) Focused() bool {
	return n.focused
}

// IsVisible reports whether path is currently a row
func (n *Navigator) IsVisible(path string) bool {
	if n.root == nil || path == n.root.Path {
		return false
	}
	if _, ok := n.nodes[path]; !ok {
		return false
	}
	for p := n.parents[path]; p != n.root.Path; p = n.parents[p] {
		if p == "" || !n.expanded[p] {
			return false
		}
	}
	return true
}

// Focus enters the tree, restoring the last cursor if it is still visible
// and falling back to the first row otherwise.
func (n *Navigator) Focus() {
	n.focused = true
	if !n.IsVisible(n.cursor) {
		n.cursor = n.first()
	}
	n.focus.Acquire(focus.FileTree)
	n.publish()
}

// Select moves the cursor to path (a pointer click). Hidden paths are ignored.
func (n *Navigator) Select(path string) bool {
	if !n.IsVisible(path) {
		return false
	}
	n.cursor = path
	if !n.focused {
		n.focused = true
		n.focus.Acquire(focus.FileTree)
	}
	n.publish()
	return true
}

// Activate opens a file or toggles a directory
func (n *Navigator) Activate(path string) {
	node, ok := n.nodes[path]
	if !ok {
		return
	}
	if node.IsDir {
		n.setExpanded(path, !n.expanded[path])
		return
	}
	n.log.Debug("File activated", "path", logging.MaskPath(path))
	n.FileOpened.Publish(FileOpened{Path: path, Source: SourceFileTree})
}

// Expand shows the children of dir
func (n *Navigator) Expand(dir string) {
	n.setExpanded(dir, true)
}

// Collapse hides the children of dir
func (n *Navigator) Collapse(dir string) {
	n.setExpanded(dir, false)
}

func (n *Navigator) setExpanded(dir string, expanded bool) {
	node, ok := n.nodes[dir]
	if !ok || !node.IsDir || n.expanded[dir] == expanded {
		return
	}
	if expanded {
		n.expanded[dir] = true
	} else {
		delete(n.expanded, dir)
	}
	if n.cursor != "" && !n.IsVisible(n.cursor) {
		n.cursor = n.nearestVisible(n.cursor)
	}
	n.publish()
}

// HandleKey applies a key press and reports whether it was consumed.
// Keys are ignored while the tree is not focused.
func (n *Navigator) HandleKey(key string) bool {
	if !n.focused {
		return false
	}

	switch key {
	case KeyDown, KeyUp:
		n.move(key == KeyDown)
	case KeyRight:
		n.Expand(n.cursor)
	case KeyLeft:
		n.Collapse(n.cursor)
	case KeyEnter:
		if n.cursor != "" {
			n.Activate(n.cursor)
		}
	case KeyEscape:
		n.focused = false
		n.publish()
		n.focus.FocusTerminal()
	default:
		return false
	}
	return true
}

func (n *Navigator) move(down bool) {
	items := n.Visible()
	if len(items) == 0 {
		return
	}

	idx := -1
	for i, item := range items {
		if item.Path == n.cursor {
			idx = i
			break
		}
	}

	switch {
	case idx < 0:
		idx = 0
	case down:
		idx = (idx + 1) % len(items)
	default:
		idx = (idx - 1 + len(items)) % len(items)
	}
	n.cursor = items[idx].Path
	n.publish()
}

// nearestVisible walks up from path to the closest visible row. Paths that
// left the tree are walked by name.
func (n *Navigator) nearestVisible(path string) string {
	for path != "" {
		if n.IsVisible(path) {
			return path
		}
		if parent, ok := n.parents[path]; ok {
			path = parent
			continue
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	return ""
}

func (n *Navigator) first() string {
	if n.root == nil || len(n.root.Children) == 0 {
		return ""
	}
	return n.root.Children[0].Path
}

func (n *Navigator) publish() {
	n.Changed.Publish(n.View())
}
