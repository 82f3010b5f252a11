package editor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/bridge"
	"taskhub/internal/bridge/bridgetest"
	"taskhub/internal/focus"
	"taskhub/internal/loop"
	"taskhub/internal/protocol"
)

// memFiles is a store-side file table answering readFile and writeFile
type memFiles struct {
	mu        sync.Mutex
	files     map[string]string
	failWrite error
	writes    int
	roots     []string
}

func (m *memFiles) handle(_ context.Context, req protocol.Request) (protocol.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots = append(m.roots, req.Path)
	switch req.Op {
	case protocol.OpReadFile:
		content, ok := m.files[req.File]
		if !ok {
			return protocol.Failure(req, errors.New("file not found")), nil
		}
		return protocol.Response{Op: req.Op, File: req.File, Success: true, Content: content}, nil
	case protocol.OpWriteFile:
		m.writes++
		if m.failWrite != nil {
			return protocol.Failure(req, m.failWrite), nil
		}
		m.files[req.File] = req.Content
		return protocol.Response{Op: req.Op, File: req.File, Success: true}, nil
	}
	return protocol.Failure(req, errors.New("unexpected op")), nil
}

type fakeConfirmer struct {
	asked   []string
	pending func(bool)
}

func (c *fakeConfirmer) ConfirmDiscard(path string, answer func(bool)) {
	c.asked = append(c.asked, path)
	c.pending = answer
}

func (c *fakeConfirmer) answer(proceed bool) {
	fn := c.pending
	c.pending = nil
	fn(proceed)
}

type fakeFocus struct {
	acquired []focus.Owner
	restored []focus.Owner
}

func (f *fakeFocus) Acquire(o focus.Owner) { f.acquired = append(f.acquired, o) }
func (f *fakeFocus) Restore(o focus.Owner) { f.restored = append(f.restored, o) }

type fakeProject struct {
	path string
}

func (p *fakeProject) ActivePath() string { return p.path }

type harness struct {
	project *fakeProject
	files   *memFiles
	loop    *loop.Loop
	client  *bridge.Client
	confirm *fakeConfirmer
	focus   *fakeFocus
	session *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		project: &fakeProject{path: "/p"},
		files:   &memFiles{files: map[string]string{"/p/main.go": "package main\n"}},
		loop:    loop.New(),
		confirm: &fakeConfirmer{},
		focus:   &fakeFocus{},
	}
	h.client = bridge.New(bridgetest.New(h.files.handle), h.loop, 0)
	h.session = New(h.client, h.project, h.confirm, h.focus)
	return h
}

func (h *harness) settle() {
	bridgetest.Settle(h.client, h.loop)
}

func (h *harness) open(t *testing.T, path string, origin focus.Owner) {
	t.Helper()
	require.NoError(t, h.session.Open(path, origin))
	h.settle()
	require.Equal(t, Clean, h.session.State())
}

func TestOpenLoadsFile(t *testing.T) {
	h := newHarness(t)
	var states []string
	h.session.Changed.Subscribe(func(v View) { states = append(states, v.State) })

	require.NoError(t, h.session.Open("/p/main.go", focus.FileTree))
	assert.Equal(t, Loading, h.session.State())
	assert.ErrorIs(t, h.session.Open("/p/other.go", focus.Terminal), ErrNotClosed)

	h.settle()
	assert.Equal(t, Clean, h.session.State())
	assert.Equal(t, "package main\n", h.session.Buffer())
	assert.Equal(t, focus.FileTree, h.session.Origin())
	assert.Equal(t, []focus.Owner{focus.Editor}, h.focus.acquired)
	assert.Equal(t, []string{"loading", "clean"}, states)
}

func TestDocumentStaysBoundToItsProject(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.FileTree)

	h.project.path = "/q"
	require.NoError(t, h.session.Insert("// x\n"))
	require.NoError(t, h.session.Save())
	h.settle()

	assert.Equal(t, []string{"/p", "/p"}, h.files.roots, "read and write use the project of the open")
	assert.Equal(t, Clean, h.session.State())
}

func TestOpenWithoutProject(t *testing.T) {
	h := newHarness(t)
	h.project.path = ""

	assert.ErrorIs(t, h.session.Open("/p/main.go", focus.Terminal), ErrNoProject)
	assert.Equal(t, Closed, h.session.State())
	assert.Empty(t, h.files.roots)
}

func TestOpenFailureReturnsToClosed(t *testing.T) {
	h := newHarness(t)
	var failures []Failure
	h.session.Failed.Subscribe(func(f Failure) { failures = append(failures, f) })

	require.NoError(t, h.session.Open("/p/missing.go", focus.Terminal))
	h.settle()

	assert.Equal(t, Closed, h.session.State())
	assert.Empty(t, h.session.Path())
	require.Len(t, failures, 1)
	assert.Equal(t, "open", failures[0].Op)
	assert.Empty(t, h.focus.acquired)
}

func TestCancelLoad(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Open("/p/main.go", focus.Terminal))
	assert.True(t, h.session.HandleKey(KeyEscape))
	h.settle()

	assert.Equal(t, Closed, h.session.State())
	assert.Empty(t, h.session.Buffer())
}

func TestDirtyTracking(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.Terminal)

	require.NoError(t, h.session.SetCursor(100))
	assert.Equal(t, len([]rune("package main\n")), h.session.Cursor())

	require.NoError(t, h.session.Insert("// x"))
	assert.True(t, h.session.IsModified())

	require.NoError(t, h.session.SetBuffer("package main\n"))
	assert.False(t, h.session.IsModified(), "reverting to identical content is clean")
	assert.Equal(t, Clean, h.session.State())
}

func TestDirtyIffBufferDiffers(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.Terminal)
	rng := rand.New(rand.NewSource(3))
	pieces := []string{"a", "b", "", "  ", "é"}

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			require.NoError(t, h.session.Insert(pieces[rng.Intn(len(pieces))]))
		case 1:
			require.NoError(t, h.session.SetCursor(rng.Intn(len(h.session.Buffer())+2)))
		case 2:
			require.NoError(t, h.session.SetBuffer(h.session.Original()))
		default:
			require.NoError(t, h.session.SetBuffer(pieces[rng.Intn(len(pieces))]))
		}
		assert.Equal(t, h.session.Buffer() != h.session.Original(), h.session.IsModified(), "step %d", i)
	}
}

func TestTabInsertsTwoSpacesAtCursor(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.Terminal)
	require.NoError(t, h.session.SetCursor(0))

	assert.True(t, h.session.HandleKey(KeyTab))
	assert.Equal(t, "  package main\n", h.session.Buffer())
	assert.Equal(t, 2, h.session.Cursor())
}

func TestSaveMakesClean(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.Terminal)
	require.NoError(t, h.session.SetBuffer("package app\n"))

	var saved []string
	h.session.Saved.Subscribe(func(p string) { saved = append(saved, p) })

	assert.True(t, h.session.HandleKey(KeySave))
	assert.True(t, h.session.Saving())
	assert.ErrorIs(t, h.session.Save(), ErrBusy)

	h.settle()
	assert.False(t, h.session.Saving())
	assert.Equal(t, Clean, h.session.State())
	assert.Equal(t, "package app\n", h.session.Original())
	assert.Equal(t, "package app\n", h.files.files["/p/main.go"])
	assert.Equal(t, []string{"/p/main.go"}, saved)
	assert.Equal(t, 1, h.files.writes)
}

func TestEditDuringSaveStaysDirty(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.Terminal)
	require.NoError(t, h.session.SetBuffer("v1"))
	require.NoError(t, h.session.Save())
	require.NoError(t, h.session.SetBuffer("v2"))

	h.settle()
	assert.Equal(t, "v1", h.session.Original())
	assert.True(t, h.session.IsModified())
}

func TestSaveFailureKeepsDirty(t *testing.T) {
	h := newHarness(t)
	h.files.failWrite = errors.New("permission denied")
	h.open(t, "/p/main.go", focus.Terminal)
	require.NoError(t, h.session.SetBuffer("changed"))

	var failures []Failure
	h.session.Failed.Subscribe(func(f Failure) { failures = append(failures, f) })

	require.NoError(t, h.session.Save())
	h.settle()

	assert.Equal(t, Dirty, h.session.State())
	assert.Equal(t, "changed", h.session.Buffer())
	require.Len(t, failures, 1)
	assert.Equal(t, "save", failures[0].Op)
	assert.Equal(t, 1, h.files.writes, "no automatic retry")
}

func TestSaveRequiresOpenDocument(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.session.Save(), ErrNotOpen)
	assert.ErrorIs(t, h.session.Close(), ErrNotOpen)
	assert.ErrorIs(t, h.session.Insert("x"), ErrNotOpen)
	assert.False(t, h.session.HandleKey(KeySave))
	assert.False(t, h.session.HandleKey("ArrowDown"))
}

func TestCloseDirtyDeclinedKeepsEverything(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.FileTree)
	require.NoError(t, h.session.Insert("// wip\n"))

	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close(), "a second close while asking is ignored")
	require.Len(t, h.confirm.asked, 1)

	h.confirm.answer(false)

	assert.Equal(t, Dirty, h.session.State())
	assert.Equal(t, "/p/main.go", h.session.Path())
	assert.Equal(t, "package main\n", h.session.Original())
	assert.Equal(t, "// wip\npackage main\n", h.session.Buffer())
	assert.Empty(t, h.focus.restored)
}

func TestCloseDirtyConfirmedRestoresFocus(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.Terminal)
	require.NoError(t, h.session.Insert("x"))

	require.NoError(t, h.session.Close())
	h.confirm.answer(true)

	assert.Equal(t, Closed, h.session.State())
	assert.Empty(t, h.session.Buffer())
	assert.Equal(t, []focus.Owner{focus.Terminal}, h.focus.restored)
	assert.Equal(t, "package main\n", h.files.files["/p/main.go"], "discarded edits are not written")
}

func TestSaveThenCloseRestoresOrigin(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.FileTree)
	require.NoError(t, h.session.Insert("x"))
	require.NoError(t, h.session.Save())
	h.settle()

	assert.True(t, h.session.HandleKey(KeyEscape))

	assert.Empty(t, h.confirm.asked, "clean documents close without asking")
	assert.Equal(t, Closed, h.session.State())
	assert.Equal(t, []focus.Owner{focus.FileTree}, h.focus.restored)
}

func TestReopenAfterClose(t *testing.T) {
	h := newHarness(t)
	h.open(t, "/p/main.go", focus.FileTree)
	require.NoError(t, h.session.Close())
	h.open(t, "/p/main.go", focus.Terminal)
	assert.Equal(t, focus.Terminal, h.session.Origin())
}
