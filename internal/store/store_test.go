package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/protocol"
)

type pushLog struct {
	mu    sync.Mutex
	snaps []protocol.TaskSnapshot
}

func (l *pushLog) add(p protocol.Push) {
	if p.Snapshot == nil {
		return
	}
	l.mu.Lock()
	l.snaps = append(l.snaps, *p.Snapshot)
	l.mu.Unlock()
}

func (l *pushLog) last(t *testing.T) protocol.TaskSnapshot {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.snaps)
	return l.snaps[len(l.snaps)-1]
}

func (l *pushLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func newTestStore(t *testing.T, opts Options) (*Store, *pushLog) {
	t.Helper()
	if opts.Now == nil {
		clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		opts.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := &pushLog{}
	s.Subscribe(log.add)
	return s, log
}

func strp(s string) *string { return &s }

func TestClassifyAndInit(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	dir := t.TempDir()

	resp := s.Handle(protocol.Request{Op: protocol.OpClassify, Path: dir})
	require.NoError(t, resp.Err())
	assert.False(t, resp.IsManaged)

	resp = s.Handle(protocol.Request{Op: protocol.OpInitProject, Path: dir, Name: "demo"})
	require.NoError(t, resp.Err())
	assert.True(t, resp.Success)

	resp = s.Handle(protocol.Request{Op: protocol.OpClassify, Path: dir})
	assert.True(t, resp.IsManaged)

	data, err := os.ReadFile(filepath.Join(dir, DefaultMarkerDir, MarkerFile))
	require.NoError(t, err)
	var meta projectMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "demo", meta.Name)

	// second init leaves the marker alone
	resp = s.Handle(protocol.Request{Op: protocol.OpInitProject, Path: dir, Name: "other"})
	require.NoError(t, resp.Err())
	after, _ := os.ReadFile(filepath.Join(dir, DefaultMarkerDir, MarkerFile))
	assert.Equal(t, data, after)
}

func TestInitProjectDefaultsNameToDirectory(t *testing.T) {
	s, _ := newTestStore(t, Options{MarkerDir: ".hub"})
	dir := filepath.Join(t.TempDir(), "my-app")
	require.NoError(t, os.Mkdir(dir, 0755))

	require.NoError(t, s.InitProject(dir, "  "))
	data, err := os.ReadFile(filepath.Join(dir, ".hub", MarkerFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name": "my-app"`)
}

func TestInitProjectMissingDirectory(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	resp := s.Handle(protocol.Request{Op: protocol.OpInitProject, Path: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, resp.Err())
	assert.False(t, resp.Success)
}

func TestRequestPathValidation(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	tests := []struct {
		name string
		req  protocol.Request
	}{
		{"empty path", protocol.Request{Op: protocol.OpLoadTasks}},
		{"relative path", protocol.Request{Op: protocol.OpLoadTasks, Path: "some/dir"}},
		{"unknown op", protocol.Request{Op: "explode", Path: "/tmp"}},
		{"relative file", protocol.Request{Op: protocol.OpReadFile, Path: "/tmp", File: "main.go"}},
		{"file without project", protocol.Request{Op: protocol.OpReadFile, File: "/tmp/main.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Handle(tt.req)
			require.Error(t, resp.Err())
			assert.Equal(t, tt.req.Op, resp.Op)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	s, pushes := newTestStore(t, Options{})
	dir := t.TempDir()

	resp := s.Handle(protocol.Request{Op: protocol.OpLoadTasks, Path: dir})
	require.NoError(t, resp.Err())
	empty := pushes.last(t)
	assert.Equal(t, dir, empty.Path)
	assert.Equal(t, s.Epoch(), empty.Epoch)
	assert.Zero(t, empty.Tasks.Len())
	assert.NotNil(t, empty.Tasks.Pending)

	resp = s.Handle(protocol.Request{
		Op:     protocol.OpCreateTask,
		Path:   dir,
		Fields: protocol.TaskFields{Title: strp("  Write tests  ")},
	})
	require.NoError(t, resp.Err())
	id := resp.TaskID
	require.NotEmpty(t, id)

	snap := pushes.last(t)
	assert.Greater(t, snap.Version, empty.Version)
	require.Len(t, snap.Tasks.Pending, 1)
	task := snap.Tasks.Pending[0]
	assert.Equal(t, "Write tests", task.Title)
	assert.Equal(t, protocol.DefaultPriority, task.Priority)
	assert.Equal(t, protocol.DefaultCategory, task.Category)
	assert.Nil(t, task.CompletedAt)

	status := protocol.StatusInProgress
	resp = s.Handle(protocol.Request{Op: protocol.OpSetTaskStatus, Path: dir, TaskID: id, Fields: protocol.TaskFields{Status: &status}})
	require.NoError(t, resp.Err())
	snap = pushes.last(t)
	require.Len(t, snap.Tasks.InProgress, 1)
	assert.Empty(t, snap.Tasks.Pending)

	status = protocol.StatusCompleted
	require.NoError(t, s.SetTaskStatus(dir, id, status))
	snap = pushes.last(t)
	require.Len(t, snap.Tasks.Completed, 1)
	require.NotNil(t, snap.Tasks.Completed[0].CompletedAt)

	require.NoError(t, s.SetTaskStatus(dir, id, protocol.StatusPending))
	snap = pushes.last(t)
	require.Len(t, snap.Tasks.Pending, 1)
	assert.Nil(t, snap.Tasks.Pending[0].CompletedAt)

	high := protocol.PriorityHigh
	require.NoError(t, s.UpdateTask(dir, id, protocol.TaskFields{Priority: &high, Category: strp(""), Status: &status}))
	snap = pushes.last(t)
	require.Len(t, snap.Tasks.Pending, 1)
	assert.Equal(t, protocol.PriorityHigh, snap.Tasks.Pending[0].Priority)
	assert.Equal(t, protocol.DefaultCategory, snap.Tasks.Pending[0].Category)

	resp = s.Handle(protocol.Request{Op: protocol.OpDeleteTask, Path: dir, TaskID: id})
	require.NoError(t, resp.Err())
	assert.Zero(t, pushes.last(t).Tasks.Len())
}

func TestVersionsIncreaseWithEveryPush(t *testing.T) {
	s, pushes := newTestStore(t, Options{})
	dir := t.TempDir()

	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(dir, protocol.TaskFields{Title: strp("task")})
		require.NoError(t, err)
	}
	require.NoError(t, s.LoadTasks(dir))

	require.Equal(t, 6, pushes.len())
	for i := 1; i < len(pushes.snaps); i++ {
		assert.True(t, pushes.snaps[i].Newer(pushes.snaps[i-1]))
	}
}

func TestMutationErrorsDoNotPush(t *testing.T) {
	s, pushes := newTestStore(t, Options{})
	dir := t.TempDir()
	bad := protocol.Priority("urgent")
	unknown := protocol.Status("blocked")

	_, err := s.CreateTask(dir, protocol.TaskFields{Title: strp("   ")})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.CreateTask(dir, protocol.TaskFields{Title: strp("x"), Priority: &bad})
	assert.ErrorIs(t, err, ErrInvalidTask)
	assert.ErrorIs(t, s.UpdateTask(dir, "nope", protocol.TaskFields{Title: strp("y")}), ErrTaskNotFound)
	assert.ErrorIs(t, s.SetTaskStatus(dir, "nope", protocol.StatusCompleted), ErrTaskNotFound)
	assert.ErrorIs(t, s.SetTaskStatus(dir, "nope", unknown), ErrInvalidTask)
	assert.ErrorIs(t, s.DeleteTask(dir, "nope"), ErrTaskNotFound)

	resp := s.Handle(protocol.Request{Op: protocol.OpSetTaskStatus, Path: dir, TaskID: "nope"})
	assert.Error(t, resp.Err())

	assert.Zero(t, pushes.len())
}

func TestTasksPersistAcrossStores(t *testing.T) {
	dir := t.TempDir()
	first, _ := newTestStore(t, Options{})
	id, err := first.CreateTask(dir, protocol.TaskFields{Title: strp("persisted"), Description: strp("details")})
	require.NoError(t, err)

	second, pushes := newTestStore(t, Options{})
	assert.NotEqual(t, first.Epoch(), second.Epoch())
	require.NoError(t, second.LoadTasks(dir))

	snap := pushes.last(t)
	require.Len(t, snap.Tasks.Pending, 1)
	assert.Equal(t, id, snap.Tasks.Pending[0].ID)
	assert.Equal(t, "details", snap.Tasks.Pending[0].Description)
}

func TestCorruptTasksFileIsReported(t *testing.T) {
	s, pushes := newTestStore(t, Options{})
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DefaultMarkerDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultMarkerDir, TasksFile), []byte("{not json"), 0644))

	resp := s.Handle(protocol.Request{Op: protocol.OpLoadTasks, Path: dir})
	assert.Error(t, resp.Err())
	assert.Zero(t, pushes.len())
}

func TestReadWriteFile(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxFileSize: 16})
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0600))

	resp := s.Handle(protocol.Request{Op: protocol.OpReadFile, Path: dir, File: file})
	require.NoError(t, resp.Err())
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, file, resp.File)

	resp = s.Handle(protocol.Request{Op: protocol.OpWriteFile, Path: dir, File: file, Content: "héllo wörld"})
	require.NoError(t, resp.Err())
	assert.True(t, resp.Success)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", string(data))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(file, []byte("this is longer than sixteen bytes"), 0600))
	resp = s.Handle(protocol.Request{Op: protocol.OpReadFile, Path: dir, File: file})
	assert.Contains(t, resp.Error, ErrFileTooLarge.Error())

	resp = s.Handle(protocol.Request{Op: protocol.OpReadFile, Path: dir, File: dir})
	assert.Contains(t, resp.Error, ErrIsDirectory.Error())

	resp = s.Handle(protocol.Request{Op: protocol.OpReadFile, Path: dir, File: filepath.Join(dir, "missing.txt")})
	assert.Error(t, resp.Err())
}

func TestFileAccessIsConfinedToProject(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	outside := t.TempDir()
	project := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.MkdirAll(project, 0755))
	secret := filepath.Join(outside, "authorized_keys")
	require.NoError(t, os.WriteFile(secret, []byte("ssh-ed25519 AAAA"), 0600))
	require.NoError(t, os.Symlink(outside, filepath.Join(project, "escape")))

	tests := []struct {
		name string
		file string
	}{
		{"absolute path elsewhere", secret},
		{"dot-dot out of the project", filepath.Join(project, "..", "..", filepath.Base(outside), "authorized_keys")},
		{"sibling with a common prefix", project + "-other/notes.txt"},
		{"symlink out of the project", filepath.Join(project, "escape", "authorized_keys")},
		{"new file behind a symlink", filepath.Join(project, "escape", "new.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.Handle(protocol.Request{Op: protocol.OpWriteFile, Path: project, File: tt.file, Content: "pwned"})
			assert.ErrorContains(t, resp.Err(), ErrOutsideProject.Error())
			assert.False(t, resp.Success)

			resp = s.Handle(protocol.Request{Op: protocol.OpReadFile, Path: project, File: tt.file})
			assert.ErrorContains(t, resp.Err(), ErrOutsideProject.Error())
			assert.Empty(t, resp.Content)
		})
	}

	data, err := os.ReadFile(secret)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519 AAAA", string(data))
	assert.NoFileExists(t, filepath.Join(outside, "new.txt"))

	resp := s.Handle(protocol.Request{Op: protocol.OpWriteFile, Path: project, File: filepath.Join(project, "src", "..", "ok.txt"), Content: "fine"})
	require.NoError(t, resp.Err())
	assert.Equal(t, filepath.Join(project, "ok.txt"), resp.File)
}

func TestListFiles(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), nil, 0644))
	require.NoError(t, s.InitProject(dir, ""))

	resp := s.Handle(protocol.Request{Op: protocol.OpListFiles, Path: dir})
	require.NoError(t, resp.Err())
	require.NotNil(t, resp.Root)

	var names []string
	for _, c := range resp.Root.Children {
		names = append(names, c.Name)
	}
	// marker directory is hidden
	assert.Equal(t, []string{"src", "README.md"}, names)
}

func TestSendHonoursCancelledContext(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Send(ctx, protocol.Request{Op: protocol.OpClassify, Path: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsubscribe(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	var got int
	unsubscribe := s.Subscribe(func(protocol.Push) { got++ })
	dir := t.TempDir()

	require.NoError(t, s.LoadTasks(dir))
	unsubscribe()
	require.NoError(t, s.LoadTasks(dir))
	assert.Equal(t, 1, got)
}

func TestReloadFromDisk(t *testing.T) {
	s, pushes := newTestStore(t, Options{})
	dir := t.TempDir()
	_, err := s.CreateTask(dir, protocol.TaskFields{Title: strp("mine")})
	require.NoError(t, err)
	before := pushes.len()

	// own write is not a change
	s.reloadFromDisk(dir)
	assert.Equal(t, before, pushes.len())

	edited := `{"tasks":[{"id":"ext","title":"edited elsewhere","priority":"low","category":"bug","status":"in_progress"}]}`
	require.NoError(t, os.WriteFile(s.tasksPath(dir), []byte(edited), 0644))
	s.reloadFromDisk(dir)

	require.Equal(t, before+1, pushes.len())
	snap := pushes.last(t)
	require.Len(t, snap.Tasks.InProgress, 1)
	assert.Equal(t, "edited elsewhere", snap.Tasks.InProgress[0].Title)

	// unreadable content keeps the last good state
	require.NoError(t, os.WriteFile(s.tasksPath(dir), []byte("garbage"), 0644))
	s.reloadFromDisk(dir)
	assert.Equal(t, before+1, pushes.len())
	current, err := s.Snapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Tasks.Len())
}

func TestWatcherPicksUpExternalEdits(t *testing.T) {
	s, pushes := newTestStore(t, Options{Watch: true})
	dir := t.TempDir()
	require.NoError(t, s.InitProject(dir, ""))
	require.NoError(t, s.LoadTasks(dir))
	before := pushes.len()

	edited := `{"tasks":[{"id":"ext","title":"from the cli","priority":"high","category":"feature","status":"pending"}]}`
	require.NoError(t, os.WriteFile(s.tasksPath(dir), []byte(edited), 0644))

	require.Eventually(t, func() bool { return pushes.len() > before }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "from the cli", pushes.last(t).Tasks.Pending[0].Title)
}
