package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/bridge"
	"taskhub/internal/protocol"
)

type activePath string

func (p *activePath) ActivePath() string { return string(*p) }

type sent struct {
	op     protocol.Op
	path   string
	taskID string
	fields protocol.TaskFields
	status protocol.Status
	done   func(error)
}

// recorder logs requests and terminal commands in the order they were issued
type recorder struct {
	log      []string
	requests []sent
	failCmd  error
}

func (r *recorder) add(s sent) *bridge.Call {
	r.requests = append(r.requests, s)
	r.log = append(r.log, "request:"+string(s.op))
	return nil
}

func (r *recorder) LoadTasks(path string, done func(error)) *bridge.Call {
	return r.add(sent{op: protocol.OpLoadTasks, path: path, done: done})
}

func (r *recorder) CreateTask(path string, fields protocol.TaskFields, done func(string, error)) *bridge.Call {
	return r.add(sent{op: protocol.OpCreateTask, path: path, fields: fields, done: func(err error) { done("", err) }})
}

func (r *recorder) UpdateTask(path, taskID string, fields protocol.TaskFields, done func(error)) *bridge.Call {
	return r.add(sent{op: protocol.OpUpdateTask, path: path, taskID: taskID, fields: fields, done: done})
}

func (r *recorder) SetTaskStatus(path, taskID string, status protocol.Status, done func(error)) *bridge.Call {
	return r.add(sent{op: protocol.OpSetTaskStatus, path: path, taskID: taskID, status: status, done: done})
}

func (r *recorder) DeleteTask(path, taskID string, done func(error)) *bridge.Call {
	return r.add(sent{op: protocol.OpDeleteTask, path: path, taskID: taskID, done: done})
}

func (r *recorder) SendCommand(cmd string) error {
	r.log = append(r.log, "command:"+cmd)
	return r.failCmd
}

func newStore(path string) (*Store, *recorder, *activePath) {
	p := activePath(path)
	r := &recorder{}
	return New(&p, r, r), r, &p
}

func task(id, title string, status protocol.Status) protocol.Task {
	return protocol.Task{ID: id, Title: title, Status: status, Priority: protocol.PriorityMedium, CreatedAt: time.Unix(0, 0)}
}

func snapshot(path string, version uint64, tasks ...protocol.Task) protocol.TaskSnapshot {
	s := protocol.TaskSnapshot{Path: path, Epoch: "e1", Version: version}
	for _, t := range tasks {
		switch t.Status {
		case protocol.StatusPending:
			s.Tasks.Pending = append(s.Tasks.Pending, t)
		case protocol.StatusInProgress:
			s.Tasks.InProgress = append(s.Tasks.InProgress, t)
		case protocol.StatusCompleted:
			s.Tasks.Completed = append(s.Tasks.Completed, t)
		}
	}
	return s
}

func ids(tasks []protocol.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		task protocol.Task
		want string
	}{
		{"title only", protocol.Task{Title: "Fix bug"}, "Fix bug"},
		{"with description", protocol.Task{Title: "Fix bug", Description: "Login fails"}, "Fix bug. Login fails"},
		{"high priority", protocol.Task{Title: "Fix bug", Priority: protocol.PriorityHigh}, "Fix bug (High priority)"},
		{"everything", protocol.Task{Title: "A", Description: "B", Priority: protocol.PriorityHigh}, "A. B (High priority)"},
		{"low priority", protocol.Task{Title: "A", Priority: protocol.PriorityLow}, "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.task))
		})
	}
}

func TestActionTargets(t *testing.T) {
	tests := []struct {
		action Action
		want   protocol.Status
		ok     bool
	}{
		{ActionStart, protocol.StatusInProgress, true},
		{ActionComplete, protocol.StatusCompleted, true},
		{ActionPause, protocol.StatusPending, true},
		{ActionReopen, protocol.StatusPending, true},
		{"archive", "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			got, ok := tt.action.Target()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	s, r, _ := newStore("/a")

	assert.ErrorIs(t, s.RequestCreate(Draft{Title: "   "}), ErrEmptyTitle)
	assert.Empty(t, r.requests, "no request for an invalid draft")
	assert.Empty(t, s.FilteredView(FilterAll))
}

func TestCreateRequiresProject(t *testing.T) {
	s, r, _ := newStore("")
	assert.ErrorIs(t, s.RequestCreate(Draft{Title: "Fix bug"}), ErrNoProject)
	assert.ErrorIs(t, s.RequestDelete("t1"), ErrNoProject)
	assert.ErrorIs(t, s.RequestTransition("t1", ActionStart), ErrNoProject)
	assert.Empty(t, r.requests)
}

func TestCreateAppliesDefaults(t *testing.T) {
	s, r, _ := newStore("/a")
	require.NoError(t, s.RequestCreate(Draft{Title: "  Fix bug  "}))

	require.Len(t, r.requests, 1)
	f := r.requests[0].fields
	assert.Equal(t, "Fix bug", *f.Title)
	assert.Equal(t, protocol.PriorityMedium, *f.Priority)
	assert.Equal(t, "feature", *f.Category)
	assert.Empty(t, s.FilteredView(FilterAll), "no optimistic insert")

	assert.ErrorIs(t, s.RequestCreate(Draft{Title: "x", Priority: "urgent"}), ErrInvalidPriority)
}

func TestStartSendsRequestThenCommand(t *testing.T) {
	s, r, _ := newStore("/a")
	require.True(t, s.ApplySnapshot(snapshot("/a", 1, task("t1", "Fix bug", protocol.StatusPending))))

	require.NoError(t, s.RequestTransition("t1", ActionStart))

	assert.Equal(t, []string{
		"request:setTaskStatus",
		"command:Work on this task: Fix bug",
	}, r.log)
	assert.Equal(t, protocol.StatusInProgress, r.requests[0].status)

	pending := s.FilteredView(FilterPending)
	assert.Equal(t, []string{"t1"}, ids(pending), "view waits for the store")

	require.True(t, s.ApplySnapshot(snapshot("/a", 2, task("t1", "Fix bug", protocol.StatusInProgress))))
	assert.Empty(t, s.FilteredView(FilterPending))
	assert.Equal(t, []string{"t1"}, ids(s.FilteredView(FilterInProgress)))
}

func TestOtherTransitionsSendNoCommand(t *testing.T) {
	s, r, _ := newStore("/a")
	s.ApplySnapshot(snapshot("/a", 1, task("t1", "Fix bug", protocol.StatusInProgress)))

	require.NoError(t, s.RequestTransition("t1", ActionComplete))
	require.NoError(t, s.RequestTransition("t1", ActionPause))
	require.NoError(t, s.RequestTransition("t1", ActionReopen))
	assert.ErrorIs(t, s.RequestTransition("t1", "archive"), ErrUnknownAction)

	assert.Equal(t, []string{"request:setTaskStatus", "request:setTaskStatus", "request:setTaskStatus"}, r.log)
}

func TestStartUnknownTaskStillRequests(t *testing.T) {
	s, r, _ := newStore("/a")
	r.failCmd = errors.New("no terminal")

	require.NoError(t, s.RequestTransition("missing", ActionStart))
	assert.Equal(t, []string{"request:setTaskStatus"}, r.log)
}

func TestMutationFailureIsPublished(t *testing.T) {
	s, r, _ := newStore("/a")
	s.ApplySnapshot(snapshot("/a", 1, task("t1", "Fix bug", protocol.StatusPending)))
	var failures []Failure
	s.Failed.Subscribe(func(f Failure) { failures = append(failures, f) })

	require.NoError(t, s.RequestDelete("t1"))
	r.requests[0].done(errors.New("task not found"))

	require.Len(t, failures, 1)
	assert.Equal(t, protocol.OpDeleteTask, failures[0].Op)
	assert.Equal(t, "t1", failures[0].TaskID)
	assert.Equal(t, []string{"t1"}, ids(s.FilteredView(FilterAll)), "view unchanged")
}

func TestUpdateValidation(t *testing.T) {
	s, r, _ := newStore("/a")
	empty := " "
	title := " New title "
	bad := protocol.Priority("urgent")
	status := protocol.StatusCompleted

	assert.ErrorIs(t, s.RequestUpdate("t1", protocol.TaskFields{Title: &empty}), ErrEmptyTitle)
	assert.ErrorIs(t, s.RequestUpdate("t1", protocol.TaskFields{Priority: &bad}), ErrInvalidPriority)
	require.NoError(t, s.RequestUpdate("t1", protocol.TaskFields{Title: &title, Status: &status}))

	require.Len(t, r.requests, 1)
	assert.Equal(t, "New title", *r.requests[0].fields.Title)
	assert.Nil(t, r.requests[0].fields.Status)
}

func TestSnapshotReplacesEverything(t *testing.T) {
	s, _, _ := newStore("/a")
	s.ApplySnapshot(snapshot("/a", 1,
		task("t1", "one", protocol.StatusPending),
		task("t2", "two", protocol.StatusCompleted),
	))
	s.ApplySnapshot(snapshot("/a", 2, task("t3", "three", protocol.StatusInProgress)))

	for _, f := range []Filter{FilterAll, FilterPending, FilterInProgress, FilterCompleted} {
		snap, _ := s.Snapshot()
		assert.Equal(t, Project(snap.Tasks, f), s.FilteredView(f), "filter %s", f)
	}
	assert.Equal(t, []string{"t3"}, ids(s.FilteredView(FilterAll)))
	_, ok := s.Task("t1")
	assert.False(t, ok)
}

func TestSnapshotOrdering(t *testing.T) {
	s, _, _ := newStore("/a")
	var sizes []int
	s.Changed.Subscribe(func(v View) { sizes = append(sizes, len(v.Tasks)) })

	assert.True(t, s.ApplySnapshot(snapshot("/a", 5, task("t1", "one", protocol.StatusPending))))
	assert.False(t, s.ApplySnapshot(snapshot("/a", 4)), "older version dropped")
	assert.False(t, s.ApplySnapshot(snapshot("/a", 5)), "same version dropped")
	assert.False(t, s.ApplySnapshot(snapshot("/b", 9)), "other project dropped")

	restarted := snapshot("/a", 1)
	restarted.Epoch = "e2"
	assert.True(t, s.ApplySnapshot(restarted), "new store epoch accepted")
	assert.Equal(t, []int{1, 0}, sizes)
}

func TestProjectChangeDiscardsAndReloads(t *testing.T) {
	s, r, p := newStore("/a")
	s.ApplySnapshot(snapshot("/a", 7, task("t1", "one", protocol.StatusPending)))

	*p = "/b"
	s.HandleProjectChanged("/b")

	assert.Empty(t, s.FilteredView(FilterAll))
	_, held := s.Snapshot()
	assert.False(t, held)
	require.Len(t, r.requests, 1)
	assert.Equal(t, protocol.OpLoadTasks, r.requests[0].op)
	assert.Equal(t, "/b", r.requests[0].path)

	assert.False(t, s.ApplySnapshot(snapshot("/a", 8)), "late push for the old project")
	assert.True(t, s.ApplySnapshot(snapshot("/b", 1, task("t9", "nine", protocol.StatusCompleted))))

	*p = ""
	s.HandleProjectChanged("")
	assert.Len(t, r.requests, 1, "no load without a project")
}

func TestHandlePush(t *testing.T) {
	s, _, _ := newStore("/a")
	snap := snapshot("/a", 1, task("t1", "one", protocol.StatusPending))

	s.HandlePush(protocol.Push{Kind: "other"})
	s.HandlePush(protocol.Push{Kind: protocol.PushSnapshot, Snapshot: &snap})

	assert.Equal(t, []string{"t1"}, ids(s.FilteredView(FilterAll)))
}

func TestViewUsesActiveFilter(t *testing.T) {
	s, _, _ := newStore("/a")
	s.ApplySnapshot(snapshot("/a", 1,
		task("t1", "one", protocol.StatusPending),
		task("t2", "two", protocol.StatusInProgress),
		task("t3", "three", protocol.StatusCompleted),
	))

	assert.Equal(t, []string{"t1", "t2", "t3"}, ids(s.View().Tasks))
	require.NoError(t, s.SetFilter(FilterCompleted))
	assert.Equal(t, []string{"t3"}, ids(s.View().Tasks))
	assert.Equal(t, Counts{Pending: 1, InProgress: 1, Completed: 1}, s.View().Counts)
	assert.ErrorIs(t, s.SetFilter("archived"), ErrUnknownFilter)
}
