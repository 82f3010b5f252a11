package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(dir)
	require.NoError(t, err)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return m
}

func TestNewManagerWithoutStateFile(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "nested"))
	assert.Empty(t, m.ActiveProject())
	assert.Empty(t, m.Recent())
	assert.Nil(t, m.Window())
}

func TestSetActiveProjectOrdersRecent(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	m.SetActiveProject("/work/a")
	m.SetActiveProject("/work/b")
	m.SetActiveProject("/work/a")

	assert.Equal(t, "/work/a", m.ActiveProject())
	recent := m.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "/work/a", recent[0].Path)
	assert.Equal(t, "a", recent[0].Name)
	assert.Equal(t, "/work/b", recent[1].Path)
	assert.True(t, recent[0].LastOpened.After(recent[1].LastOpened))

	m.SetActiveProject("")
	assert.Empty(t, m.ActiveProject())
	assert.Len(t, m.Recent(), 2)
}

func TestRecentIsCapped(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	for i := 0; i < MaxRecent+5; i++ {
		m.SetActiveProject(fmt.Sprintf("/work/p%d", i))
	}
	recent := m.Recent()
	require.Len(t, recent, MaxRecent)
	assert.Equal(t, fmt.Sprintf("/work/p%d", MaxRecent+4), recent[0].Path)
}

func TestForgetProject(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	m.SetActiveProject("/work/a")
	m.SetActiveProject("/work/b")

	m.ForgetProject("/work/b")
	assert.Empty(t, m.ActiveProject())
	require.Len(t, m.Recent(), 1)
	assert.Equal(t, "/work/a", m.Recent()[0].Path)
}

func TestStatePersists(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	m.SetActiveProject("/work/a")
	m.SetWindow(WindowState{X: 10, Y: 20, Width: 1200, Height: 800})
	require.NoError(t, m.SaveSync())

	reloaded := newTestManager(t, dir)
	assert.Equal(t, "/work/a", reloaded.ActiveProject())
	require.Len(t, reloaded.Recent(), 1)
	require.NotNil(t, reloaded.Window())
	assert.Equal(t, 1200, reloaded.Window().Width)
}

func TestCorruptStateStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{broken"), 0644))

	m := newTestManager(t, dir)
	assert.Empty(t, m.ActiveProject())
	assert.Empty(t, m.Recent())
}

func TestDebouncedSave(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	m.SetActiveProject("/work/a")

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, FileName))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
