package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/models"
)

var (
	vmStart = models.TaskHandle{Node: "pve1", UPID: "UPID:pve1:000B2C5A:0512D8C0:65F1A2B3:qmstart:100:root@pam:"}
	backup  = models.TaskHandle{Node: "pve2", UPID: "UPID:pve2:000B2C5B:0512D8C0:65F1A2B4:vzdump:101:root@pam:"}
)

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	m := update(t, NewModel(""), TasksLoaded{Handles: []models.TaskHandle{vmStart, backup, vmStart}})
	assert.Equal(t, 2, m.Active())

	m = update(t, m, PollUpdate{Event: async.PollEvent{
		Handle:  vmStart,
		Attempt: 2,
		Elapsed: 5 * time.Second,
		Timeout: 10 * time.Second,
		Status:  models.TaskStatus{Status: models.TaskStateRunning},
	}})
	state, ok := m.State(vmStart)
	require.True(t, ok)
	assert.Equal(t, StageRunning, state.Stage)
	assert.InDelta(t, 0.5, state.Progress(), 0.001)

	m = update(t, m,
		TaskFinished{Result: async.TaskResult{Handle: vmStart, Status: models.TaskStatus{Status: models.TaskStateStopped, ExitStatus: "OK"}}},
		TaskFinished{Result: async.TaskResult{Handle: backup, Status: models.TaskStatus{Status: models.TaskStateStopped, ExitStatus: "job errors"}}},
	)
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 1, m.successCount)
	assert.Equal(t, 1, m.errorCount)

	state, _ = m.State(backup)
	assert.Equal(t, StageFailed, state.Stage)

	// late poll events do not reopen a finished task
	m = update(t, m, PollUpdate{Event: async.PollEvent{Handle: vmStart, Status: models.TaskStatus{Status: models.TaskStateRunning}}})
	state, _ = m.State(vmStart)
	assert.Equal(t, StageOK, state.Stage)
}

func TestModelTimeoutAndErrors(t *testing.T) {
	m := update(t, NewModel(""), TasksLoaded{Handles: []models.TaskHandle{vmStart, backup}})
	m = update(t, m,
		TaskFinished{Result: async.TaskResult{Handle: vmStart, Status: models.TaskStatus{Status: models.TaskStateRunning}}},
		TaskFinished{Result: async.TaskResult{Handle: backup, Err: errors.New("boom")}},
	)

	state, _ := m.State(vmStart)
	assert.Equal(t, StageTimedOut, state.Stage)
	state, _ = m.State(backup)
	assert.Equal(t, StageFailed, state.Stage)
	assert.Equal(t, 2, m.errorCount)
}

func TestModelView(t *testing.T) {
	m := update(t, NewModel("/tmp/pvectl.log"),
		TasksLoaded{Handles: []models.TaskHandle{vmStart}},
		LogMessage{Message: "hello"},
		AllDone{},
	)

	view := m.View()
	assert.Contains(t, view, "Proxmox VE Task Monitor")
	assert.Contains(t, view, "qmstart 100")
	assert.Contains(t, view, "hello")
	assert.Contains(t, view, "All tasks finished")
	assert.Contains(t, view, "/tmp/pvectl.log")
}

func TestModelLogsAreCapped(t *testing.T) {
	m := NewModel("")
	for i := 0; i < 15; i++ {
		m = update(t, m, LogMessage{Message: "line"})
	}
	assert.Len(t, m.logs, 10)
}

func TestModelQuits(t *testing.T) {
	m := NewModel("")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, "Shutting down...\n", next.View())
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, StageOK, stageOf(async.TaskResult{Status: models.TaskStatus{Status: "stopped", ExitStatus: "OK"}}))
	assert.Equal(t, StageFailed, stageOf(async.TaskResult{Status: models.TaskStatus{Status: "stopped", ExitStatus: "unexpected status"}}))
}
