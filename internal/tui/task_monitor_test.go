package tui

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/pvetest"
	"github.com/kelsos/pvectl/internal/services"
)

func TestWaitWithMonitoringWithoutProgram(t *testing.T) {
	srv := pvetest.NewServer(t)
	srv.AddTask("pve1", vmStart.UPID, "running", "stopped")
	srv.AddTask("pve2", backup.UPID, "running", "running", "stopped")
	srv.SetExitStatus(backup.UPID, "job errors")

	cfg := config.NewConfig()
	cfg.BaseURL = srv.BaseURL()
	cfg.APIToken = "root@pam!ci=secret"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.TaskTimeout = 2 * time.Second

	session := services.NewSession(cfg)
	t.Cleanup(session.Cleanup)
	require.NoError(t, session.Connect(context.Background()))

	// without a program, messages are dropped and the wait still completes
	monitor := NewTaskMonitor(session, "")
	results := monitor.WaitWithMonitoring(context.Background(), []models.TaskHandle{vmStart, backup})

	require.Len(t, results, 2)
	assert.Equal(t, vmStart, results[0].Handle)
	assert.True(t, results[0].Status.Succeeded())
	assert.Equal(t, backup, results[1].Handle)
	assert.Equal(t, "job errors", results[1].Status.ExitStatus)
}
