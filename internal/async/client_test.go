package async_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/client"
	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/pvetest"
)

func newAPIClient(t *testing.T, srv *pvetest.Server) *client.APIClient {
	t.Helper()
	cfg := config.NewConfig()
	cfg.BaseURL = srv.BaseURL()
	cfg.APIToken = "root@pam!test=token"
	return client.NewAPIClient(cfg)
}

func TestStartReturnsHandle(t *testing.T) {
	t.Parallel()
	srv := pvetest.NewServer(t)
	c := newAPIClient(t, srv)

	h, err := async.Start(context.Background(), c, "pve1", http.MethodPost, "/nodes/pve1/qemu/100/status/start", nil)
	require.NoError(t, err)
	assert.Equal(t, "pve1", h.Node)
	assert.Equal(t, srv.Tasks()[0], h.UPID)
}

func TestStartPropagatesFailures(t *testing.T) {
	t.Parallel()
	srv := pvetest.NewServer(t)
	c := newAPIClient(t, srv)

	_, err := async.Start(context.Background(), c, "pve1", http.MethodPost, "/nodes/pve1/qemu/100/status/explode/now", nil)
	assert.ErrorContains(t, err, "failed to initiate task")

	// /version answers with an object, not a task id
	_, err = async.Start(context.Background(), c, "pve1", http.MethodGet, "/version", nil)
	assert.Error(t, err)
}

func TestRunWaitsForCompletion(t *testing.T) {
	t.Parallel()
	srv := pvetest.NewServer(t)
	c := newAPIClient(t, srv)

	h, status, err := async.Run(context.Background(), c, async.NewPoller(c), "pve1", http.MethodPost,
		"/nodes/pve1/qemu/100/migrate", map[string]any{"target": "pve2", "online": true},
		async.Options{PollInterval: 10 * time.Millisecond, Timeout: time.Second, Strict: true})
	require.NoError(t, err)

	assert.True(t, status.Succeeded())
	assert.Len(t, srv.StatusQueries(h.UPID), 2)
	assert.Equal(t, "pve2", srv.LastForm("/api2/json/nodes/pve1/qemu/100/migrate").Get("target"))
	assert.Equal(t, "1", srv.LastForm("/api2/json/nodes/pve1/qemu/100/migrate").Get("online"))
}
