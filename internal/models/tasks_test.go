package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleUPID = "UPID:pve1:000B2C5A:0512D8C0:65F1A2B3:qmstart:100:root@pam:"

func TestNewTaskHandle(t *testing.T) {
	t.Parallel()

	h, err := NewTaskHandle("pve1", sampleUPID)
	require.NoError(t, err)
	assert.Equal(t, "pve1", h.Node)
	assert.Equal(t, sampleUPID, h.UPID)

	_, err = NewTaskHandle("", sampleUPID)
	assert.Error(t, err)

	_, err = NewTaskHandle("pve1", " ")
	assert.Error(t, err)
}

func TestTaskStatusUnmarshal(t *testing.T) {
	t.Parallel()

	t.Run("bare string", func(t *testing.T) {
		t.Parallel()
		var resp APIResponse[TaskStatus]
		require.NoError(t, json.Unmarshal([]byte(`{"data":"running"}`), &resp))
		assert.True(t, resp.Data.Running())
	})

	t.Run("status object", func(t *testing.T) {
		t.Parallel()
		body := `{"data":{"status":"stopped","exitstatus":"OK","type":"qmstart","id":"100","node":"pve1","pid":732250,"starttime":1710334643,"upid":"` + sampleUPID + `"}}`
		var resp APIResponse[TaskStatus]
		require.NoError(t, json.Unmarshal([]byte(body), &resp))

		assert.False(t, resp.Data.Running())
		assert.True(t, resp.Data.Succeeded())
		assert.Equal(t, "qmstart", resp.Data.Type)
		assert.Equal(t, 732250, resp.Data.PID)
	})

	t.Run("failed task", func(t *testing.T) {
		t.Parallel()
		var st TaskStatus
		require.NoError(t, json.Unmarshal([]byte(`{"status":"stopped","exitstatus":"command 'qm start' failed"}`), &st))
		assert.False(t, st.Running())
		assert.False(t, st.Succeeded())
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		var st TaskStatus
		assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &st))
	})
}

func TestParseUPID(t *testing.T) {
	t.Parallel()

	u, err := ParseUPID(sampleUPID)
	require.NoError(t, err)
	assert.Equal(t, "pve1", u.Node)
	assert.Equal(t, int64(732250), u.PID)
	assert.Equal(t, int64(85121216), u.PStart)
	assert.Equal(t, time.Unix(1710334643, 0), u.StartTime)
	assert.Equal(t, "qmstart", u.Type)
	assert.Equal(t, "100", u.ID)
	assert.Equal(t, "root@pam", u.User)

	for _, bad := range []string{"", "UPID:pve1", "TASK:pve1:0:0:0:x:y:z:", "UPID:pve1:zz:0:0:x:y:z:"} {
		_, err := ParseUPID(bad)
		assert.Error(t, err, bad)
	}
}
