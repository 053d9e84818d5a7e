package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOutputFormatsConsoleLines(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	SetOutput(&buf)

	Warn("task %s still running", "UPID:pve1")
	Debug("polled %d times", 3)

	out := buf.String()
	assert.Contains(t, out, "[warn]")
	assert.Contains(t, out, "task UPID:pve1 still running")
	assert.Contains(t, out, "polled 3 times")
}

func TestInitFileOnly(t *testing.T) {
	dir := t.TempDir()

	path, err := InitFileOnly(dir)
	require.NoError(t, err)
	t.Cleanup(Close)

	Info("hello from %s", "tui")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "pvectl.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pvectl.log"), path)
	assert.Contains(t, string(data), `"message":"hello from tui"`)
}
