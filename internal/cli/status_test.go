package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestReadPID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "hotaru.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("12345"), 0644))

		pid, err := readPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, 12345, pid)
	})

	t.Run("garbage", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "hotaru.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("not a pid"), 0644))

		_, err := readPID(pidFile)
		require.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := readPID(filepath.Join(t.TempDir(), "missing.pid"))
		require.Error(t, err)
	})
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		assert.False(t, isRunning(filepath.Join(t.TempDir(), "missing.pid")))
	})

	t.Run("own pid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "hotaru.pid")
		require.NoError(t, writePIDFile(pidFile))
		assert.True(t, isRunning(pidFile))
	})

	t.Run("stale pid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "hotaru.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("999999"), 0644))
		assert.False(t, isRunning(pidFile))
	})
}
