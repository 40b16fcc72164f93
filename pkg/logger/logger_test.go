package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojostore.log")
	l, err := New(Config{
		Level:      "warn",
		OutputFile: path,
		Fields:     map[string]string{"env": "test"},
	})
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "gojostore", entry["service"])
	assert.Equal(t, "test", entry["env"])
}

func TestNew_Sampling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampled.log")
	l, err := New(Config{OutputFile: path, Sampling: &SamplingConfig{Initial: 2, Thereafter: 0}})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		l.Info("same message")
	}
	require.NoError(t, l.Sync())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "same message"))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, err = New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}
