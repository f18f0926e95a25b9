package octolog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelRejectsUnknown(t *testing.T) {
	err := SetLevel("verbose")
	assert.Error(t, err)
}

func TestSetLevelAcceptsKnownLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", ""} {
		assert.NoError(t, SetLevel(lvl))
	}
	require.NoError(t, SetLevel("info"))
}

func TestEnableFileRotationWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octoproxy.log")

	require.NoError(t, EnableFileRotation(path, 1, 1, 1, false))
	defer EnableFileRotation("", 0, 0, 0, false)

	L().Info("hello from the proxy")
	require.NoError(t, L().Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data[:indexOfNewline(data)], &entry))
	assert.Equal(t, "hello from the proxy", entry["msg"])
}

func TestEnableFileRotationEmptyPathRevertsToStderr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octoproxy.log")
	require.NoError(t, EnableFileRotation(path, 1, 1, 1, false))
	require.NoError(t, EnableFileRotation("", 0, 0, 0, false))
	assert.Nil(t, fileSink)
}

func indexOfNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return len(b)
}
