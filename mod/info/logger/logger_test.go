package logger

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesFile(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger("offline", dir)
	require.NoError(t, err)

	l.PrintAndLog("install", "Precached 4 assets", nil)
	l.PrintAndLog("install", "Install failed", errors.New("connection refused"))
	l.Println("plain", "message")
	l.Close()

	assert.True(t, strings.HasPrefix(l.CurrentLogFile, dir))
	data, err := os.ReadFile(l.CurrentLogFile)
	require.NoError(t, err)

	content := string(data)
	assert.Contains(t, content, "Precached 4 assets")
	assert.Contains(t, content, "install")
	assert.Contains(t, content, "connection refused")
	assert.Contains(t, content, "plain message")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.PrintAndLog("x", "y", nil)
	l.Warn("x", "y")
	l.Println("z")
	l.Close()

	var nilLogger *Logger
	nilLogger.PrintAndLog("x", "y", nil)
	nilLogger.Println("z")
	assert.NotNil(t, nilLogger.Zap())
}
