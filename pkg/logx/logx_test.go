package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := SetOutput(buf)
	t.Cleanup(func() { SetOutput(prev) })
	return buf
}

func TestLoggerFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("and_gate/reviewer").Info("hello %d", 42)

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "[and_gate/reviewer] INFO: hello 42")
	assert.True(t, strings.HasPrefix(line, "["), "line should start with timestamp: %q", line)
}

func TestDebugGating(t *testing.T) {
	buf := captureOutput(t)
	t.Cleanup(func() {
		SetDebugConfig(false, false, "")
		SetDebugDomains(nil)
	})

	logger := NewLogger("gen")
	SetDebugConfig(false, false, "")
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebugConfig(true, false, "")
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "DEBUG: shown")
}

func TestDebugDomains(t *testing.T) {
	buf := captureOutput(t)
	t.Cleanup(func() {
		SetDebugConfig(false, false, "")
		SetDebugDomains(nil)
	})

	SetDebugConfig(true, false, "")
	SetDebugDomains([]string{"reviewer"})

	ctx := WithAgent(context.Background(), "r1")
	Debug(ctx, "generator", "skip me")
	Debug(ctx, "reviewer", "keep %s", "me")

	out := buf.String()
	assert.NotContains(t, out, "skip me")
	assert.Contains(t, out, "[r1] DEBUG: [reviewer] keep me")
	assert.True(t, IsDebugEnabledForDomain("reviewer"))
	assert.False(t, IsDebugEnabledForDomain("executor"))
}

func TestDebugFileLogging(t *testing.T) {
	captureOutput(t)
	dir := t.TempDir()
	t.Cleanup(func() { SetDebugConfig(false, false, "") })

	SetDebugConfig(true, true, dir)
	SetDebugDomains(nil)
	Debug(context.Background(), "executor", "wrote %s", "file")

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data),"[unknown] DEBUG: [executor] wrote file")
}

func TestWrap(t *testing.T) {
	captureOutput(t)

	base := errors.New("boom")
	err := Wrap(base, "open db")
	require.Error(t, err)
	assert.Equal(t, "open db: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Wrap(nil, "noop"))

	err = Errorf("setup failed: %w", base)
	assert.ErrorIs(t, err, base)
}
