package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dashbridge/internal/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
handshake:
  retry_delay_ms: 1
  max_attempts: 3
logging:
  level: error
`), 0644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dashbridge version dev")
	assert.Contains(t, out, "commit: unknown")
}

func TestSendDemo(t *testing.T) {
	out, err := execute(t, "send", "--demo", "--config", testConfig(t), "usb-cycle")
	require.NoError(t, err)

	var r engine.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "USB_POWER_CYCLE", r.Command)
	assert.Equal(t, 3, r.Written)
}

func TestSendRejectsBadCommand(t *testing.T) {
	_, err := execute(t, "send", "--demo", "--config", testConfig(t), "warp")
	assert.ErrorIs(t, err, engine.ErrUnknownCommand)

	_, err = execute(t, "send", "--demo", "--config", testConfig(t), "lcd-brightness", "999")
	assert.Error(t, err)

	_, err = execute(t, "send")
	assert.Error(t, err)
}

func TestSendHelpListsCommands(t *testing.T) {
	out, err := execute(t, "send", "--help")
	require.NoError(t, err)
	for _, name := range engine.CommandNames() {
		assert.True(t, strings.Contains(out, name), name)
	}
}

func TestRunRejectsArgs(t *testing.T) {
	_, err := execute(t, "run", "extra")
	assert.Error(t, err)
}
