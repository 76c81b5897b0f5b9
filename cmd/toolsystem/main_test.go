package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/toolsystem/internal/config"
	"github.com/morezero/toolsystem/pkg/tool"
)

func TestRootCmd_HasCommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "call", "migrate", "clear", "ensure-db"} {
		cmd, _, err := root.Find([]string{name})
		if assert.NoError(t, err, name) {
			assert.NotSame(t, root, cmd, "command %q not registered", name)
		}
	}
	migrate, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)
	for _, sub := range []string{"up", "down", "status"} {
		cmd, _, err := migrate.Find([]string{sub})
		if assert.NoError(t, err, sub) {
			assert.NotSame(t, migrate, cmd, "migrate %q not registered", sub)
		}
	}
}

func TestRootCmd_LongMentionsEnvironment(t *testing.T) {
	long := rootCmd().Long
	for _, word := range []string{"serve", "call", "migrate", "clear", "DATABASE_URL", "COMMS_URL"} {
		assert.Contains(t, long, word)
	}
}

func TestApplyServeOptions(t *testing.T) {
	cfg := &config.Config{Transport: config.TransportAuto, Codec: "json"}
	applyServeOptions(cfg, serveOptions{embeddedNATS: true})
	assert.True(t, cfg.EmbeddedNATS)
	assert.Equal(t, config.TransportNATS, cfg.Transport, "embedded nats forces the nats transport")

	cfg = &config.Config{Transport: config.TransportAuto, Codec: "json"}
	applyServeOptions(cfg, serveOptions{embeddedNATS: true, transport: "memory", codec: "msgpack"})
	assert.Equal(t, "memory", cfg.Transport, "explicit flags win")
	assert.Equal(t, "msgpack", cfg.Codec)
}

func TestParsePayload(t *testing.T) {
	v, err := parsePayload("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = parsePayload(`{"n":1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, v)

	_, err = parsePayload("{")
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	ok := &tool.Result{Success: true, Data: map[string]any{"n": 1}, Meta: tool.ResultMeta{ID: "id-1", ResponseTime: 3}}
	require.NoError(t, printResult(&buf, "app:notify", ok, nil, false))
	assert.Contains(t, buf.String(), "✓ app:notify id-1 (3ms)")
	assert.Contains(t, buf.String(), `"n": 1`)

	buf.Reset()
	failed := &tool.Result{Error: &tool.ErrorDetail{Name: "TimeoutError", Code: tool.CodeTimeout, Message: "late"}}
	require.NoError(t, printResult(&buf, "app:slow", failed, nil, false))
	assert.Contains(t, buf.String(), "✗ app:slow")
	assert.Contains(t, buf.String(), "TimeoutError [TIMEOUT]: late")

	buf.Reset()
	require.NoError(t, printResult(&buf, "app:x", ok, nil, true))
	assert.Contains(t, buf.String(), `"success": true`)
}

func TestRunCall_Local(t *testing.T) {
	color.NoColor = true
	t.Setenv("TOOL_TRANSPORT", "memory")

	var buf bytes.Buffer
	err := runCall(context.Background(), &buf, "app:notify", `{"message":"hi"}`, callOptions{provider: "app", timeout: 0, local: true})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ app:notify")
	assert.Contains(t, buf.String(), `"message": "hi"`)

	assert.Error(t, runCall(context.Background(), &buf, "bad ref!", "", callOptions{local: true}), "invalid ref")
	assert.Error(t, runCall(context.Background(), &buf, "nope:tool", "", callOptions{local: true}), "unknown provider")
}
