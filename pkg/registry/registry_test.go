package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestTools_RegisterRoundTrip(t *testing.T) {
	tools := NewTools(fixedNow)
	md := tool.Metadata{Async: tool.Bool(false), Description: "show a message", Schema: map[string]any{"type": "object"}}

	_, err := tools.Register("app", "notify", md)
	require.NoError(t, err)

	e, ok := tools.Lookup("app", "notify")
	require.True(t, ok)
	assert.Equal(t, "app", e.Provider)
	assert.Equal(t, "notify", e.Name)
	assert.Equal(t, "show a message", e.Description)
	assert.False(t, *e.Async)
	assert.Equal(t, "object", e.Schema["type"])
	assert.Equal(t, fixedNow(), e.Registered)
}

func TestTools_RegisterIsIdempotentUpsert(t *testing.T) {
	tools := NewTools(fixedNow)
	_, err := tools.Register("app", "notify", tool.Metadata{Description: "v1"})
	require.NoError(t, err)
	_, err = tools.Register("app", "notify", tool.Metadata{Description: "v2"})
	require.NoError(t, err)

	snap := tools.Snapshot()
	require.Len(t, snap["app"], 1)
	assert.Equal(t, "v2", snap["app"]["notify"].Description)
}

func TestTools_SnapshotIsDeepCopy(t *testing.T) {
	tools := NewTools(nil)
	_, err := tools.Register("app", "notify", tool.Metadata{Schema: map[string]any{"type": "object"}})
	require.NoError(t, err)

	snap := tools.Snapshot()
	snap["app"]["notify"].Schema["type"] = "mutated"
	delete(snap, "app")

	e, ok := tools.Lookup("app", "notify")
	require.True(t, ok)
	assert.Equal(t, "object", e.Schema["type"])
}

func TestTools_RegisterValidation(t *testing.T) {
	tools := NewTools(nil)
	tests := []struct {
		name     string
		provider string
		tool     string
		md       tool.Metadata
	}{
		{"bad provider", "re.mote", "x", tool.Metadata{}},
		{"bad tool", "app", "9lives", tool.Metadata{}},
		{"range instead of version", "app", "notify", tool.Metadata{Version: "^1"}},
		{"unserializable schema", "app", "notify", tool.Metadata{Schema: map[string]any{"ch": make(chan int)}}},
		{"oversized schema", "app", "notify", tool.Metadata{Schema: map[string]any{"blob": strings.Repeat("x", maxSchemaBytes)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tools.Register(tt.provider, tt.tool, tt.md)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, tools.List())
}

func TestTools_AsyncAndMatch(t *testing.T) {
	tools := NewTools(nil)
	_, err := tools.Register("app", "notify", tool.Metadata{Async: tool.Bool(false), Version: "1.2.0"})
	require.NoError(t, err)
	_, err = tools.Register("app", "plain", tool.Metadata{})
	require.NoError(t, err)

	require.NotNil(t, tools.Async("app", "notify"))
	assert.False(t, *tools.Async("app", "notify"))
	assert.Nil(t, tools.Async("app", "plain"))
	assert.Nil(t, tools.Async("app", "missing"))

	ref, err := semver.ParseToolRef("notify@^1.0.0")
	require.NoError(t, err)
	_, ok := tools.Match(ref, "app")
	assert.True(t, ok)

	ref, err = semver.ParseToolRef("app:notify@2")
	require.NoError(t, err)
	_, ok = tools.Match(ref, "app")
	assert.False(t, ok)

	ref, err = semver.ParseToolRef("app:plain@2")
	require.NoError(t, err)
	_, ok = tools.Match(ref, "app")
	assert.True(t, ok, "unversioned tools match any range")
}

func TestTools_ListOrdered(t *testing.T) {
	tools := NewTools(nil)
	for _, r := range [][2]string{{"state", "set"}, {"app", "notify"}, {"app", "ask"}} {
		_, err := tools.Register(r[0], r[1], tool.Metadata{})
		require.NoError(t, err)
	}
	list := tools.List()
	require.Len(t, list, 3)
	assert.Equal(t, "app:ask", list[0].Provider+":"+list[0].Name)
	assert.Equal(t, "app:notify", list[1].Provider+":"+list[1].Name)
	assert.Equal(t, "state:set", list[2].Provider+":"+list[2].Name)
}

func TestProviders(t *testing.T) {
	p := NewProviders()
	echo := tool.ProviderFunc(func(_ context.Context, env *tool.Envelope) (*tool.Result, error) {
		return tool.OK(env.Payload), nil
	})

	err := p.Register("app", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tool.ErrInvalidProvider))

	require.NoError(t, p.Register("remote", echo))
	require.NoError(t, p.Register("app", echo))
	assert.True(t, p.Has("app"))
	assert.False(t, p.Has("ghost"))
	assert.Equal(t, []string{"app", "remote"}, p.Names())

	// Overwrite is allowed.
	other := tool.ProviderFunc(func(context.Context, *tool.Envelope) (*tool.Result, error) {
		return tool.OK("other"), nil
	})
	require.NoError(t, p.Register("app", other))
	got, ok := p.Get("app")
	require.True(t, ok)
	res, err := got.Handle(context.Background(), &tool.Envelope{})
	require.NoError(t, err)
	assert.Equal(t, "other", res.Data)

	assert.True(t, errors.Is(p.Register("bad name", echo), tool.ErrInvalidProvider))
}
