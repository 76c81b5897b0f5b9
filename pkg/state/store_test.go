package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/toolsystem/pkg/tool"
)

func TestStore_SetGetNested(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("user.profile.name", "ada"))
	require.NoError(t, s.Set("user.age", 36))

	v, ok := s.Get("user.profile.name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok = s.Get("user.age")
	require.True(t, ok)
	assert.Equal(t, float64(36), v)

	_, ok = s.Get("user.missing")
	assert.False(t, ok)

	assert.Equal(t, map[string]any{
		"user": map[string]any{"profile": map[string]any{"name": "ada"}, "age": float64(36)},
	}, s.Snapshot())
	assert.JSONEq(t, `{"user":{"profile":{"name":"ada"},"age":36}}`, string(s.JSON()))
}

func TestStore_ReplaceDocument(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("", map[string]any{"a": 1}))
	v, ok := s.Get("")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	assert.Error(t, s.Set("", []int{1, 2}))
	assert.Error(t, s.Set("", "scalar"))
}

func TestStore_MergeDeleteReset(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("keep", true))
	require.NoError(t, s.Merge(map[string]any{"a": "x", "dotted.key": 2}))

	snap := s.Snapshot()
	assert.Equal(t, true, snap["keep"])
	assert.Equal(t, "x", snap["a"])
	assert.Equal(t, float64(2), snap["dotted.key"])

	require.NoError(t, s.Delete("a"))
	_, ok := s.Get("a")
	assert.False(t, ok)
	require.NoError(t, s.Delete("never.there"))
	assert.Error(t, s.Delete(""))

	s.Reset()
	assert.Empty(t, s.Snapshot())
}

func TestStore_ListenersAreIsolated(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var paths []string
	s.Subscribe(func(string, any) { panic("bad listener") })
	unsub := s.Subscribe(func(path string, _ any) {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
	})

	require.NoError(t, s.Set("a", 1))
	s.Reset()
	unsub()
	require.NoError(t, s.Set("b", 2))

	assert.Equal(t, []string{"a", ""}, paths)
}

func TestProvider_Tools(t *testing.T) {
	store := New()
	p := NewProvider(store, nil)
	ctx := context.Background()

	call := func(name string, payload any) *tool.Result {
		res, err := p.Handle(ctx, &tool.Envelope{Name: name, Provider: ProviderName, Payload: payload})
		require.NoError(t, err)
		return res
	}

	assert.True(t, call(ToolSet, map[string]any{"path": "theme", "value": "dark"}).Success)
	assert.Equal(t, "dark", call(ToolGet, map[string]any{"path": "theme"}).Data)
	assert.False(t, call(ToolGet, map[string]any{"path": "nope"}).Success)
	assert.Equal(t, map[string]any{"theme": "dark", "n": float64(1)}, call(ToolMerge, map[string]any{"n": 1}).Data)
	assert.True(t, call(ToolDelete, map[string]any{"path": "n"}).Success)
	assert.Equal(t, map[string]any{"theme": "dark"}, call(ToolSnapshot, nil).Data)
	call(ToolReset, nil)
	assert.Empty(t, store.Snapshot())

	_, err := p.Handle(ctx, &tool.Envelope{Name: "explode"})
	assert.Error(t, err)

	assert.Len(t, Tools(), 6)
	for _, md := range Tools() {
		require.NotNil(t, md.Async)
		assert.False(t, *md.Async)
	}
}

func TestProvider_SyncSkipsExternalChanges(t *testing.T) {
	var synced []string
	p := NewProvider(New(), func(_ context.Context, path string, _ any) error {
		synced = append(synced, path)
		return nil
	})

	_, err := p.Handle(context.Background(), &tool.Envelope{Name: ToolSet, Payload: map[string]any{"path": "local", "value": 1}})
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), &tool.Envelope{
		Name:    ToolSet,
		Payload: map[string]any{"path": "remote", "value": 1},
		Meta:    map[string]any{"_external": true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"local"}, synced)

	failing := NewProvider(New(), func(context.Context, string, any) error { return errors.New("offline") })
	_, err = failing.Handle(context.Background(), &tool.Envelope{Name: ToolSet, Payload: map[string]any{"path": "x", "value": 1}})
	assert.ErrorContains(t, err, "offline")
}
