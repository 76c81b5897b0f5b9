package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/toolsystem/pkg/dispatcher"
	"github.com/morezero/toolsystem/pkg/tool"
)

// fakeChannel records publications and lets tests inject inbound messages
// synchronously.
type fakeChannel struct {
	mu      sync.Mutex
	handler func(*Message)
	sent    []Message
	closed  bool
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Publish(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *msg)
	return nil
}

func (f *fakeChannel) Subscribe(h func(*Message)) (func(), error) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) inject(msg Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(&msg)
	}
}

func (f *fakeChannel) sentOfType(typ string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

var msgSeq atomic.Int64

func inbound(typ, source string) Message {
	return Message{
		Type:    typ,
		Channel: DefaultChannelName,
		MsgID:   fmt.Sprintf("m-%d", msgSeq.Add(1)),
		Source:  source,
		Version: "1.0.0",
	}
}

type fixture struct {
	clock clockwork.FakeClock
	d     *dispatcher.Dispatcher
	ch    *fakeChannel
	c     *Communicator
	calls atomic.Int32
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{clock: clockwork.NewFakeClock(), ch: &fakeChannel{}}
	f.d = dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Config: dispatcher.Config{DefaultTimeout: 5 * time.Second},
		Clock:  f.clock,
	})
	require.NoError(t, f.d.RegisterProvider("svc", tool.ProviderFunc(func(_ context.Context, env *tool.Envelope) (*tool.Result, error) {
		f.calls.Add(1)
		return tool.OK(env.Payload), nil
	})))
	f.d.RegisterTool("svc", "echo", tool.Metadata{Async: tool.Bool(false)})

	if opts.SourceID == "" {
		opts.SourceID = "ctx_self"
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	c, err := New(f.d, f.ch, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	f.c = c
	return f
}

func TestNew_Validation(t *testing.T) {
	d := dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{})

	_, err := New(nil, &fakeChannel{}, Options{})
	assert.Error(t, err)

	_, err = New(d, &fakeChannel{}, Options{AllowedOrigins: []string{"["}})
	assert.Error(t, err)

	_, err = New(d, &fakeChannel{}, Options{ProtocolVersion: "2.0.0", ProtocolConstraint: "^1.0.0"})
	assert.Error(t, err)

	c, err := New(d, &fakeChannel{}, Options{})
	require.NoError(t, err)
	assert.Regexp(t, `^ctx_[0-9A-Z]{26}$`, c.SourceID())
	assert.Equal(t, DefaultChannelName, c.Options().ChannelName)
}

func TestStart_RegistersRemoteToolsAndAnnounces(t *testing.T) {
	f := newFixture(t, Options{Origin: "https://a.example.com"})

	assert.True(t, f.d.HasProvider(DefaultProviderName))
	reg := f.d.Registry()
	require.Contains(t, reg, DefaultProviderName)
	assert.Contains(t, reg[DefaultProviderName], ToolRemote)
	assert.Contains(t, reg[DefaultProviderName], ToolSyncState)
	assert.Contains(t, reg[DefaultProviderName], ToolListConnections)

	reqs := f.ch.sentOfType(TypeConnectionRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "ctx_self", reqs[0].Source)
	assert.Equal(t, DefaultChannelName, reqs[0].Channel)
	assert.Equal(t, "https://a.example.com", reqs[0].Origin)
	assert.Equal(t, DefaultProtocolVersion, reqs[0].Version)
	assert.NotEmpty(t, reqs[0].MsgID)
}

func TestReceive_ToolCallAnswersWithResponse(t *testing.T) {
	f := newFixture(t, Options{})

	msg := inbound(TypeToolCall, "ctx_peer")
	msg.Event = &tool.Envelope{ID: "req-1", Name: "echo", Provider: "svc", Payload: "hi"}
	msg.RequestResponse = true
	f.ch.inject(msg)

	require.Eventually(t, func() bool { return len(f.ch.sentOfType(TypeToolResponse)) == 1 }, 2*time.Second, 5*time.Millisecond)
	resp := f.ch.sentOfType(TypeToolResponse)[0]
	assert.Equal(t, "ctx_peer", resp.Target)
	assert.Equal(t, "req-1", resp.RequestID)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)
	assert.Equal(t, "hi", resp.Result.Data)
	assert.Equal(t, true, resp.Result.Meta.Extra["_external"])
	assert.Equal(t, "ctx_peer", resp.Result.Meta.Extra["_source"])
}

func TestReceive_ToolCallFailureAnswersWithError(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.d.RegisterProvider("bad", tool.ProviderFunc(func(context.Context, *tool.Envelope) (*tool.Result, error) {
		return nil, fmt.Errorf("boom")
	})))

	msg := inbound(TypeToolCall, "ctx_peer")
	msg.Event = &tool.Envelope{ID: "req-2", Name: "x", Provider: "bad"}
	msg.RequestResponse = true
	f.ch.inject(msg)

	require.Eventually(t, func() bool { return len(f.ch.sentOfType(TypeToolError)) == 1 }, 2*time.Second, 5*time.Millisecond)
	resp := f.ch.sentOfType(TypeToolError)[0]
	assert.Equal(t, "req-2", resp.RequestID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", resp.Error.Message)
}

func TestReceive_ToolCallForUnknownProviderIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})

	msg := inbound(TypeToolCall, "ctx_peer")
	msg.Event = &tool.Envelope{ID: "req-3", Name: "echo", Provider: "elsewhere"}
	msg.RequestResponse = true
	f.ch.inject(msg)

	assert.Never(t, func() bool {
		return len(f.ch.sentOfType(TypeToolResponse))+len(f.ch.sentOfType(TypeToolError)) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestReceive_Filters(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://*.example.com"}})

	call := func(mut func(*Message)) {
		msg := inbound(TypeToolCall, "ctx_peer")
		msg.Origin = "https://b.example.com"
		msg.Event = &tool.Envelope{ID: msg.MsgID, Name: "echo", Provider: "svc"}
		mut(&msg)
		f.ch.inject(msg)
	}

	call(func(m *Message) { m.Channel = "other-channel" })
	call(func(m *Message) { m.Source = "ctx_self" })
	call(func(m *Message) { m.Target = "ctx_someone_else" })
	call(func(m *Message) { m.Origin = "https://evil.test" })
	call(func(m *Message) { m.Origin = "" })

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, f.calls.Load())

	call(func(m *Message) { m.Target = "ctx_self" })
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestReceive_DuplicateMessageIDsAreDropped(t *testing.T) {
	f := newFixture(t, Options{})

	msg := inbound(TypeToolCall, "ctx_peer")
	msg.Event = &tool.Envelope{ID: "dup", Name: "echo", Provider: "svc"}
	f.ch.inject(msg)
	f.ch.inject(msg)

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestDuplicate_RingForgetsOldest(t *testing.T) {
	c := &Communicator{seen: make(map[string]struct{})}
	assert.False(t, c.duplicate("first"))
	for i := 0; i < seenCapacity; i++ {
		c.duplicate(fmt.Sprintf("id-%d", i))
	}
	assert.False(t, c.duplicate("first"))
	assert.True(t, c.duplicate(fmt.Sprintf("id-%d", seenCapacity-1)))
	assert.False(t, c.duplicate(""))
}

func TestReceive_StateSyncDispatchesSet(t *testing.T) {
	f := newFixture(t, Options{})

	var mu sync.Mutex
	var got []*tool.Envelope
	require.NoError(t, f.d.RegisterProvider(DefaultStateProvider, tool.ProviderFunc(func(_ context.Context, env *tool.Envelope) (*tool.Result, error) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return tool.OK(nil), nil
	})))

	msg := inbound(TypeStateSync, "ctx_peer")
	msg.Path = "user.name"
	msg.State = "ada"
	f.ch.inject(msg)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, DefaultStateTool, got[0].Name)
	assert.Equal(t, map[string]any{"path": "user.name", "value": "ada"}, got[0].Payload)
	assert.Equal(t, true, got[0].Meta["_external"])
	assert.Equal(t, "ctx_peer", got[0].Meta["_source"])
}

func TestHandshake_VersionCompatibility(t *testing.T) {
	f := newFixture(t, Options{})

	bad := inbound(TypeConnectionRequest, "ctx_v2")
	bad.Version = "2.0.0"
	f.ch.inject(bad)
	assert.Empty(t, f.c.Connections())
	assert.Empty(t, f.ch.sentOfType(TypeConnectionResponse))

	good := inbound(TypeConnectionRequest, "ctx_v1")
	good.Version = "1.4.2"
	f.ch.inject(good)

	conns := f.c.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "ctx_v1", conns[0].Source)
	assert.Equal(t, "1.4.2", conns[0].Version)

	resps := f.ch.sentOfType(TypeConnectionResponse)
	require.Len(t, resps, 1)
	assert.Equal(t, "ctx_v1", resps[0].Target)

	legacy := inbound(TypeConnectionResponse, "ctx_legacy")
	legacy.Version = ""
	legacy.Target = "ctx_self"
	f.ch.inject(legacy)
	assert.Len(t, f.c.Connections(), 2)
}

func TestLiveness_PingPongAndEviction(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: 30 * time.Second})

	f.ch.inject(inbound(TypeConnectionRequest, "ctx_peer"))
	require.Len(t, f.c.Connections(), 1)

	f.clock.Advance(10 * time.Second)
	f.c.tick()
	pings := f.ch.sentOfType(TypePing)
	require.Len(t, pings, 1)
	assert.Equal(t, "ctx_peer", pings[0].Target)
	assert.NotEmpty(t, pings[0].PingID)

	pong := inbound(TypePong, "ctx_peer")
	pong.Target = "ctx_self"
	pong.PingID = pings[0].PingID
	f.ch.inject(pong)
	conns := f.c.Connections()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].PingReceived)
	assert.Equal(t, f.clock.Now(), conns[0].LastSeen)

	f.clock.Advance(31 * time.Second)
	f.c.tick()
	assert.Empty(t, f.c.Connections())
	assert.Len(t, f.ch.sentOfType(TypePing), 1, "evicted peers are not pinged")
}

func TestLiveness_PingIsAnsweredWithPong(t *testing.T) {
	f := newFixture(t, Options{})

	ping := inbound(TypePing, "ctx_peer")
	ping.PingID = "p-1"
	f.ch.inject(ping)

	pongs := f.ch.sentOfType(TypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "ctx_peer", pongs[0].Target)
	assert.Equal(t, "p-1", pongs[0].PingID)
}

func TestInboundResponseSettlesPendingRemoteCall(t *testing.T) {
	f := newFixture(t, Options{})

	fut, err := f.d.Tool(context.Background(), ToolRemote, map[string]any{
		"tool": "echo", "provider": "svc", "payload": 1,
	}, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.ch.sentOfType(TypeToolCall)) == 1 }, 2*time.Second, 5*time.Millisecond)
	call := f.ch.sentOfType(TypeToolCall)[0]
	assert.Equal(t, fut.ID(), call.Event.ID)
	assert.True(t, call.RequestResponse)

	resp := inbound(TypeToolResponse, "ctx_peer")
	resp.RequestID = fut.ID()
	resp.Result = &tool.Result{Success: true, Data: "remote-data"}
	f.ch.inject(resp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote-data", res.Data)
	assert.Equal(t, fut.ID(), res.Meta.ID)
}

func TestInboundErrorRejectsPendingRemoteCall(t *testing.T) {
	f := newFixture(t, Options{})

	fut, err := f.d.Tool(context.Background(), ToolRemote, map[string]any{"tool": "echo"}, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.ch.sentOfType(TypeToolCall)) == 1 }, 2*time.Second, 5*time.Millisecond)

	msg := inbound(TypeToolError, "ctx_peer")
	msg.RequestID = fut.ID()
	msg.Error = &tool.ErrorDetail{Message: "nope", Name: "Error"}
	f.ch.inject(msg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = fut.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrRemote)
	assert.Contains(t, err.Error(), "nope")
}

func TestRemote_FireAndForget(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.d.Call(context.Background(), ToolRemote, map[string]any{
		"tool": "echo", "provider": "svc", "requestResponse": false, "target": "ctx_peer",
	}, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	assert.True(t, res.Success)

	calls := f.ch.sentOfType(TypeToolCall)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].RequestResponse)
	assert.Equal(t, "ctx_peer", calls[0].Target)
}

func TestSyncStateAndListConnections(t *testing.T) {
	f := newFixture(t, Options{})
	f.ch.inject(inbound(TypeConnectionRequest, "ctx_peer"))

	res, err := f.d.Call(context.Background(), ToolSyncState, map[string]any{"path": "a.b", "value": 3}, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	assert.True(t, res.Success)
	syncs := f.ch.sentOfType(TypeStateSync)
	require.Len(t, syncs, 1)
	assert.Equal(t, "a.b", syncs[0].Path)
	assert.EqualValues(t, 3, syncs[0].State)

	res, err = f.d.Call(context.Background(), ToolSyncState, map[string]any{"path": "ui", "state": map[string]any{"theme": "dark"}}, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	assert.True(t, res.Success)
	syncs = f.ch.sentOfType(TypeStateSync)
	require.Len(t, syncs, 2)
	assert.Equal(t, map[string]any{"theme": "dark"}, syncs[1].State, "state is an alias of value")

	res, err = f.d.Call(context.Background(), ToolSyncState, map[string]any{"value": 1}, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	assert.False(t, res.Success, "path is required")

	res, err = f.d.Call(context.Background(), ToolListConnections, nil, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	list, ok := res.Data.(ConnectionList)
	require.True(t, ok, "got %T", res.Data)
	assert.Equal(t, "ctx_self", list.Source)
	require.Len(t, list.Connections, 1)
	assert.Equal(t, "ctx_peer", list.Connections[0].Source)
}

func TestRemote_ForwardsCallerMeta(t *testing.T) {
	f := newFixture(t, Options{})

	fut, err := f.d.Tool(context.Background(), ToolRemote, map[string]any{
		"tool":    "who",
		"payload": "x",
		"meta":    map[string]any{"provider": "svc", "trace": "t-1"},
	}, &tool.CallMeta{Provider: DefaultProviderName, Extra: map[string]any{"origin": "cli"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.ch.sentOfType(TypeToolCall)) == 1 }, 2*time.Second, 5*time.Millisecond)
	call := f.ch.sentOfType(TypeToolCall)[0]
	require.NotNil(t, call.Event)
	assert.Equal(t, fut.ID(), call.Event.ID)
	assert.Equal(t, "svc", call.Event.Provider, "meta.provider names the provider")
	assert.Equal(t, "t-1", call.Event.Meta["trace"])
	assert.Equal(t, "cli", call.Event.Meta["origin"])
	assert.NotContains(t, call.Event.Meta, "provider")
}

func TestStart_RegistersAdvisorySchemas(t *testing.T) {
	f := newFixture(t, Options{})
	reg := f.d.Registry()[DefaultProviderName]

	props, ok := reg[ToolRemote].Schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"target", "tool", "payload", "meta"} {
		assert.Contains(t, props, key)
	}
	props, ok = reg[ToolSyncState].Schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "path")
	assert.Contains(t, props, "state")
	assert.Nil(t, reg[ToolListConnections].Schema)
}

func TestClose_StopsDeliveryAndClosesChannel(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.c.Close())

	f.ch.mu.Lock()
	assert.Nil(t, f.ch.handler)
	assert.True(t, f.ch.closed)
	f.ch.mu.Unlock()

	res, err := f.d.Call(context.Background(), ToolListConnections, nil, &tool.CallMeta{Provider: DefaultProviderName})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestClose_RacesInboundToolCall(t *testing.T) {
	for i := 0; i < 300; i++ {
		ch := &fakeChannel{}
		d := dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{})
		require.NoError(t, d.RegisterProvider("svc", tool.ProviderFunc(func(_ context.Context, env *tool.Envelope) (*tool.Result, error) {
			return tool.OK(env.Payload), nil
		})))
		c, err := New(d, ch, Options{SourceID: "ctx_self", PingInterval: time.Hour})
		require.NoError(t, err)
		require.NoError(t, c.Start(context.Background()))

		ch.mu.Lock()
		handler := ch.handler
		ch.mu.Unlock()

		msg := inbound(TypeToolCall, "ctx_peer")
		msg.Event = &tool.Envelope{ID: msg.MsgID, Name: "echo", Provider: "svc", Payload: i}
		msg.RequestResponse = true

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
		}()
		go func() {
			defer wg.Done()
			handler(&msg)
		}()
		wg.Wait()

		// Nothing may be published once Close has returned.
		sent := len(ch.sentOfType(TypeToolResponse))
		time.Sleep(time.Millisecond)
		assert.Equal(t, sent, len(ch.sentOfType(TypeToolResponse)), "iteration %d", i)
		d.Shutdown()
	}
}
