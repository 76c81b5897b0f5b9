package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/morezero/toolsystem/pkg/dispatcher"
	"github.com/morezero/toolsystem/pkg/semver"
	"github.com/morezero/toolsystem/pkg/tool"
)

const logPrefix = "transport:communicator"

// Defaults.
const (
	DefaultChannelName        = "app-tool-system"
	DefaultProviderName       = "remote"
	DefaultProtocolVersion    = "1.0.0"
	DefaultProtocolConstraint = "^1.0.0"
	DefaultPingInterval       = 10 * time.Second
	DefaultStaleAfter         = 30 * time.Second
	DefaultStateProvider      = "state"
	DefaultStateTool          = "set"

	seenCapacity = 1024
)

// Options configures a Communicator.
type Options struct {
	ChannelName string
	// SourceID identifies this context; empty generates "ctx_<ULID>".
	SourceID string
	Origin   string
	// AllowedOrigins are doublestar patterns; "*" or empty accepts any origin.
	AllowedOrigins     []string
	ProtocolVersion    string
	ProtocolConstraint string
	PingInterval       time.Duration
	StaleAfter         time.Duration
	ProviderName       string
	StateProvider      string
	StateTool          string
}

func (o Options) withDefaults() Options {
	if o.ChannelName == "" {
		o.ChannelName = DefaultChannelName
	}
	if o.SourceID == "" {
		o.SourceID = NewSourceID()
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.ProtocolConstraint == "" {
		o.ProtocolConstraint = DefaultProtocolConstraint
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.ProviderName == "" {
		o.ProviderName = DefaultProviderName
	}
	if o.StateProvider == "" {
		o.StateProvider = DefaultStateProvider
	}
	if o.StateTool == "" {
		o.StateTool = DefaultStateTool
	}
	return o
}

// NewSourceID returns a fresh context id.
func NewSourceID() string {
	return "ctx_" + ulid.Make().String()
}

// Communicator joins a dispatcher to a channel. It forwards remote tool
// calls, answers calls from peers, relays state and tracks peer liveness.
// It is also the provider behind the "remote" tools.
type Communicator struct {
	d     *dispatcher.Dispatcher
	ch    Channel
	opts  Options
	clock clockwork.Clock

	mu          sync.RWMutex
	connections map[string]*Connection

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	// lifeMu guards started and every wg.Add, so no goroutine is added once
	// Close has begun waiting.
	lifeMu    sync.Mutex
	started   bool
	unsub     func()
	stop      chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Communicator. Call Start to join the channel.
func New(d *dispatcher.Dispatcher, ch Channel, opts Options) (*Communicator, error) {
	if d == nil || ch == nil {
		return nil, fmt.Errorf("%s - dispatcher and channel are required", logPrefix)
	}
	opts = opts.withDefaults()

	for _, p := range opts.AllowedOrigins {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%s - invalid origin pattern %q", logPrefix, p)
		}
	}
	if err := semver.ValidateConstraint(opts.ProtocolConstraint); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if ok, err := semver.Compatible(opts.ProtocolVersion, opts.ProtocolConstraint); err != nil || !ok {
		return nil, fmt.Errorf("%s - protocol version %s does not satisfy %s", logPrefix, opts.ProtocolVersion, opts.ProtocolConstraint)
	}

	return &Communicator{
		d:           d,
		ch:          ch,
		opts:        opts,
		clock:       d.Clock(),
		connections: make(map[string]*Connection),
		seen:        make(map[string]struct{}),
	}, nil
}

// SourceID returns this context's id.
func (c *Communicator) SourceID() string {
	return c.opts.SourceID
}

// Transport returns the name of the underlying channel.
func (c *Communicator) Transport() string {
	return c.ch.Name()
}

// Options returns the effective options.
func (c *Communicator) Options() Options {
	return c.opts
}

// Start registers the remote provider and its tools, subscribes to the
// channel, announces this context and starts the liveness loop.
func (c *Communicator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return nil
	}

	if err := c.d.RegisterProvider(c.opts.ProviderName, c); err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	c.d.RegisterTool(c.opts.ProviderName, ToolRemote, tool.Metadata{
		Async:       tool.Bool(true),
		Description: "Invoke a tool in another context and wait for its response",
		Schema:      remoteSchema,
	}).RegisterTool(c.opts.ProviderName, ToolSyncState, tool.Metadata{
		Async:       tool.Bool(false),
		Description: "Broadcast a state update to other contexts",
		Schema:      syncStateSchema,
	}).RegisterTool(c.opts.ProviderName, ToolListConnections, tool.Metadata{
		Async:       tool.Bool(false),
		Description: "List known peer contexts",
	})

	unsub, err := c.ch.Subscribe(c.receive)
	if err != nil {
		return fmt.Errorf("%s - subscribe to %s: %w", logPrefix, c.ch.Name(), err)
	}
	c.unsub = unsub
	c.stop = make(chan struct{})
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	c.started = true

	c.wg.Add(1)
	go c.pingLoop()

	slog.Info(fmt.Sprintf("%s - Joined channel %s on %s as %s", logPrefix, c.opts.ChannelName, c.ch.Name(), c.opts.SourceID))

	if err := c.send(ctx, &Message{Type: TypeConnectionRequest}); err != nil {
		slog.Warn(fmt.Sprintf("%s - connection request failed: %v", logPrefix, err))
	}
	return nil
}

// Close leaves the channel, stops the liveness loop and waits for replies
// in flight. Inbound calls that arrive during Close are dropped. The channel
// itself is closed too.
func (c *Communicator) Close() error {
	c.lifeMu.Lock()
	if !c.started {
		c.lifeMu.Unlock()
		return c.ch.Close()
	}
	c.started = false
	close(c.stop)
	c.cancelRun()
	unsub := c.unsub
	c.lifeMu.Unlock()

	unsub()
	c.wg.Wait()
	return c.ch.Close()
}

// send stamps the envelope fields and publishes msg.
func (c *Communicator) send(ctx context.Context, msg *Message) error {
	msg.Channel = c.opts.ChannelName
	msg.Timestamp = c.clock.Now()
	msg.MsgID = ulid.Make().String()
	msg.Source = c.opts.SourceID
	msg.Origin = c.opts.Origin
	msg.Version = c.opts.ProtocolVersion

	if err := c.ch.Publish(ctx, msg); err != nil {
		return fmt.Errorf("%s - publish %s: %w", logPrefix, msg.Type, err)
	}
	return nil
}

// receive is the channel handler for every inbound message.
func (c *Communicator) receive(msg *Message) {
	if msg == nil || msg.Channel != c.opts.ChannelName {
		return
	}
	if !c.running() {
		return
	}
	if msg.Source == c.opts.SourceID {
		return
	}
	if msg.Target != "" && msg.Target != c.opts.SourceID {
		return
	}
	if !c.originAllowed(msg.Origin) {
		slog.Debug(fmt.Sprintf("%s - dropped %s from disallowed origin %q", logPrefix, msg.Type, msg.Origin))
		return
	}
	if c.duplicate(msg.MsgID) {
		return
	}

	c.touch(msg.Source)

	switch msg.Type {
	case TypeToolCall:
		c.handleToolCall(msg)
	case TypeToolResponse:
		c.handleToolResponse(msg)
	case TypeToolError:
		c.handleToolError(msg)
	case TypeStateSync:
		c.handleStateSync(msg)
	case TypeConnectionRequest:
		c.handleConnectionRequest(msg)
	case TypeConnectionResponse:
		c.handleConnectionResponse(msg)
	case TypePing:
		c.handlePing(msg)
	case TypePong:
		c.handlePong(msg)
	default:
		slog.Debug(fmt.Sprintf("%s - ignoring unknown message type %q", logPrefix, msg.Type))
	}
}

func (c *Communicator) originAllowed(origin string) bool {
	for _, p := range c.opts.AllowedOrigins {
		if p == "*" {
			return true
		}
		if ok, _ := doublestar.Match(p, origin); ok {
			return true
		}
	}
	return false
}

// duplicate reports whether msgID was already handled. Messages reach a
// context more than once when broadcast and direct delivery overlap.
func (c *Communicator) duplicate(msgID string) bool {
	if msgID == "" {
		return false
	}
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, ok := c.seen[msgID]; ok {
		return true
	}
	c.seen[msgID] = struct{}{}
	c.seenOrder = append(c.seenOrder, msgID)
	if len(c.seenOrder) > seenCapacity {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

func (c *Communicator) handleToolCall(msg *Message) {
	event := msg.Event
	if event == nil || event.Name == "" {
		slog.Warn(fmt.Sprintf("%s - tool:call from %s without event", logPrefix, msg.Source))
		return
	}
	if !c.d.HasProvider(event.Provider) {
		slog.Debug(fmt.Sprintf("%s - no local provider %q for call from %s", logPrefix, event.Provider, msg.Source))
		return
	}

	c.lifeMu.Lock()
	if !c.started {
		c.lifeMu.Unlock()
		slog.Debug(fmt.Sprintf("%s - dropped tool:call %s from %s during shutdown", logPrefix, event.ID, msg.Source))
		return
	}
	c.wg.Add(1)
	ctx := c.runCtx
	c.lifeMu.Unlock()

	go func() {
		defer c.wg.Done()
		c.answerToolCall(ctx, msg)
	}()
}

func (c *Communicator) running() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.started
}

func (c *Communicator) answerToolCall(runCtx context.Context, msg *Message) {
	event := msg.Event
	extra := make(map[string]any, len(event.Meta)+2)
	for k, v := range event.Meta {
		extra[k] = v
	}
	extra["_external"] = true
	extra["_source"] = msg.Source

	ctx, cancel := context.WithTimeout(runCtx, c.d.Config().DefaultTimeout+time.Second)
	defer cancel()

	res, err := c.d.Call(ctx, event.Name, event.Payload, &tool.CallMeta{
		ID:       event.ID,
		Provider: event.Provider,
		Extra:    extra,
	})

	if !msg.RequestResponse || runCtx.Err() != nil {
		return
	}

	reply := &Message{Target: msg.Source, RequestID: event.ID}
	switch {
	case err != nil:
		reply.Type = TypeToolError
		if res != nil && res.Error != nil {
			reply.Error = res.Error
		} else {
			reply.Error = tool.DetailFromError(err)
		}
	default:
		reply.Type = TypeToolResponse
		reply.Result = res
	}

	if err := c.send(context.Background(), reply); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to reply to %s for %s: %v", logPrefix, msg.Source, event.ID, err))
	}
}

func (c *Communicator) handleToolResponse(msg *Message) {
	res := msg.Result
	if res == nil {
		res = &tool.Result{Success: true}
	}
	res = res.Clone()
	if msg.RequestID != "" {
		res.Meta.ID = msg.RequestID
	}
	if !c.d.HandleResponse(res) {
		slog.Debug(fmt.Sprintf("%s - no pending request for response %s", logPrefix, res.Meta.ID))
	}
}

func (c *Communicator) handleToolError(msg *Message) {
	detail := msg.Error
	if detail == nil {
		detail = &tool.ErrorDetail{Message: "remote error", Name: "Error", Code: tool.CodeRemote}
	}
	res := &tool.Result{Success: false, Error: detail, Meta: tool.ResultMeta{ID: msg.RequestID}}
	if !c.d.HandleResponse(res) {
		slog.Debug(fmt.Sprintf("%s - no pending request for error %s", logPrefix, msg.RequestID))
	}
}

func (c *Communicator) handleStateSync(msg *Message) {
	if !c.d.HasProvider(c.opts.StateProvider) {
		return
	}
	_, err := c.d.Tool(context.Background(), c.opts.StateTool, map[string]any{
		"path":  msg.Path,
		"value": msg.State,
	}, &tool.CallMeta{
		Provider: c.opts.StateProvider,
		Async:    tool.Bool(false),
		Extra:    map[string]any{"_external": true, "_source": msg.Source, "updateState": true},
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - state sync from %s failed: %v", logPrefix, msg.Source, err))
	}
}

func (c *Communicator) handleConnectionRequest(msg *Message) {
	if !c.compatible(msg) {
		return
	}
	c.record(msg)
	reply := &Message{Type: TypeConnectionResponse, Target: msg.Source}
	if err := c.send(context.Background(), reply); err != nil {
		slog.Warn(fmt.Sprintf("%s - connection response to %s failed: %v", logPrefix, msg.Source, err))
	}
}

func (c *Communicator) handleConnectionResponse(msg *Message) {
	if msg.Target != c.opts.SourceID {
		return
	}
	if !c.compatible(msg) {
		return
	}
	c.record(msg)
}

func (c *Communicator) handlePing(msg *Message) {
	reply := &Message{Type: TypePong, Target: msg.Source, PingID: msg.PingID}
	if err := c.send(context.Background(), reply); err != nil {
		slog.Debug(fmt.Sprintf("%s - pong to %s failed: %v", logPrefix, msg.Source, err))
	}
}

func (c *Communicator) handlePong(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.connections[msg.Source]; ok {
		conn.PingReceived = true
	}
}

// compatible checks the peer's protocol version. Peers that send no version
// are accepted.
func (c *Communicator) compatible(msg *Message) bool {
	if msg.Version == "" {
		return true
	}
	ok, err := semver.Compatible(msg.Version, c.opts.ProtocolConstraint)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s sent bad protocol version: %v", logPrefix, msg.Source, err))
		return false
	}
	if !ok {
		slog.Warn(fmt.Sprintf("%s - %s speaks protocol %s, need %s", logPrefix, msg.Source, msg.Version, c.opts.ProtocolConstraint))
	}
	return ok
}

// ErrNotStarted is returned by remote tools before Start.
var ErrNotStarted = errors.New("communicator not started")
