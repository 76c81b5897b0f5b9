package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/morezero/toolsystem/pkg/bus"
	"github.com/morezero/toolsystem/pkg/middleware"
	"github.com/morezero/toolsystem/pkg/registry"
	"github.com/morezero/toolsystem/pkg/tool"
)

const logPrefix = "dispatcher:dispatcher"

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Config Config
	// Clock drives timeouts and timestamps; nil uses the real clock.
	Clock clockwork.Clock
	// Bus receives lifecycle events; nil creates a private bus.
	Bus *bus.Bus
	// NewID generates correlation ids; nil uses random UUIDv4.
	NewID func() string
}

// Dispatcher routes tool calls to providers.
type Dispatcher struct {
	cfgMu sync.RWMutex
	cfg   Config

	clock     clockwork.Clock
	bus       *bus.Bus
	newID     func() string
	tools     *registry.Tools
	providers *registry.Providers
	pipeline  *middleware.Pipeline
	log       *eventLog

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	env      *tool.Envelope
	future   *Future
	timer    clockwork.Timer
	cancel   context.CancelFunc
	started  time.Time
	deadline time.Time
}

// PendingInfo describes an in-flight request.
type PendingInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Provider string    `json:"provider"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline"`
}

// NewDispatcher creates a Dispatcher with the default echo provider "app"
// registered under the configured default provider name.
func NewDispatcher(params NewDispatcherParams) *Dispatcher {
	cfg := params.Config.withDefaults()

	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := params.Bus
	if b == nil {
		b = bus.New()
	}
	newID := params.NewID
	if newID == nil {
		newID = newRequestID
	}

	d := &Dispatcher{
		cfg:       cfg,
		clock:     clock,
		bus:       b,
		newID:     newID,
		tools:     registry.NewTools(clock.Now),
		providers: registry.NewProviders(),
		pipeline:  middleware.NewPipeline(),
		log:       newEventLog(cfg.LogSize),
		pending:   make(map[string]*pendingRequest),
	}

	if err := d.RegisterProvider(cfg.DefaultProvider, EchoProvider()); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to register default provider: %v", logPrefix, err))
	}
	return d
}

// EchoProvider returns a provider that answers every tool with its payload.
func EchoProvider() tool.Provider {
	return tool.ProviderFunc(func(_ context.Context, env *tool.Envelope) (*tool.Result, error) {
		return tool.OK(env.Payload), nil
	})
}

// RegisterProvider stores p under name, replacing any previous provider.
func (d *Dispatcher) RegisterProvider(name string, p tool.Provider) error {
	if err := d.providers.Register(name, p); err != nil {
		return fmt.Errorf("%s - register provider: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Registered provider %s", logPrefix, name))
	d.emit(EventProviderRegistered, ProviderEvent{Name: name})
	return nil
}

// AddTool registers tool metadata and reports validation failures.
func (d *Dispatcher) AddTool(provider, name string, md tool.Metadata) (tool.Entry, error) {
	entry, err := d.tools.Register(provider, name, md)
	if err != nil {
		return tool.Entry{}, fmt.Errorf("%s - register tool: %w", logPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - Registered tool %s:%s", logPrefix, provider, name))
	d.emit(EventToolRegistered, entry)
	return entry, nil
}

// RegisterTool is the chainable form of AddTool. Invalid registrations
// are logged and skipped.
func (d *Dispatcher) RegisterTool(provider, name string, md tool.Metadata) *Dispatcher {
	if _, err := d.AddTool(provider, name, md); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}
	return d
}

// Use appends middleware to the pipeline.
func (d *Dispatcher) Use(m middleware.Middleware) *Dispatcher {
	d.pipeline.Use(m)
	return d
}

// On subscribes to a lifecycle event type, or bus.Wildcard for all.
func (d *Dispatcher) On(eventType string, h bus.Handler) *bus.Subscription {
	return d.bus.On(eventType, h)
}

// Off removes subscriptions; with none given it removes every handler of eventType.
func (d *Dispatcher) Off(eventType string, subs ...*bus.Subscription) {
	d.bus.Off(eventType, subs...)
}

// Bus returns the event bus the dispatcher emits on.
func (d *Dispatcher) Bus() *bus.Bus {
	return d.bus
}

// Clock returns the dispatcher's clock.
func (d *Dispatcher) Clock() clockwork.Clock {
	return d.clock
}

// Tools returns the tool table.
func (d *Dispatcher) Tools() *registry.Tools {
	return d.tools
}

// Registry returns a deep copy of the tool table.
func (d *Dispatcher) Registry() map[string]map[string]tool.Entry {
	return d.tools.Snapshot()
}

// Providers returns the registered provider names.
func (d *Dispatcher) Providers() []string {
	return d.providers.Names()
}

// HasProvider reports whether name is registered.
func (d *Dispatcher) HasProvider(name string) bool {
	return d.providers.Has(name)
}

// Middleware returns the registered middleware names in order.
func (d *Dispatcher) Middleware() []string {
	return d.pipeline.Names()
}

// EventLog returns the debug event log, newest first. It stays empty
// unless Config.Debug is set.
func (d *Dispatcher) EventLog() []LogEntry {
	return d.log.snapshot()
}

// Pending returns the in-flight requests ordered by start time.
func (d *Dispatcher) Pending() []PendingInfo {
	d.mu.Lock()
	out := make([]PendingInfo, 0, len(d.pending))
	for id, pr := range d.pending {
		out = append(out, PendingInfo{
			ID:       id,
			Name:     pr.env.Name,
			Provider: pr.env.Provider,
			Started:  pr.started,
			Deadline: pr.deadline,
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Config returns a copy of the current configuration.
func (d *Dispatcher) Config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// SetConfig replaces the configuration. Zero fields take their defaults.
// Requests already pending keep their armed timeouts.
func (d *Dispatcher) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()

	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()

	d.log.resize(cfg.LogSize)
	slog.Info(fmt.Sprintf("%s - Config updated: timeout=%s logSize=%d debug=%v defaultProvider=%s",
		logPrefix, cfg.DefaultTimeout, cfg.LogSize, cfg.Debug, cfg.DefaultProvider))
}

// Shutdown rejects every pending request with a cancellation.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		te := tool.NewToolError(tool.CodeCancelled, fmt.Sprintf("Request %s cancelled by shutdown", id))
		if pr, ok := d.rejectWith(id, te); ok {
			d.emit(EventCancelled, CallEvent{Envelope: pr.env, Error: te.Detail()})
		}
	}
	if len(ids) > 0 {
		slog.Info(fmt.Sprintf("%s - Shutdown cancelled %d pending requests", logPrefix, len(ids)))
	}
}

func (d *Dispatcher) emit(eventType string, data any) {
	if d.Config().Debug {
		d.log.add(LogEntry{Type: eventType, Time: d.clock.Now(), Data: data})
	}
	d.bus.Emit(eventType, data)
}
