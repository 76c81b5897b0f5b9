package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/toolsystem/pkg/tool"
)

func newRequestID() string {
	return uuid.NewString()
}

// Tool dispatches name with payload. The returned Future settles with the
// provider's result or a rejection. A non-nil error is returned only when a
// synchronous call names an unknown provider, or when a caller-supplied id
// collides with a pending request.
func (d *Dispatcher) Tool(ctx context.Context, name string, payload any, meta *tool.CallMeta) (*Future, error) {
	cfg := d.Config()
	env := d.buildEnvelope(name, payload, meta, cfg)

	d.emit(EventCall, CallEvent{Envelope: env.Clone()})
	d.emit(CallEventType(env.Provider, env.Name), CallEvent{Envelope: env.Clone()})

	if !env.Async {
		return d.runSync(ctx, env, cfg)
	}

	timeout := cfg.DefaultTimeout
	if meta != nil && meta.Timeout > 0 {
		timeout = meta.Timeout
	}
	return d.runAsync(ctx, env, timeout)
}

// Call dispatches and waits for the outcome.
func (d *Dispatcher) Call(ctx context.Context, name string, payload any, meta *tool.CallMeta) (*tool.Result, error) {
	fut, err := d.Tool(ctx, name, payload, meta)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

func (d *Dispatcher) buildEnvelope(name string, payload any, meta *tool.CallMeta, cfg Config) *tool.Envelope {
	if meta == nil {
		meta = &tool.CallMeta{}
	}

	provider := meta.Provider
	if provider == "" {
		provider = cfg.DefaultProvider
	}
	id := meta.ID
	if id == "" {
		id = d.newID()
	}

	// Caller flag wins over the registered flag; unregistered tools are async.
	async := true
	if registered := d.tools.Async(provider, name); registered != nil {
		async = *registered
	}
	if meta.Async != nil {
		async = *meta.Async
	}

	var extra map[string]any
	if len(meta.Extra) > 0 {
		extra = make(map[string]any, len(meta.Extra))
		for k, v := range meta.Extra {
			extra[k] = v
		}
	}

	return &tool.Envelope{
		ID:       id,
		Name:     name,
		Provider: provider,
		Payload:  payload,
		Async:    async,
		Time:     d.clock.Now(),
		Meta:     extra,
	}
}

func (d *Dispatcher) runSync(ctx context.Context, env *tool.Envelope, cfg Config) (*Future, error) {
	prov, ok := d.providers.Get(env.Provider)
	if !ok {
		te := tool.ProviderNotFound(env.Provider)
		te.Result = failureResult(env, te.Detail())
		d.emit(EventError, CallEvent{Envelope: env, Error: te.Detail()})
		return nil, fmt.Errorf("%s - %w", logPrefix, te)
	}

	started := d.clock.Now()
	res, err := d.invoke(ctx, prov, env, cfg.Debug)

	fut := newFuture(env.ID)
	if err != nil {
		detail := errorDetail(err, cfg.Debug)
		res = failureResult(env, detail)
		res.Meta.ResponseTime = d.clock.Since(started).Milliseconds()
		d.emit(EventError, CallEvent{Envelope: env, Error: detail})
		fut.settle(res, nil)
		return fut, nil
	}

	res = mergeMeta(res, env, d.clock.Since(started))
	d.emit(EventComplete, CallEvent{Envelope: env, Result: res.Clone()})
	fut.settle(res, nil)
	return fut, nil
}

func (d *Dispatcher) runAsync(ctx context.Context, env *tool.Envelope, timeout time.Duration) (*Future, error) {
	fut := newFuture(env.ID)
	started := d.clock.Now()
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.mu.Lock()
	if _, exists := d.pending[env.ID]; exists {
		d.mu.Unlock()
		cancel()
		te := tool.NewToolError(tool.CodeDuplicateID, fmt.Sprintf("Request id %s is already pending", env.ID))
		return nil, fmt.Errorf("%s - %w", logPrefix, te)
	}
	pr := &pendingRequest{
		env:      env,
		future:   fut,
		cancel:   cancel,
		started:  started,
		deadline: started.Add(timeout),
	}
	d.pending[env.ID] = pr
	pr.timer = d.clock.AfterFunc(timeout, func() { d.expire(env.ID, timeout) })
	d.mu.Unlock()

	prov, ok := d.providers.Get(env.Provider)
	if !ok {
		te := tool.ProviderNotFound(env.Provider)
		if _, settled := d.rejectWith(env.ID, te); settled {
			d.emit(EventError, CallEvent{Envelope: env, Error: te.Detail()})
		}
		return fut, nil
	}

	go d.process(pctx, env, prov, started)
	return fut, nil
}

// process runs the async pipeline for one envelope. Every outcome goes
// through settle, so a request that already timed out is left alone.
func (d *Dispatcher) process(ctx context.Context, env *tool.Envelope, prov tool.Provider, started time.Time) {
	cfg := d.Config()

	processed, err := d.pipeline.RunBefore(ctx, env)
	if err != nil {
		d.cancelRequest(env, err)
		return
	}
	// Middleware may rewrite the payload and meta but not the identity.
	processed.ID, processed.Provider, processed.Name = env.ID, env.Provider, env.Name

	if !d.isPending(env.ID) {
		slog.Debug(fmt.Sprintf("%s - %s id=%s settled before provider call, skipping", logPrefix, env.Key(), env.ID))
		return
	}

	res, err := d.invoke(ctx, prov, processed, cfg.Debug)
	if err != nil {
		detail := errorDetail(err, cfg.Debug)
		te := tool.NewToolError(detail.Code, detail.Message)
		te.Result = failureResult(env, detail)
		te.Result.Meta.ResponseTime = d.clock.Since(started).Milliseconds()
		if _, settled := d.settle(env.ID, te.Result, te); settled {
			d.emit(EventError, CallEvent{Envelope: env, Error: detail})
		} else {
			slog.Debug(fmt.Sprintf("%s - dropped late error for %s id=%s", logPrefix, env.Key(), env.ID))
		}
		return
	}

	if res.Pending {
		slog.Debug(fmt.Sprintf("%s - %s id=%s awaiting external response", logPrefix, env.Key(), env.ID))
		return
	}

	res = mergeMeta(res, processed, d.clock.Since(started))

	res, err = d.pipeline.RunAfter(ctx, processed, res)
	if err != nil {
		d.cancelRequest(env, err)
		return
	}
	res.Meta.ID = env.ID

	if _, settled := d.settle(env.ID, res, nil); settled {
		d.emit(EventComplete, CallEvent{Envelope: env, Result: res.Clone()})
	} else {
		slog.Debug(fmt.Sprintf("%s - dropped late result for %s id=%s", logPrefix, env.Key(), env.ID))
	}
}

// HandleResponse settles the pending request named by res.Meta.ID with an
// externally produced result. It reports false when no such request is
// pending. After hooks do not run for external responses.
func (d *Dispatcher) HandleResponse(res *tool.Result) bool {
	if res == nil || res.Meta.ID == "" {
		return false
	}
	res = res.Clone()

	if res.Error != nil {
		te := tool.ErrorFromDetail(res, tool.CodeRemote)
		pr, ok := d.settle(res.Meta.ID, res, te)
		if ok {
			d.emit(EventError, CallEvent{Envelope: pr.env, Error: res.Error})
		}
		return ok
	}

	pr, ok := d.settleWith(res.Meta.ID, res, nil, func(pr *pendingRequest) {
		if res.Meta.ResponseTime == 0 {
			res.Meta.ResponseTime = d.clock.Since(pr.started).Milliseconds()
		}
	})
	if ok {
		d.emit(EventComplete, CallEvent{Envelope: pr.env, Result: res.Clone()})
	}
	return ok
}

// settle removes id from the pending map and settles its future. Exactly one
// caller wins; the rest get false.
func (d *Dispatcher) settle(id string, res *tool.Result, err error) (*pendingRequest, bool) {
	return d.settleWith(id, res, err, nil)
}

// settleWith is settle with a finalize step that runs after the request is
// claimed and before waiters can observe res.
func (d *Dispatcher) settleWith(id string, res *tool.Result, err error, finalize func(*pendingRequest)) (*pendingRequest, bool) {
	d.mu.Lock()
	pr, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	delete(d.pending, id)
	d.mu.Unlock()

	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.cancel()
	if finalize != nil {
		finalize(pr)
	}
	pr.future.settle(res, err)
	return pr, true
}

func (d *Dispatcher) rejectWith(id string, te *tool.ToolError) (*pendingRequest, bool) {
	d.mu.Lock()
	pr, ok := d.pending[id]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	te.Result = failureResult(pr.env, te.Detail())
	return d.settle(id, te.Result, te)
}

func (d *Dispatcher) isPending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

func (d *Dispatcher) expire(id string, timeout time.Duration) {
	te := tool.NewToolError(tool.CodeTimeout, fmt.Sprintf("Request timed out after %dms", timeout.Milliseconds()))
	pr, ok := d.rejectWith(id, te)
	if !ok {
		return
	}
	slog.Warn(fmt.Sprintf("%s - %s id=%s timed out after %s", logPrefix, pr.env.Key(), id, timeout))
	d.emit(EventTimeout, CallEvent{Envelope: pr.env, Error: te.Detail(), Timeout: timeout})
}

func (d *Dispatcher) cancelRequest(env *tool.Envelope, err error) {
	te, ok := err.(*tool.ToolError)
	if !ok {
		te = tool.NewToolError(tool.CodeCancelled, err.Error())
	}
	if pr, settled := d.rejectWith(env.ID, te); settled {
		slog.Info(fmt.Sprintf("%s - %s id=%s cancelled: %s", logPrefix, env.Key(), env.ID, te.Message))
		d.emit(EventCancelled, CallEvent{Envelope: pr.env, Error: te.Detail()})
	}
}

// invoke calls the provider, converting panics into errors.
func (d *Dispatcher) invoke(ctx context.Context, prov tool.Provider, env *tool.Envelope, withStack bool) (res *tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &providerPanic{value: r}
			if withStack {
				err = &providerPanic{value: r, stack: string(debug.Stack())}
			}
		}
	}()

	res, err = prov.Handle(ctx, env.Clone())
	if err == nil && res == nil {
		res = tool.OK(nil)
	}
	return res, err
}

type providerPanic struct {
	value any
	stack string
}

func (p *providerPanic) Error() string {
	return fmt.Sprintf("provider panic: %v", p.value)
}

func errorDetail(err error, withStack bool) *tool.ErrorDetail {
	detail := tool.DetailFromError(err)
	if !withStack {
		return detail
	}
	if p, ok := err.(*providerPanic); ok && p.stack != "" {
		detail.Stack = p.stack
	} else {
		detail.Stack = string(debug.Stack())
	}
	return detail
}

func failureResult(env *tool.Envelope, detail *tool.ErrorDetail) *tool.Result {
	res := &tool.Result{Success: false, Error: detail}
	res.WithMeta(env)
	if len(env.Meta) > 0 {
		res.Meta.Extra = make(map[string]any, len(env.Meta))
		for k, v := range env.Meta {
			res.Meta.Extra[k] = v
		}
	}
	return res
}

// mergeMeta layers the envelope identity and caller meta under the
// provider's own meta fields.
func mergeMeta(res *tool.Result, env *tool.Envelope, elapsed time.Duration) *tool.Result {
	out := res.Clone()
	providerExtra := out.Meta.Extra

	merged := make(map[string]any, len(env.Meta)+len(providerExtra))
	for k, v := range env.Meta {
		merged[k] = v
	}
	for k, v := range providerExtra {
		merged[k] = v
	}
	if len(merged) == 0 {
		merged = nil
	}

	out.Meta.ID = env.ID
	if out.Meta.Name == "" {
		out.Meta.Name = env.Name
	}
	if out.Meta.Provider == "" {
		out.Meta.Provider = env.Provider
	}
	if out.Meta.Time.IsZero() {
		out.Meta.Time = env.Time
	}
	if out.Meta.ResponseTime == 0 {
		out.Meta.ResponseTime = elapsed.Milliseconds()
	}
	out.Meta.Extra = merged
	return out
}
