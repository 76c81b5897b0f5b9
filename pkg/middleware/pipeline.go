// Package middleware runs ordered before/after hooks around tool dispatch.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/toolsystem/pkg/tool"
)

const logPrefix = "middleware:pipeline"

// BeforeFunc transforms an envelope before the provider runs. Returning a
// nil envelope with a nil error cancels the dispatch.
type BeforeFunc func(ctx context.Context, env *tool.Envelope) (*tool.Envelope, error)

// AfterFunc transforms a result after the provider runs. Returning a nil
// result with a nil error cancels the dispatch.
type AfterFunc func(ctx context.Context, env *tool.Envelope, res *tool.Result) (*tool.Result, error)

// Middleware is a named pair of optional hooks.
type Middleware struct {
	Name   string
	Before BeforeFunc
	After  AfterFunc
}

// Pipeline holds middleware in registration order.
type Pipeline struct {
	mu    sync.RWMutex
	items []Middleware
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Use appends m to the pipeline.
func (p *Pipeline) Use(m Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, m)
}

// Len returns the number of registered middleware.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Names returns the registered middleware names in order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.items))
	for i, m := range p.items {
		names[i] = m.Name
	}
	return names
}

func (p *Pipeline) snapshot() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Middleware, len(p.items))
	copy(out, p.items)
	return out
}

// RunBefore runs every Before hook in order, feeding each output into the
// next. A cancelling hook stops the chain and yields a CANCELLED ToolError.
// Hooks that fail or panic are logged and skipped.
func (p *Pipeline) RunBefore(ctx context.Context, env *tool.Envelope) (*tool.Envelope, error) {
	current := env.Clone()
	for i, m := range p.snapshot() {
		if m.Before == nil {
			continue
		}
		next, err := callBefore(ctx, m.Before, current.Clone())
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - before hook %s failed for %s: %v", logPrefix, label(m, i), env.Key(), err))
			continue
		}
		if next == nil {
			return nil, cancelled(env, label(m, i))
		}
		current = next
	}
	return current, nil
}

// RunAfter runs every After hook in order. See RunBefore.
func (p *Pipeline) RunAfter(ctx context.Context, env *tool.Envelope, res *tool.Result) (*tool.Result, error) {
	current := res.Clone()
	for i, m := range p.snapshot() {
		if m.After == nil {
			continue
		}
		next, err := callAfter(ctx, m.After, env.Clone(), current.Clone())
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - after hook %s failed for %s: %v", logPrefix, label(m, i), env.Key(), err))
			continue
		}
		if next == nil {
			return nil, cancelled(env, label(m, i))
		}
		current = next
	}
	return current, nil
}

func callBefore(ctx context.Context, fn BeforeFunc, env *tool.Envelope) (out *tool.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, tool.NewToolError(tool.CodeMiddleware, fmt.Sprintf("panic: %v", r))
		}
	}()
	out, err = fn(ctx, env)
	if err != nil {
		return nil, tool.NewToolError(tool.CodeMiddleware, err.Error())
	}
	return out, nil
}

func callAfter(ctx context.Context, fn AfterFunc, env *tool.Envelope, res *tool.Result) (out *tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, tool.NewToolError(tool.CodeMiddleware, fmt.Sprintf("panic: %v", r))
		}
	}()
	out, err = fn(ctx, env, res)
	if err != nil {
		return nil, tool.NewToolError(tool.CodeMiddleware, err.Error())
	}
	return out, nil
}

func cancelled(env *tool.Envelope, by string) error {
	return tool.NewToolError(tool.CodeCancelled, fmt.Sprintf("Request %s cancelled by middleware %s", env.ID, by))
}

func label(m Middleware, i int) string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("#%d", i)
}
