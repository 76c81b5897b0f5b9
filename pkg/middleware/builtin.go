package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"github.com/morezero/toolsystem/pkg/tool"
)

const builtinLogPrefix = "middleware:builtin"

// Logging logs every envelope before dispatch and every result after.
func Logging() Middleware {
	return Middleware{
		Name: "logging",
		Before: func(_ context.Context, env *tool.Envelope) (*tool.Envelope, error) {
			slog.Debug(fmt.Sprintf("%s - call %s id=%s async=%v", builtinLogPrefix, env.Key(), env.ID, env.Async))
			return env, nil
		},
		After: func(_ context.Context, env *tool.Envelope, res *tool.Result) (*tool.Result, error) {
			slog.Debug(fmt.Sprintf("%s - done %s id=%s success=%v responseTime=%dms",
				builtinLogPrefix, env.Key(), env.ID, res.Success, res.Meta.ResponseTime))
			return res, nil
		},
	}
}

// RateLimit cancels envelopes once the limiter runs out of tokens.
func RateLimit(limiter *rate.Limiter) Middleware {
	return Middleware{
		Name: "rate-limit",
		Before: func(_ context.Context, env *tool.Envelope) (*tool.Envelope, error) {
			if !limiter.Allow() {
				slog.Warn(fmt.Sprintf("%s - rate limit exceeded, dropping %s id=%s", builtinLogPrefix, env.Key(), env.ID))
				return nil, nil
			}
			return env, nil
		},
	}
}

// AllowTools cancels envelopes whose "provider:name" matches none of the
// doublestar patterns (e.g. "app:*", "remote:{remote,syncState}").
func AllowTools(patterns ...string) (Middleware, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return Middleware{}, fmt.Errorf("%s - invalid tool pattern %q", builtinLogPrefix, p)
		}
	}
	return Middleware{
		Name: "allow-tools",
		Before: func(_ context.Context, env *tool.Envelope) (*tool.Envelope, error) {
			key := env.Key()
			for _, p := range patterns {
				if ok, _ := doublestar.Match(p, key); ok {
					return env, nil
				}
			}
			slog.Warn(fmt.Sprintf("%s - %s not in allow list", builtinLogPrefix, key))
			return nil, nil
		},
	}, nil
}

// Annotate sets a meta field on every envelope.
func Annotate(key string, value any) Middleware {
	return Middleware{
		Name: "annotate:" + key,
		Before: func(_ context.Context, env *tool.Envelope) (*tool.Envelope, error) {
			if env.Meta == nil {
				env.Meta = make(map[string]any)
			}
			env.Meta[key] = value
			return env, nil
		},
	}
}
