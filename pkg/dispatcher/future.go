package dispatcher

import (
	"context"
	"sync"

	"github.com/morezero/toolsystem/pkg/tool"
)

// Future is the caller's handle on a dispatched request. It settles once.
type Future struct {
	id   string
	done chan struct{}

	mu      sync.Mutex
	settled bool
	res     *tool.Result
	err     error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the correlation id of the request.
func (f *Future) ID() string {
	return f.id
}

// Done is closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done. On rejection the
// failure-shaped result is returned along with the error.
func (f *Future) Wait(ctx context.Context) (*tool.Result, error) {
	select {
	case <-f.done:
		return f.Peek()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the settled outcome without blocking. Both values are nil
// while the future is unsettled.
func (f *Future) Peek() (*tool.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.err
}

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// settle panics on a second call; the dispatcher must route every outcome
// through a single removal from the pending map.
func (f *Future) settle(res *tool.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		panic("dispatcher: future " + f.id + " settled twice")
	}
	f.settled = true
	f.res = res
	f.err = err
	close(f.done)
}
