// Package memory provides an in-process transport. Messages are encoded and
// decoded on every hop so endpoints never share memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/toolsystem/pkg/commsutil"
	"github.com/morezero/toolsystem/pkg/transport"
)

const logPrefix = "memory:hub"

// ErrClosed is returned when publishing on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// Hub connects endpoints living in the same process.
type Hub struct {
	codec commsutil.Codec

	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

// NewHub creates a hub; a nil codec uses JSON.
func NewHub(codec commsutil.Codec) *Hub {
	if codec == nil {
		codec = commsutil.JSONCodec{}
	}
	return &Hub{codec: codec, endpoints: make(map[*Endpoint]struct{})}
}

// Endpoint joins a new endpoint to the hub.
func (h *Hub) Endpoint() *Endpoint {
	e := &Endpoint{hub: h, handlers: make(map[uint64]func(*transport.Message))}
	e.cond = sync.NewCond(&e.qmu)

	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()

	e.wg.Add(1)
	go e.run()
	return e
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e)
	h.mu.Unlock()
}

func (h *Hub) broadcast(from *Endpoint, data []byte) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.RUnlock()

	for _, e := range targets {
		e.enqueue(data)
	}
}

// Endpoint is one context's view of the hub. It implements transport.Channel.
type Endpoint struct {
	hub *Hub

	hmu      sync.RWMutex
	handlers map[uint64]func(*transport.Message)
	nextID   uint64

	qmu    sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	wg sync.WaitGroup
}

// Name implements transport.Channel.
func (e *Endpoint) Name() string {
	return "memory/" + e.hub.codec.Name()
}

// Publish implements transport.Channel.
func (e *Endpoint) Publish(_ context.Context, msg *transport.Message) error {
	e.qmu.Lock()
	closed := e.closed
	e.qmu.Unlock()
	if closed {
		return fmt.Errorf("%s - %w", logPrefix, ErrClosed)
	}

	data, err := e.hub.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s - encode %s: %w", logPrefix, msg.Type, err)
	}
	e.hub.broadcast(e, data)
	return nil
}

// Subscribe implements transport.Channel.
func (e *Endpoint) Subscribe(handler func(*transport.Message)) (func(), error) {
	e.hmu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[id] = handler
	e.hmu.Unlock()

	return func() {
		e.hmu.Lock()
		delete(e.handlers, id)
		e.hmu.Unlock()
	}, nil
}

// Close implements transport.Channel. Queued messages are discarded.
func (e *Endpoint) Close() error {
	e.hub.leave(e)

	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	e.cond.Broadcast()
	e.qmu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Endpoint) enqueue(data []byte) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, data)
	e.cond.Signal()
}

func (e *Endpoint) run() {
	defer e.wg.Done()
	for {
		e.qmu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.qmu.Unlock()
			return
		}
		data := e.queue[0]
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.deliver(data)
	}
}

func (e *Endpoint) deliver(data []byte) {
	e.hmu.RLock()
	handlers := make([]func(*transport.Message), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.hmu.RUnlock()

	for _, h := range handlers {
		var msg transport.Message
		if err := e.hub.codec.Unmarshal(data, &msg); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropped undecodable message: %v", logPrefix, err))
			return
		}
		h(&msg)
	}
}
