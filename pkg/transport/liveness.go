package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

const livenessLogPrefix = "transport:liveness"

// Connection is a peer context seen through the handshake.
type Connection struct {
	Source       string    `json:"source"`
	Connected    time.Time `json:"connected"`
	LastSeen     time.Time `json:"lastSeen"`
	PingReceived bool      `json:"pingReceived"`
	Version      string    `json:"version,omitempty"`
}

// Connections returns the known peers sorted by id.
func (c *Communicator) Connections() []Connection {
	c.mu.RLock()
	out := make([]Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		out = append(out, *conn)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// record adds or refreshes a peer after a compatible handshake.
func (c *Communicator) record(msg *Message) {
	now := c.clock.Now()
	c.mu.Lock()
	conn, ok := c.connections[msg.Source]
	if !ok {
		conn = &Connection{Source: msg.Source, Connected: now}
		c.connections[msg.Source] = conn
	}
	conn.LastSeen = now
	conn.Version = msg.Version
	c.mu.Unlock()

	if !ok {
		slog.Info(fmt.Sprintf("%s - Connected to %s (protocol %s)", livenessLogPrefix, msg.Source, msg.Version))
	}
}

// touch refreshes LastSeen for a known peer.
func (c *Communicator) touch(source string) {
	now := c.clock.Now()
	c.mu.Lock()
	if conn, ok := c.connections[source]; ok {
		conn.LastSeen = now
	}
	c.mu.Unlock()
}

// evictStale drops peers silent for longer than StaleAfter and returns the
// ids still connected.
func (c *Communicator) evictStale() []string {
	cutoff := c.clock.Now().Add(-c.opts.StaleAfter)

	c.mu.Lock()
	var live, dropped []string
	for id, conn := range c.connections {
		if conn.LastSeen.Before(cutoff) {
			delete(c.connections, id)
			dropped = append(dropped, id)
			continue
		}
		conn.PingReceived = false
		live = append(live, id)
	}
	c.mu.Unlock()

	for _, id := range dropped {
		slog.Warn(fmt.Sprintf("%s - Dropped stale connection %s", livenessLogPrefix, id))
	}
	sort.Strings(live)
	return live
}

func (c *Communicator) pingLoop() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			c.tick()
		}
	}
}

// tick runs one liveness round.
func (c *Communicator) tick() {
	for _, id := range c.evictStale() {
		msg := &Message{Type: TypePing, Target: id, PingID: ulid.Make().String()}
		if err := c.send(context.Background(), msg); err != nil {
			slog.Debug(fmt.Sprintf("%s - ping to %s failed: %v", livenessLogPrefix, id, err))
		}
	}
}
