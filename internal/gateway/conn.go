package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joi-labs/joi/pkg/wire"
)

const (
	// heartbeatInterval is how often the server pings each client.
	heartbeatInterval = 30 * time.Second
	// pongWindow is how long after a ping a pong must arrive before the
	// connection is considered stale. Staleness is logged and surfaced,
	// never used to unilaterally kill the connection: the transport's own
	// reconnect policy owns liveness, and one missed pong is a weak signal.
	pongWindow = 5 * time.Second

	sendQueueSize  = 64
	maxFrameBytes  = 512 * 1024
	writeDeadline  = 10 * time.Second
	readDeadlineNo = 0 // reads have no deadline; heartbeat covers liveness
)

// clientConn is one client's frame protocol connection. Frames queued on
// send are delivered in order; nothing is delivered once the connection
// leaves the connected state.
type clientConn struct {
	id string
	ws *websocket.Conn

	send chan wire.Frame
	done chan struct{}

	mu        sync.Mutex
	connected bool
	stale     bool
	pingAt    time.Time // zero when no ping is outstanding
}

func newClientConn(id string, ws *websocket.Conn) *clientConn {
	return &clientConn{
		id:        id,
		ws:        ws,
		send:      make(chan wire.Frame, sendQueueSize),
		done:      make(chan struct{}),
		connected: true,
	}
}

// Send queues a frame for ordered delivery. Never blocks: frames for a
// connection no longer connected are dropped, and so are frames for a
// client whose queue is full, so one stalled socket cannot hold up the
// callers fanning out to everyone else.
func (c *clientConn) Send(f wire.Frame) bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return false
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		slog.Debug("dropping frame for slow client", "client", c.id, "type", f.Type)
		return false
	}
}

// close moves the connection out of connected state and tears the socket
// down. Idempotent.
func (c *clientConn) close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()
}

// isConnected reports whether frames may still be delivered.
func (c *clientConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// markPong clears any outstanding ping and staleness.
func (c *clientConn) markPong() {
	c.mu.Lock()
	c.pingAt = time.Time{}
	if c.stale {
		slog.Info("client connection recovered", "client", c.id)
	}
	c.stale = false
	c.mu.Unlock()
}

// markPing records an outstanding ping.
func (c *clientConn) markPing(now time.Time) {
	c.mu.Lock()
	c.pingAt = now
	c.mu.Unlock()
}

// checkStale marks the connection stale when the outstanding ping has
// outlived the pong window. Returns true on the transition into staleness.
func (c *clientConn) checkStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingAt.IsZero() || c.stale {
		return false
	}
	if now.Sub(c.pingAt) < pongWindow {
		return false
	}
	c.stale = true
	return true
}

// writePump owns all writes to the socket: queued frames in order, plus
// the heartbeat. Runs until the connection closes.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	staleCheck := time.NewTicker(time.Second)
	defer staleCheck.Stop()

	for {
		select {
		case <-c.done:
			return

		case f := <-c.send:
			if !c.writeFrame(f) {
				return
			}

		case now := <-ticker.C:
			c.markPing(now)
			if !c.writeFrame(wire.Frame{Type: wire.TypePing}) {
				return
			}

		case now := <-staleCheck.C:
			if c.checkStale(now) {
				slog.Warn("client heartbeat expired, relying on transport reconnect",
					"client", c.id, "window", pongWindow)
			}
		}
	}
}

func (c *clientConn) writeFrame(f wire.Frame) bool {
	data, err := wire.Encode(f)
	if err != nil {
		slog.Warn("dropping unencodable frame", "client", c.id, "type", f.Type, "error", err)
		return true
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("client write failed", "client", c.id, "error", err)
		c.close()
		return false
	}
	return true
}
