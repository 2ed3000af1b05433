package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joi-labs/joi/pkg/backoff"
	"github.com/joi-labs/joi/pkg/watch"
	"github.com/joi-labs/joi/pkg/wire"
)

// ClientState is the lifecycle of a gateway client connection.
type ClientState string

const (
	ClientConnecting   ClientState = "connecting"
	ClientConnected    ClientState = "connected"
	ClientReconnecting ClientState = "reconnecting"
	// ClientDisconnected is terminal: the retry schedule is exhausted or
	// the server rejected the connection outright.
	ClientDisconnected ClientState = "disconnected"
)

// ErrClientClosed is returned from Send after Close or once the client has
// reached the terminal disconnected state.
var ErrClientClosed = errors.New("gateway client is closed")

// Client is a reconnecting frame protocol client. It maintains one
// websocket to the gateway, reassembles streamed chat responses, answers
// heartbeats, and re-requests the session list after every reconnect so
// the caller's view is never silently stale.
type Client struct {
	url     string
	policy  backoff.Policy
	streams *StreamAssembler
	bridge  *watch.Bridge // optional; activated on every (re)connect

	// OnFrame receives every decoded known frame. Single subscriber.
	OnFrame func(wire.Frame)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(ClientState)

	mu     sync.Mutex
	state  ClientState
	ws     *websocket.Conn
	closed bool

	done chan struct{}
}

// NewClient creates a client for the given gateway websocket URL.
// The default retry schedule gives up after 8 attempts.
func NewClient(url string) *Client {
	policy := backoff.Default()
	policy.Initial = time.Second
	policy.Max = 30 * time.Second
	policy.MaxSteps = 8
	return &Client{
		url:     url,
		policy:  policy,
		streams: NewStreamAssembler(),
		state:   ClientDisconnected,
		done:    make(chan struct{}),
	}
}

// AttachWatch couples a watch bridge to the client lifecycle. The bridge
// gets an activation callback after every successful connect, and its
// relayed commands land in the interaction history when rec is non-nil.
func (c *Client) AttachWatch(b *watch.Bridge, rec watch.Recorder) {
	if rec != nil {
		b.SetRecorder(rec)
	}
	c.mu.Lock()
	c.bridge = b
	c.mu.Unlock()
}

// Streams exposes the reassembled chat responses.
func (c *Client) Streams() *StreamAssembler {
	return c.streams
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and keeps the connection alive until ctx is cancelled, the
// retry schedule is exhausted, or the server rejects the handshake with an
// auth status. Blocks for the connection's lifetime.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	everConnected := false
	for {
		if c.isClosed() {
			return ErrClientClosed
		}

		attempt++
		if c.policy.Exhausted(attempt) {
			c.setState(ClientDisconnected)
			return fmt.Errorf("gateway unreachable after %d attempts", attempt-1)
		}
		if attempt == 1 && !everConnected {
			c.setState(ClientConnecting)
		} else if attempt == 1 {
			c.setState(ClientReconnecting)
		} else {
			c.setState(ClientReconnecting)
			delay := c.policy.Delay(attempt - 1)
			slog.Info("reconnecting to gateway", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.setState(ClientDisconnected)
				return ctx.Err()
			case <-c.done:
				return ErrClientClosed
			}
		}

		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				c.setState(ClientDisconnected)
				return fmt.Errorf("gateway rejected connection: %s", resp.Status)
			}
			slog.Warn("gateway dial failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.setState(ClientConnected)
		attempt = 0
		everConnected = true

		c.onConnected(ctx)
		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.setState(ClientDisconnected)
			return ctx.Err()
		case <-c.done:
			return ErrClientClosed
		default:
		}
	}
}

// onConnected runs the post-connect bootstrap: refresh the session list
// and reactivate the watch bridge.
func (c *Client) onConnected(ctx context.Context) {
	if err := c.Send(wire.Frame{Type: wire.TypeSessionList, ID: "bootstrap"}); err != nil {
		slog.Warn("session list refresh failed", "error", err)
	}
	c.mu.Lock()
	bridge := c.bridge
	c.mu.Unlock()
	if bridge != nil {
		bridge.OnActivate(ctx)
	}
}

// readLoop consumes frames until the socket drops. Malformed frames are
// dropped and unknown types ignored, mirroring the server side.
func (c *Client) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			slog.Debug("gateway read closed", "error", err)
			return
		}

		f, err := wire.Decode(raw)
		if err != nil {
			slog.Debug("dropping malformed frame", "error", err)
			continue
		}
		if !wire.KnownType(f.Type) {
			slog.Debug("ignoring unknown frame type", "type", f.Type)
			continue
		}

		switch f.Type {
		case wire.TypePing:
			c.Send(wire.Frame{Type: wire.TypePong, ID: f.ID})
		case wire.TypeChatDelta:
			if chunk, ok := f.Data["content"].(string); ok {
				c.streams.ApplyDelta(f.ID, chunk)
			}
		case wire.TypeChatDone:
			content, _ := f.Data["content"].(string)
			model, _ := f.Data["model"].(string)
			c.streams.Finish(f.ID, content, model)
		}

		if c.OnFrame != nil {
			c.OnFrame(f)
		}
	}
}

// Send encodes and writes a frame on the current connection.
func (c *Client) Send(f wire.Frame) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if ws == nil {
		return fmt.Errorf("send %s: not connected", f.Type)
	}

	data, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// SendChat sends a chat message under the given id. The response arrives
// via the stream assembler.
func (c *Client) SendChat(id, content string) error {
	return c.Send(wire.Frame{
		Type: wire.TypeChatSend,
		ID:   id,
		Data: map[string]any{"content": content},
	})
}

// Close tears the client down. Terminal; Run returns ErrClientClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
	c.setState(ClientDisconnected)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}
