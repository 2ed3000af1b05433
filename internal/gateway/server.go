package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joi-labs/joi/internal/llm"
	"github.com/joi-labs/joi/pkg/memory"
	"github.com/joi-labs/joi/pkg/scope"
	"github.com/joi-labs/joi/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps, not browsers; origin checks happen at the
	// auth layer in front of this gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades a client connection and runs its frame protocol until
// the socket drops.
func (d *Daemon) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := fmt.Sprintf("client-%d", d.nextClientID.Add(1))
	c := newClientConn(id, ws)

	d.clientsMu.Lock()
	d.clients[c] = struct{}{}
	d.clientsMu.Unlock()
	slog.Info("client connected", "client", id, "remote", r.RemoteAddr)

	go c.writePump()
	d.readPump(r.Context(), c)

	d.clientsMu.Lock()
	delete(d.clients, c)
	d.clientsMu.Unlock()
	c.close()
	slog.Info("client disconnected", "client", id)
}

// readPump reads and dispatches inbound frames. Malformed frames (type
// missing or not a string) are dropped with prior state unchanged; unknown
// types are counted and ignored, never fatal.
func (d *Daemon) readPump(ctx context.Context, c *clientConn) {
	c.ws.SetReadLimit(maxFrameBytes)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		f, err := wire.Decode(raw)
		if err != nil {
			slog.Debug("dropping malformed frame", "client", c.id, "error", err)
			continue
		}
		if !wire.KnownType(f.Type) {
			d.unknownFrames.Add(1)
			slog.Debug("ignoring unknown frame type", "client", c.id, "type", f.Type)
			continue
		}

		switch f.Type {
		case wire.TypePong:
			c.markPong()
		case wire.TypePing:
			c.Send(wire.Frame{Type: wire.TypePong, ID: f.ID})
		case wire.TypeChatSend:
			go d.handleChatSend(ctx, c, f)
		case wire.TypeSessionList:
			go d.handleSessionList(ctx, c, f)
		case wire.TypeSessionData:
			go d.handleSessionData(ctx, c, f)
		case wire.TypeAgentList:
			d.handleAgentList(c, f)
		default:
			// Known but server-bound only in the other direction
			// (delta/done/status); nothing to do.
		}
	}
}

// broadcast queues a frame on every connected client. The client set is
// snapshotted first so the sends happen outside the lock.
func (d *Daemon) broadcast(f wire.Frame) {
	d.clientsMu.Lock()
	clients := make([]*clientConn, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.clientsMu.Unlock()
	for _, c := range clients {
		c.Send(f)
	}
}

// --- Frame handlers ---

// handleChatSend runs the agent responder for a chat-send frame and
// streams the reply back as ordered delta frames terminated by exactly one
// done frame.
func (d *Daemon) handleChatSend(ctx context.Context, c *clientConn, f wire.Frame) {
	content, _ := f.Data["content"].(string)
	if content == "" {
		c.Send(wire.Frame{Type: wire.TypeChatError, ID: f.ID, Error: "chat-send frame has no content"})
		return
	}
	session, _ := f.Data["session"].(string)
	if session == "" {
		session = c.id
	}
	msgID := f.ID
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", time.Now().UnixNano())
	}

	if d.responder == nil {
		c.Send(wire.Frame{Type: wire.TypeChatError, ID: msgID, Error: "no agent configured"})
		return
	}

	d.appendHistory(session, llm.Message{Role: "user", Content: content})

	req := llm.Request{
		System:      d.config.Agent.System,
		Messages:    d.getHistory(session),
		MaxTokens:   d.config.Agent.MaxOutput,
		Temperature: d.config.Agent.Temperature,
	}

	start := time.Now()
	resp, err := d.responder.Stream(ctx, req, func(chunk string) {
		c.Send(wire.Frame{
			Type: wire.TypeChatDelta,
			ID:   msgID,
			Data: map[string]any{"content": chunk},
		})
	})
	if err != nil {
		slog.Error("agent completion failed", "client", c.id, "error", err)
		c.Send(wire.Frame{Type: wire.TypeChatError, ID: msgID, Error: err.Error()})
		return
	}

	d.appendHistory(session, llm.Message{Role: "assistant", Content: resp.Content})
	c.Send(wire.Frame{
		Type: wire.TypeChatDone,
		ID:   msgID,
		Data: map[string]any{
			"content":       resp.Content,
			"model":         resp.Model,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"stop_reason":   resp.StopReason,
			"elapsed_ms":    time.Since(start).Milliseconds(),
		},
	})
}

// handleSessionList answers with the conversations visible under the
// requested scope. The scope predicate is applied inside the query.
func (d *Daemon) handleSessionList(ctx context.Context, c *clientConn, f wire.Frame) {
	if d.messages == nil {
		c.Send(wire.Frame{Type: wire.TypeSessionData, ID: f.ID, Data: map[string]any{"sessions": []any{}}})
		return
	}

	opts := scope.Options{}
	if s, ok := f.Data["scope"].(string); ok {
		opts.Scope = s
	}
	if all, ok := f.Data["all_scopes"].(bool); ok {
		opts.AllScopes = all
	}
	if raw, ok := f.Data["allowed_scopes"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				opts.AllowedScopes = append(opts.AllowedScopes, s)
			}
		}
	}

	convs, err := d.messages.ListConversations(ctx, opts, 100)
	if err != nil {
		c.Send(wire.Frame{Type: wire.TypeChatError, ID: f.ID, Error: fmt.Sprintf("list sessions: %v", err)})
		return
	}

	sessions := make([]any, 0, len(convs))
	for _, conv := range convs {
		sessions = append(sessions, map[string]any{
			"channel_type": conv.ChannelType,
			"channel_id":   conv.ChannelID,
			"scope":        conv.Scope,
			"updated_at":   conv.UpdatedAt.Format(time.RFC3339),
		})
	}
	c.Send(wire.Frame{Type: wire.TypeSessionData, ID: f.ID, Data: map[string]any{"sessions": sessions}})
}

// handleSessionData answers with the recent messages of one conversation.
func (d *Daemon) handleSessionData(ctx context.Context, c *clientConn, f wire.Frame) {
	channelType, _ := f.Data["channel_type"].(string)
	channelID, _ := f.Data["channel_id"].(string)
	if channelType == "" || channelID == "" || d.messages == nil {
		c.Send(wire.Frame{Type: wire.TypeChatError, ID: f.ID, Error: "session-data needs channel_type and channel_id"})
		return
	}

	msgs, err := d.messages.RecentMessages(ctx, channelType, channelID, 100)
	if err != nil {
		c.Send(wire.Frame{Type: wire.TypeChatError, ID: f.ID, Error: fmt.Sprintf("session messages: %v", err)})
		return
	}

	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"sender_id":   m.SenderID,
			"sender_name": m.SenderName,
			"content":     m.Content,
			"ts":          m.Timestamp.Format(time.RFC3339),
		})
	}
	c.Send(wire.Frame{Type: wire.TypeSessionData, ID: f.ID, Data: map[string]any{
		"channel_type": channelType,
		"channel_id":   channelID,
		"messages":     out,
	}})
}

// handleAgentList answers with the configured agent and channel adapters.
func (d *Daemon) handleAgentList(c *clientConn, f wire.Frame) {
	channels := make([]any, 0, len(d.adapters))
	for _, a := range d.adapters {
		info := a.Status()
		channels = append(channels, map[string]any{
			"channel_type": info.ChannelType,
			"channel_id":   info.ChannelID,
			"status":       string(info.Status),
			"last_error":   info.LastError,
		})
	}
	c.Send(wire.Frame{Type: wire.TypeAgentData, ID: f.ID, Data: map[string]any{
		"agent":    map[string]any{"model": d.config.Agent.Model, "name": d.config.Name},
		"channels": channels,
	}})
}

// --- HTTP surface ---

// serveHTTP runs the gateway's HTTP endpoints (websocket upgrade, health,
// memory recall) until ctx is cancelled.
func (d *Daemon) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", d.handleWS)
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/recall", d.handleRecall)
	mux.HandleFunc("/v1/sessions/scope", d.handleSetScope)

	srv := &http.Server{Addr: d.config.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway listening", "addr", d.config.ListenAddr,
		"endpoints", []string{"/ws", "/health", "/v1/recall", "/v1/sessions/scope"})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if d.healthy.Load() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s","clients":%d}`,
			time.Since(d.startedAt).Round(time.Second), d.clientCount())
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleRecall serves semantic recall over stored messages. Degrades to
// 503 when the embedding store is not configured.
func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}
	if d.memoryStore == nil || d.embedder == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"semantic recall not configured"}`)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required parameter: q"}`)
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	embedding, err := d.embedder.EmbedOne(r.Context(), query, memory.PrefixQuery)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	results, err := d.memoryStore.Search(r.Context(), embedding, limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	fmt.Fprint(w, `{"results":[`)
	for i, res := range results {
		if i > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, `{"message_id":%d,"distance":%g}`, res.MessageID, res.Distance)
	}
	fmt.Fprintf(w, `],"count":%d}`, len(results))
}

// handleSetScope configures the visibility scope of a conversation.
func (d *Daemon) handleSetScope(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}
	if d.messages == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"no conversation store configured"}`)
		return
	}

	var body struct {
		ChannelType string         `json:"channel_type"`
		ChannelID   string         `json:"channel_id"`
		Scope       string         `json:"scope"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	if body.ChannelType == "" || body.ChannelID == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"channel_type and channel_id are required"}`)
		return
	}

	if err := d.messages.SetConversationScope(r.Context(), body.ChannelType, body.ChannelID, body.Scope, body.Metadata); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	fmt.Fprintf(w, `{"scope":%q}`, scope.Normalize(body.Scope))
}

func (d *Daemon) clientCount() int {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	return len(d.clients)
}

// unknownFrameCount reports how many unknown-type frames were ignored.
func (d *Daemon) unknownFrameCount() int64 {
	return d.unknownFrames.Load()
}
