package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joi-labs/joi/internal/llm"
	"github.com/joi-labs/joi/pkg/memory"
	"github.com/joi-labs/joi/pkg/store"
	"github.com/joi-labs/joi/pkg/wire"
)

// scriptedResponder replays a fixed delta sequence.
type scriptedResponder struct {
	chunks []string
	err    error
}

func (r *scriptedResponder) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	var full string
	for _, c := range r.chunks {
		if onDelta != nil {
			onDelta(c)
		}
		full += c
	}
	return &llm.Response{Content: full, Model: "test-model", StopReason: "end_turn"}, nil
}

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(&Config{Name: "joi", ListenAddr: ":0", Agent: AgentConfig{Model: "test-model"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func dialTestServer(t *testing.T, d *Daemon) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(d.handleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func sendRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// readFrame reads the next non-heartbeat frame.
func readFrame(t *testing.T, ws *websocket.Conn) wire.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		f, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("Decode %s: %v", raw, err)
		}
		if f.Type == wire.TypePing {
			continue
		}
		return f
	}
}

func TestChatSendStreamsToDone(t *testing.T) {
	d := testDaemon(t)
	d.responder = &scriptedResponder{chunks: []string{"Hel", "lo ", "there"}}
	ws := dialTestServer(t, d)

	sendFrame(t, ws, wire.Frame{
		Type: wire.TypeChatSend,
		ID:   "m1",
		Data: map[string]any{"content": "hi"},
	})

	assembler := NewStreamAssembler()
	for {
		f := readFrame(t, ws)
		switch f.Type {
		case wire.TypeChatDelta:
			if f.ID != "m1" {
				t.Fatalf("delta frame id = %q", f.ID)
			}
			chunk, _ := f.Data["content"].(string)
			assembler.ApplyDelta(f.ID, chunk)
			continue
		case wire.TypeChatDone:
			content, _ := f.Data["content"].(string)
			model, _ := f.Data["model"].(string)
			m := assembler.Finish(f.ID, content, model)
			if m.Content != "Hello there" {
				t.Errorf("assembled content = %q", m.Content)
			}
			if model != "test-model" {
				t.Errorf("model = %q", model)
			}
			return
		default:
			t.Fatalf("unexpected frame type %q", f.Type)
		}
	}
}

func TestChatSendWithoutResponder(t *testing.T) {
	d := testDaemon(t)
	ws := dialTestServer(t, d)

	sendFrame(t, ws, wire.Frame{Type: wire.TypeChatSend, ID: "m1", Data: map[string]any{"content": "hi"}})
	f := readFrame(t, ws)
	if f.Type != wire.TypeChatError || f.Error == "" {
		t.Errorf("frame = %+v, want chat-error", f)
	}
}

func TestChatSendResponderFailure(t *testing.T) {
	d := testDaemon(t)
	d.responder = &scriptedResponder{err: errors.New("model overloaded")}
	ws := dialTestServer(t, d)

	sendFrame(t, ws, wire.Frame{Type: wire.TypeChatSend, ID: "m1", Data: map[string]any{"content": "hi"}})
	f := readFrame(t, ws)
	if f.Type != wire.TypeChatError {
		t.Fatalf("frame type = %q, want chat-error", f.Type)
	}
	if !strings.Contains(f.Error, "model overloaded") {
		t.Errorf("Error = %q", f.Error)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	d := testDaemon(t)
	ws := dialTestServer(t, d)

	sendFrame(t, ws, wire.Frame{Type: wire.TypePing, ID: "hb-1"})
	f := readFrame(t, ws)
	if f.Type != wire.TypePong || f.ID != "hb-1" {
		t.Errorf("frame = %+v, want pong hb-1", f)
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	d := testDaemon(t)
	ws := dialTestServer(t, d)

	sendRaw(t, ws, `{"type":"chat-reaction","id":"r1"}`)
	// The connection survives and keeps dispatching
	sendFrame(t, ws, wire.Frame{Type: wire.TypePing, ID: "after"})
	f := readFrame(t, ws)
	if f.Type != wire.TypePong || f.ID != "after" {
		t.Errorf("frame = %+v, want pong after unknown type", f)
	}
	if d.unknownFrameCount() != 1 {
		t.Errorf("unknownFrameCount = %d, want 1", d.unknownFrameCount())
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	d := testDaemon(t)
	ws := dialTestServer(t, d)

	sendRaw(t, ws, `{"type":42,"data":{}}`)
	sendRaw(t, ws, `not json at all`)
	sendFrame(t, ws, wire.Frame{Type: wire.TypePing, ID: "still-alive"})
	f := readFrame(t, ws)
	if f.Type != wire.TypePong || f.ID != "still-alive" {
		t.Errorf("frame = %+v, connection should survive malformed input", f)
	}
	if d.unknownFrameCount() != 0 {
		t.Errorf("malformed frames must not count as unknown types, got %d", d.unknownFrameCount())
	}
}

func TestAgentList(t *testing.T) {
	d := testDaemon(t)
	ws := dialTestServer(t, d)

	sendFrame(t, ws, wire.Frame{Type: wire.TypeAgentList, ID: "q1"})
	f := readFrame(t, ws)
	if f.Type != wire.TypeAgentData || f.ID != "q1" {
		t.Fatalf("frame = %+v, want agent-data", f)
	}
	agent, ok := f.Data["agent"].(map[string]any)
	if !ok || agent["model"] != "test-model" {
		t.Errorf("agent = %v", f.Data["agent"])
	}
}

func TestRecallUsesQueryPrefix(t *testing.T) {
	var embedInput string
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Inputs any `json:"inputs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		embedInput, _ = body.Inputs.(string)
		json.NewEncoder(w).Encode([][]float32{{0.1, 0.2}})
	}))
	defer embedSrv.Close()

	d := testDaemon(t)
	d.embedder = memory.NewEmbedClient(embedSrv.URL)
	d.memoryStore = memory.NewStore(store.NewGuard(""))

	srv := httptest.NewServer(http.HandlerFunc(d.handleRecall))
	defer srv.Close()

	// The search itself fails (no database), but the embed request has
	// already gone out and must carry the query prefix, not the document one.
	http.Get(srv.URL + "?q=where+did+I+park")
	if !strings.HasPrefix(embedInput, memory.PrefixQuery) {
		t.Errorf("embed input = %q, want %s prefix", embedInput, memory.PrefixQuery)
	}
}

func TestBroadcastNotBlockedBySlowClient(t *testing.T) {
	d := testDaemon(t)

	slow := newClientConn("slow", nil)
	for i := 0; i < sendQueueSize; i++ {
		slow.Send(wire.Frame{Type: wire.TypeStatus})
	}
	healthy := newClientConn("healthy", nil)
	d.clientsMu.Lock()
	d.clients[slow] = struct{}{}
	d.clients[healthy] = struct{}{}
	d.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.broadcast(wire.Frame{Type: wire.TypeStatus})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a client with a full queue")
	}

	// The healthy client got the frame and the registry stayed usable
	if len(healthy.send) != 1 {
		t.Errorf("healthy client queued %d frames, want 1", len(healthy.send))
	}
	countDone := make(chan int, 1)
	go func() { countDone <- d.clientCount() }()
	select {
	case n := <-countDone:
		if n != 2 {
			t.Errorf("clientCount = %d, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("clientCount blocked behind broadcast")
	}
}

func TestSessionListWithoutStore(t *testing.T) {
	d := testDaemon(t)
	ws := dialTestServer(t, d)

	sendFrame(t, ws, wire.Frame{Type: wire.TypeSessionList, ID: "q1"})
	f := readFrame(t, ws)
	if f.Type != wire.TypeSessionData {
		t.Fatalf("frame = %+v, want empty session-data", f)
	}
	if sessions, ok := f.Data["sessions"].([]any); !ok || len(sessions) != 0 {
		t.Errorf("sessions = %v, want empty list", f.Data["sessions"])
	}
}
