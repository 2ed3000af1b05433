// Package gateway implements the JOI gateway daemon: the frame protocol
// engine facing client apps, the channel adapters facing external chat
// networks, and the storage behind both.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joi-labs/joi/internal/channel/matrix"
	"github.com/joi-labs/joi/internal/channel/whatsapp"
	"github.com/joi-labs/joi/internal/llm"
	"github.com/joi-labs/joi/pkg/channel"
	"github.com/joi-labs/joi/pkg/history"
	"github.com/joi-labs/joi/pkg/memory"
	"github.com/joi-labs/joi/pkg/store"
	"github.com/joi-labs/joi/pkg/wire"
)

// maxHistoryPerSession caps conversation history kept per session.
const maxHistoryPerSession = 100

// Daemon is the gateway process.
type Daemon struct {
	config   *Config
	guard    *store.Guard
	messages *store.MessageStore
	registry *channel.Registry
	adapters map[string]channel.Adapter

	responder   llm.Responder
	interaction *history.Store
	memoryStore *memory.Store
	embedder    *memory.EmbedClient

	// Frame protocol clients
	clientsMu     sync.Mutex
	clients       map[*clientConn]struct{}
	nextClientID  atomic.Int64
	unknownFrames atomic.Int64

	// Conversation memory per client session
	historyMu sync.Mutex
	history   map[string][]llm.Message

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a gateway daemon from config.
func New(cfg *Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	d := &Daemon{
		config:    cfg,
		registry:  channel.NewRegistry(),
		adapters:  make(map[string]channel.Adapter),
		clients:   make(map[*clientConn]struct{}),
		history:   make(map[string][]llm.Message),
		startedAt: time.Now(),
	}

	if err := d.registry.Register(whatsapp.ChannelType, whatsapp.New); err != nil {
		return nil, fmt.Errorf("register whatsapp adapter: %w", err)
	}
	if err := d.registry.Register(matrix.ChannelType, matrix.New); err != nil {
		return nil, fmt.Errorf("register matrix adapter: %w", err)
	}

	if cfg.PostgresURL != "" {
		d.guard = store.NewGuard(cfg.PostgresURL)
		d.messages = store.NewMessageStore(d.guard)
	} else {
		slog.Warn("no postgres configured; conversations will not be persisted")
	}

	if cfg.Agent.APIKey != "" {
		d.responder = llm.NewAnthropic(cfg.Agent.APIKey, cfg.Agent.Model)
		slog.Info("agent responder configured", "model", cfg.Agent.Model)
	} else {
		slog.Warn("no agent API key configured; chat will be unavailable")
	}

	if cfg.HistoryDir != "" {
		h, err := history.Open(cfg.HistoryDir)
		if err != nil {
			slog.Warn("interaction history unavailable", "error", err)
		} else {
			d.interaction = h
		}
	}

	if cfg.Memory.Enabled && cfg.Memory.EmbedderURL != "" && d.guard != nil {
		d.guard.SetAfterConnect(memory.RegisterTypes)
		d.memoryStore = memory.NewStore(d.guard)
		d.embedder = memory.NewEmbedClient(cfg.Memory.EmbedderURL)
		slog.Info("semantic recall configured", "embedder", cfg.Memory.EmbedderURL)
	}

	// Build adapters from config; a bad channel config disables that
	// channel only, never the rest of the gateway.
	for _, entry := range cfg.Channels {
		adapter, err := d.registry.New(entry.Type, channel.Config{
			ChannelID: entry.ChannelID,
			AuthDir:   entry.AuthDir,
			BridgeURL: entry.BridgeURL,
			Options:   entry.Options,
		})
		if err != nil {
			slog.Error("channel configuration invalid, skipping", "type", entry.Type, "error", err)
			continue
		}
		d.adapters[entry.Type+":"+entry.ChannelID] = adapter
	}

	return d, nil
}

// Run starts the gateway: storage init, channel adapters, and the client
// protocol server. Blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.messages != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.messages.Init(initCtx); err != nil {
			slog.Warn("message store init failed; queries will retry lazily", "error", err)
		}
		cancel()
	}
	if d.memoryStore != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := d.memoryStore.Init(initCtx); err != nil {
			slog.Warn("embedding store init failed; recall disabled", "error", err)
			d.memoryStore = nil
		}
		cancel()
	}

	for key, adapter := range d.adapters {
		if err := adapter.Connect(ctx, d.channelHandlers(adapter)); err != nil {
			slog.Error("channel connect failed", "channel", key, "error", err)
			continue
		}
		slog.Info("channel adapter started", "channel", key)
	}

	d.healthy.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := d.serveHTTP(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.shutdown()
		return fmt.Errorf("gateway server: %w", err)
	}

	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	d.healthy.Store(false)

	d.clientsMu.Lock()
	clients := make([]*clientConn, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.clientsMu.Unlock()
	for _, c := range clients {
		c.close()
	}

	for key, adapter := range d.adapters {
		if err := adapter.Disconnect(); err != nil {
			slog.Warn("adapter disconnect failed", "channel", key, "error", err)
		}
	}
	if d.interaction != nil {
		d.interaction.Close()
	}
	if d.guard != nil {
		d.guard.Close()
	}
	slog.Info("gateway shut down")
}

// channelHandlers wires one adapter's callbacks into the gateway router.
func (d *Daemon) channelHandlers(adapter channel.Adapter) channel.Handlers {
	return channel.Handlers{
		OnMessage: func(msg channel.Message) {
			d.onChannelMessage(msg)
		},
		OnSelfMessage: func(msg channel.Message) {
			// Relayed sends are outbound interaction history only; they
			// never enter the inbound pipeline or reach the agent.
			if d.interaction != nil {
				if err := d.interaction.RecordSelfMessage(msg.ChannelType, msg.ChannelID, msg.Content); err != nil {
					slog.Warn("failed to record self message", "error", err)
				}
			}
			d.persistMessage(msg, true)
		},
		OnStatusChange: func(info channel.StatusInfo) {
			slog.Info("channel status",
				"channel", info.ChannelType,
				"status", string(info.Status),
				"error", info.LastError,
			)
			d.broadcast(wire.Frame{Type: wire.TypeStatus, Data: map[string]any{
				"channel_type": info.ChannelType,
				"channel_id":   info.ChannelID,
				"status":       string(info.Status),
				"last_error":   info.LastError,
			}})
		},
		OnQRCode: func(dataURL string) {
			d.broadcast(wire.Frame{Type: wire.TypeStatus, Data: map[string]any{
				"channel_type": adapter.Type(),
				"qr":           dataURL,
			}})
		},
	}
}

// onChannelMessage routes one inbound channel message: persist, run the
// agent, reply on the same channel. Each adapter delivers in network
// order; messages across adapters are independent.
func (d *Daemon) onChannelMessage(msg channel.Message) {
	slog.Info("channel message received",
		"channel", msg.ChannelType,
		"sender", msg.SenderID,
		"len", len(msg.Content),
		"attachments", len(msg.Attachments),
	)
	d.persistMessage(msg, false)

	if d.responder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session := msg.ChannelType + ":" + msg.ChannelID + ":" + msg.SenderID
	d.appendHistory(session, llm.Message{Role: "user", Content: msg.Content})

	resp, err := d.responder.Stream(ctx, llm.Request{
		System:      d.config.Agent.System,
		Messages:    d.getHistory(session),
		MaxTokens:   d.config.Agent.MaxOutput,
		Temperature: d.config.Agent.Temperature,
	}, nil)
	if err != nil {
		slog.Error("agent reply failed", "channel", msg.ChannelType, "error", err)
		return
	}
	d.appendHistory(session, llm.Message{Role: "assistant", Content: resp.Content})

	adapter := d.adapterFor(msg.ChannelType, msg.ChannelID)
	if adapter == nil {
		slog.Warn("no adapter for reply", "channel", msg.ChannelType)
		return
	}
	to := msg.Metadata["chat"]
	if to == "" {
		to = msg.Metadata["room"]
	}
	if to == "" {
		to = msg.SenderID
	}
	if err := adapter.Send(ctx, to, resp.Content); err != nil {
		slog.Error("channel reply failed", "channel", msg.ChannelType, "to", to, "error", err)
	}
}

// persistMessage upserts a canonical message. Replays are harmless;
// delivery from the networks is at-least-once.
func (d *Daemon) persistMessage(msg channel.Message, outbound bool) {
	if d.messages == nil {
		return
	}
	externalID := msg.Metadata["message_id"]
	if externalID == "" {
		externalID = msg.Metadata["event_id"]
	}
	if externalID == "" {
		externalID = fmt.Sprintf("%s-%d", msg.SenderID, msg.Timestamp.UnixMilli())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	messageID, err := d.messages.UpsertMessage(ctx, externalID, msg, outbound)
	if err != nil {
		slog.Warn("message persist failed", "channel", msg.ChannelType, "error", err)
		return
	}
	if d.embedder != nil && d.memoryStore != nil && msg.Content != "" {
		go d.embedMessage(messageID, msg.Content)
	}
}

// embedMessage stores the embedding for one persisted message. Best
// effort; recall simply misses messages whose embedding failed.
func (d *Daemon) embedMessage(messageID int64, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vec, err := d.embedder.EmbedOne(ctx, content, memory.PrefixDocument)
	if err != nil {
		slog.Debug("message embedding failed", "message_id", messageID, "error", err)
		return
	}
	if err := d.memoryStore.Insert(ctx, messageID, vec); err != nil {
		slog.Warn("embedding insert failed", "message_id", messageID, "error", err)
	}
}

func (d *Daemon) adapterFor(channelType, channelID string) channel.Adapter {
	if a, ok := d.adapters[channelType+":"+channelID]; ok {
		return a
	}
	for _, a := range d.adapters {
		if a.Type() == channelType {
			return a
		}
	}
	return nil
}

// --- Conversation history ---

func (d *Daemon) appendHistory(session string, msg llm.Message) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.history[session] = append(d.history[session], msg)
	if len(d.history[session]) > maxHistoryPerSession {
		d.history[session] = d.history[session][len(d.history[session])-maxHistoryPerSession:]
	}
}

func (d *Daemon) getHistory(session string) []llm.Message {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	msgs := make([]llm.Message, len(d.history[session]))
	copy(msgs, d.history[session])
	return msgs
}
