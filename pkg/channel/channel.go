// Package channel defines the canonical message model and the adapter
// interface every external chat network implements. One adapter instance
// owns one network connection; the router above consumes the canonical
// shape and never sees network-specific payloads.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AttachmentKind classifies media by payload shape, not file extension.
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
	AttachmentSticker  AttachmentKind = "sticker"
)

// Attachment is a single media item on a canonical message.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url,omitempty"`
	Path     string         `json:"path,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Filename string         `json:"filename,omitempty"`
}

// Message is the canonical inbound/outbound unit. Never mutated after
// creation.
type Message struct {
	ChannelID   string            `json:"channel_id"`
	ChannelType string            `json:"channel_type"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Status is the adapter connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// StatusInfo is the externally visible adapter state. LastError carries the
// originating component's message; there is no generic failure string.
type StatusInfo struct {
	ChannelType string     `json:"channel_type"`
	ChannelID   string     `json:"channel_id"`
	Status      Status     `json:"status"`
	DisplayName string     `json:"display_name,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Handlers are the callbacks an adapter invokes. Single subscriber per
// callback by contract: the router owns all four, installed once at Connect.
type Handlers struct {
	// OnMessage receives normal inbound messages.
	OnMessage func(Message)
	// OnSelfMessage receives messages the account itself sent (relayed
	// sends). They are recorded as outbound history and never enter the
	// inbound pipeline.
	OnSelfMessage func(Message)
	// OnStatusChange fires on every connection-level state transition.
	OnStatusChange func(StatusInfo)
	// OnQRCode fires for networks that pair interactively. The argument is
	// a data URL suitable for direct rendering.
	OnQRCode func(dataURL string)
}

// Adapter is one external chat network normalized into the canonical model.
type Adapter interface {
	// Type returns the channel type identifier (e.g. "whatsapp").
	Type() string

	// Connect establishes the network connection and installs handlers.
	// It returns once the connection attempt is underway; progress is
	// reported through OnStatusChange.
	Connect(ctx context.Context, h Handlers) error

	// Disconnect tears the connection down for good. No reconnect follows.
	Disconnect() error

	// Send delivers content to a destination in the network's own address
	// form. Fails fast when not connected or when the destination
	// normalizes to nothing.
	Send(ctx context.Context, to, content string) error

	// Status returns the current externally visible state.
	Status() StatusInfo
}

// Errors adapters return from Send. Callers branch on these; everything
// else is a transport error.
var (
	ErrNotConnected = errors.New("channel not connected")
	ErrEmptyAddress = errors.New("destination address is empty after normalization")
)

// Constructor builds an adapter from its config section.
type Constructor func(cfg Config) (Adapter, error)

// Config is the per-channel configuration block.
type Config struct {
	ChannelID string            `json:"channel_id"`
	AuthDir   string            `json:"auth_dir,omitempty"`
	BridgeURL string            `json:"bridge_url,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// Registry maps channel types to adapter constructors. Adapters register
// by type; dispatch is by lookup, never by inheritance.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor for a channel type.
func (r *Registry) Register(channelType string, c Constructor) error {
	if channelType == "" {
		return fmt.Errorf("channel type is empty")
	}
	if c == nil {
		return fmt.Errorf("constructor for %q is nil", channelType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[channelType]; exists {
		return fmt.Errorf("channel type already registered: %s", channelType)
	}
	r.constructors[channelType] = c
	return nil
}

// New builds an adapter instance for the given type.
func (r *Registry) New(channelType string, cfg Config) (Adapter, error) {
	r.mu.RLock()
	c, ok := r.constructors[channelType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown channel type: %s", channelType)
	}
	return c(cfg)
}

// Types returns the registered channel types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
