// Package whatsapp implements the WhatsApp channel adapter. It speaks
// newline-delimited JSON to a pairing bridge process over a unix or tcp
// socket; the bridge owns the WhatsApp session and QR pairing, the adapter
// owns normalization and the connection state machine.
package whatsapp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/joi-labs/joi/pkg/backoff"
	"github.com/joi-labs/joi/pkg/channel"
)

const (
	// ChannelType is the registry key for this adapter.
	ChannelType = "whatsapp"

	// jidSuffix is the network address suffix for direct chats.
	jidSuffix = "@s.whatsapp.net"

	readBufferSize = 64 * 1024
)

// Adapter is the WhatsApp channel instance.
type Adapter struct {
	cfg      channel.Config
	handlers channel.Handlers
	policy   backoff.Policy

	mu          sync.Mutex
	conn        net.Conn
	status      channel.Status
	lastError   string
	displayName string
	connectedAt *time.Time
	closed      bool // explicit Disconnect: no reconnect follows

	cancel context.CancelFunc
}

// New creates a WhatsApp adapter. Registered in the channel registry under
// ChannelType.
func New(cfg channel.Config) (channel.Adapter, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridge_url is required")
	}
	return &Adapter{
		cfg:    cfg,
		policy: backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2},
		status: channel.StatusDisconnected,
	}, nil
}

// Type returns the channel type identifier.
func (a *Adapter) Type() string { return ChannelType }

// Connect dials the bridge and starts the read loop. Connection progress
// is reported through OnStatusChange; a failed initial dial is retried by
// the reconnect loop rather than failing Connect.
func (a *Adapter) Connect(ctx context.Context, h channel.Handlers) error {
	a.mu.Lock()
	a.handlers = h
	a.closed = false
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.setStatus(channel.StatusConnecting, "")

	conn, err := a.dial()
	if err != nil {
		slog.Warn("whatsapp bridge dial failed, will retry", "error", err)
		go a.reconnectLoop(runCtx)
		return nil
	}
	a.installConn(conn)
	go a.listen(runCtx, conn)
	return nil
}

// Disconnect tears the connection down for good.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	a.setStatus(channel.StatusDisconnected, "")
	return nil
}

// Send delivers a text message. The destination is normalized into the
// network address form (digits plus suffix); an empty result or a
// disconnected adapter fails fast with a typed error. Transient write
// failures are returned but do not change adapter status.
func (a *Adapter) Send(ctx context.Context, to, content string) error {
	jid, err := normalizeJID(to)
	if err != nil {
		return err
	}

	a.mu.Lock()
	conn := a.conn
	connected := a.status == channel.StatusConnected
	a.mu.Unlock()

	if !connected || conn == nil {
		return channel.ErrNotConnected
	}

	data, err := json.Marshal(bridgeSend{Type: "send", To: jid, Content: content})
	if err != nil {
		return fmt.Errorf("whatsapp: encode send: %w", err)
	}
	data = append(data, '\n')

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(data); err != nil {
		slog.Warn("whatsapp send failed", "to", jid, "error", err)
		return fmt.Errorf("whatsapp: send to %s: %w", jid, err)
	}
	slog.Debug("whatsapp message sent", "to", jid, "len", len(content))
	return nil
}

// Status returns the current externally visible state.
func (a *Adapter) Status() channel.StatusInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channel.StatusInfo{
		ChannelType: ChannelType,
		ChannelID:   a.cfg.ChannelID,
		Status:      a.status,
		DisplayName: a.displayName,
		LastError:   a.lastError,
		ConnectedAt: a.connectedAt,
	}
}

// --- Connection management ---

func (a *Adapter) dial() (net.Conn, error) {
	network, address := parseBridgeURL(a.cfg.BridgeURL)
	conn, err := net.DialTimeout(network, address, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", a.cfg.BridgeURL, err)
	}
	return conn, nil
}

func (a *Adapter) installConn(conn net.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

// reconnectLoop retries the bridge connection with backoff. A dial attempt
// failing moves the adapter to error status; the error path re-triggers
// the next attempt rather than terminating.
func (a *Adapter) reconnectLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		delay := a.policy.Delay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}

		a.setStatus(channel.StatusConnecting, "")
		conn, err := a.dial()
		if err != nil {
			slog.Warn("whatsapp reconnect failed",
				"attempt", attempt,
				"backoff", a.policy.Delay(attempt+1),
				"error", err,
			)
			a.setStatus(channel.StatusError, err.Error())
			continue
		}

		a.installConn(conn)
		go a.listen(ctx, conn)
		return
	}
}

// listen reads bridge events until the connection drops. A dropped
// connection is a recoverable disconnect: status goes back to connecting
// and the reconnect loop takes over, unless Disconnect was explicit or the
// bridge reported an unrecoverable reason.
func (a *Adapter) listen(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, readBufferSize), readBufferSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var evt bridgeEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			slog.Debug("dropping malformed bridge event", "error", err)
			continue
		}
		if final := a.handleEvent(evt); final {
			conn.Close()
			return
		}
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("whatsapp bridge read error", "error", err)
	} else {
		slog.Warn("whatsapp bridge connection closed")
	}
	a.setStatus(channel.StatusConnecting, "")
	go a.reconnectLoop(ctx)
}

// handleEvent processes one bridge event. Returns true when the event ends
// the session for good.
func (a *Adapter) handleEvent(evt bridgeEvent) (final bool) {
	switch evt.Type {
	case "message":
		if evt.Message != nil {
			a.handleMessage(*evt.Message)
		}

	case "qr":
		a.mu.Lock()
		onQR := a.handlers.OnQRCode
		a.mu.Unlock()
		if onQR != nil && evt.QRDataURL != "" {
			onQR(evt.QRDataURL)
		}

	case "status":
		if evt.Connected {
			now := time.Now()
			a.mu.Lock()
			a.displayName = evt.PushName
			a.connectedAt = &now
			a.mu.Unlock()
			a.setStatus(channel.StatusConnected, "")
			slog.Info("whatsapp connected", "jid", evt.JID, "name", evt.PushName)
		}

	case "disconnected":
		if unrecoverableReason(evt.Reason) {
			slog.Warn("whatsapp session ended", "reason", evt.Reason)
			a.mu.Lock()
			a.closed = true
			a.conn = nil
			a.mu.Unlock()
			a.setStatus(channel.StatusDisconnected, fmt.Sprintf("session ended: %s", evt.Reason))
			return true
		}
		slog.Warn("whatsapp disconnected, reconnecting", "reason", evt.Reason)
		a.setStatus(channel.StatusConnecting, "")

	default:
		slog.Debug("ignoring unknown bridge event", "type", evt.Type)
	}
	return false
}

// handleMessage translates a bridge message into the canonical model.
// Self-sent messages go to the side channel; messages with neither text
// nor attachments are dropped here and never forwarded.
func (a *Adapter) handleMessage(bm bridgeMessage) {
	attachments := classifyMedia(bm.Media)
	if bm.Text == "" && len(attachments) == 0 {
		return
	}

	msg := channel.Message{
		ChannelID:   a.cfg.ChannelID,
		ChannelType: ChannelType,
		SenderID:    bm.From,
		SenderName:  bm.PushName,
		Content:     bm.Text,
		Timestamp:   time.UnixMilli(bm.Timestamp),
		Attachments: attachments,
		Metadata: map[string]string{
			"chat":       bm.Chat,
			"message_id": bm.ID,
		},
	}

	a.mu.Lock()
	onMessage := a.handlers.OnMessage
	onSelf := a.handlers.OnSelfMessage
	a.mu.Unlock()

	if bm.FromMe {
		if onSelf != nil {
			onSelf(msg)
		}
		return
	}
	if onMessage != nil {
		onMessage(msg)
	}
}

// setStatus updates the state machine and notifies the status subscriber.
func (a *Adapter) setStatus(status channel.Status, lastError string) {
	a.mu.Lock()
	changed := a.status != status || a.lastError != lastError
	a.status = status
	a.lastError = lastError
	if status != channel.StatusConnected {
		a.connectedAt = nil
	}
	onStatus := a.handlers.OnStatusChange
	info := channel.StatusInfo{
		ChannelType: ChannelType,
		ChannelID:   a.cfg.ChannelID,
		Status:      a.status,
		DisplayName: a.displayName,
		LastError:   a.lastError,
		ConnectedAt: a.connectedAt,
	}
	a.mu.Unlock()

	if changed && onStatus != nil {
		onStatus(info)
	}
}

// --- Helpers ---

// classifyMedia maps bridge media payloads to canonical attachments by
// payload shape, not file extension.
func classifyMedia(media []bridgeMedia) []channel.Attachment {
	var attachments []channel.Attachment
	for _, m := range media {
		switch {
		case m.Image != nil:
			attachments = append(attachments, attachment(channel.AttachmentPhoto, *m.Image, ""))
		case m.Video != nil:
			attachments = append(attachments, attachment(channel.AttachmentVideo, *m.Video, ""))
		case m.Audio != nil:
			kind := channel.AttachmentAudio
			if m.Audio.PTT {
				kind = channel.AttachmentVoice
			}
			attachments = append(attachments, attachment(kind, m.Audio.mediaRef, ""))
		case m.Document != nil:
			attachments = append(attachments, attachment(channel.AttachmentDocument, m.Document.mediaRef, m.Document.Filename))
		case m.Sticker != nil:
			attachments = append(attachments, attachment(channel.AttachmentSticker, *m.Sticker, ""))
		}
	}
	return attachments
}

func attachment(kind channel.AttachmentKind, ref mediaRef, filename string) channel.Attachment {
	return channel.Attachment{
		Kind:     kind,
		URL:      ref.URL,
		Path:     ref.Path,
		MimeType: ref.Mimetype,
		Filename: filename,
	}
}

// normalizeJID reduces a destination to its digits and appends the network
// suffix. Already-suffixed destinations pass through with their user part
// normalized.
func normalizeJID(to string) (string, error) {
	user := to
	if i := strings.Index(to, "@"); i >= 0 {
		user = to[:i]
	}
	var digits strings.Builder
	for _, r := range user {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return "", channel.ErrEmptyAddress
	}
	return digits.String() + jidSuffix, nil
}

// parseBridgeURL splits a bridge URL into dial network and address.
// unix:///path, tcp://host:port, and bare host:port are accepted.
func parseBridgeURL(url string) (network, address string) {
	switch {
	case strings.HasPrefix(url, "unix://"):
		return "unix", strings.TrimPrefix(url, "unix://")
	case strings.HasPrefix(url, "tcp://"):
		return "tcp", strings.TrimPrefix(url, "tcp://")
	default:
		return "tcp", url
	}
}
