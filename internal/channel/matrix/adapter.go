// Package matrix implements the Matrix channel adapter on mautrix-go.
// Matrix needs no pairing bridge: the adapter logs in directly and runs
// the sync loop inside the gateway process.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/joi-labs/joi/pkg/backoff"
	"github.com/joi-labs/joi/pkg/channel"
)

// ChannelType is the registry key for this adapter.
const ChannelType = "matrix"

// Required option keys in the channel config.
const (
	optHomeserver = "homeserver"
	optUserID     = "user_id"
	optPassword   = "password"
	optServerName = "server_name"
	optAllowed    = "allowed_users" // comma-separated
)

// Adapter is the Matrix channel instance.
type Adapter struct {
	cfg      channel.Config
	handlers channel.Handlers
	policy   backoff.Policy

	mu          sync.Mutex
	client      *mautrix.Client
	status      channel.Status
	lastError   string
	connectedAt *time.Time
	closed      bool
	cancel      context.CancelFunc

	startTime int64
	credFile  string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix adapter from its channel config.
func New(cfg channel.Config) (channel.Adapter, error) {
	if cfg.Options[optHomeserver] == "" || cfg.Options[optUserID] == "" {
		return nil, fmt.Errorf("matrix: homeserver and user_id options are required")
	}
	return &Adapter{
		cfg:      cfg,
		policy:   backoff.Default(),
		status:   channel.StatusDisconnected,
		credFile: filepath.Join(cfg.AuthDir, "matrix_credentials.json"),
	}, nil
}

// Type returns the channel type identifier.
func (a *Adapter) Type() string { return ChannelType }

// Connect logs into Matrix and starts the sync loop in the background.
func (a *Adapter) Connect(ctx context.Context, h channel.Handlers) error {
	a.mu.Lock()
	a.handlers = h
	a.closed = false
	a.mu.Unlock()
	a.startTime = time.Now().UnixMilli()

	if a.cfg.AuthDir != "" {
		os.MkdirAll(a.cfg.AuthDir, 0o755)
	}

	fullUserID := fmt.Sprintf("@%s:%s", a.cfg.Options[optUserID], a.cfg.Options[optServerName])
	client, err := mautrix.NewClient(a.cfg.Options[optHomeserver], id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("matrix: create client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.setStatus(channel.StatusConnecting, "")

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		a.onMessage(evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		a.onMemberEvent(ctx, evt)
	})

	go a.run(runCtx, fullUserID)
	return nil
}

// run logs in and keeps the sync loop alive until explicit disconnect.
func (a *Adapter) run(ctx context.Context, fullUserID string) {
	if err := a.loginWithRetry(ctx, fullUserID); err != nil {
		slog.Error("matrix login failed permanently", "error", err)
		a.setStatus(channel.StatusDisconnected, err.Error())
		return
	}

	now := time.Now()
	a.mu.Lock()
	a.connectedAt = &now
	a.mu.Unlock()
	a.setStatus(channel.StatusConnected, "")
	slog.Info("matrix adapter syncing", "user", fullUserID)

	for attempt := 1; ; attempt++ {
		err := a.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			delay := a.policy.Delay(attempt)
			slog.Warn("matrix sync error, reconnecting", "backoff", delay, "error", err)
			a.setStatus(channel.StatusConnecting, "")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 1
		a.setStatus(channel.StatusConnected, "")
	}
}

// loginWithRetry tries saved credentials first, then password login with
// the shared backoff schedule. Authentication rejections are unrecoverable
// and never retried.
func (a *Adapter) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := a.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	const maxAttempts = 10
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := a.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: a.cfg.Options[optUserID],
			},
			Password:         a.cfg.Options[optPassword],
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			a.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		delay := a.policy.Delay(attempt)
		slog.Warn("matrix login failed, retrying", "attempt", attempt, "backoff", delay, "error", err)
		a.setStatus(channel.StatusError, err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		a.setStatus(channel.StatusConnecting, "")
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

// Disconnect stops the sync loop for good.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	client := a.client
	a.mu.Unlock()

	if client != nil {
		client.StopSync()
	}
	a.setStatus(channel.StatusDisconnected, "")
	return nil
}

// Send delivers text to a Matrix room, splitting long messages. Transient
// send failures are returned but do not change adapter status.
func (a *Adapter) Send(ctx context.Context, to, content string) error {
	const maxLen = 4000

	if strings.TrimSpace(to) == "" {
		return channel.ErrEmptyAddress
	}

	a.mu.Lock()
	connected := a.status == channel.StatusConnected
	client := a.client
	a.mu.Unlock()
	if !connected || client == nil {
		return channel.ErrNotConnected
	}

	roomID := id.RoomID(to)
	if len(content) <= maxLen {
		if _, err := client.SendText(ctx, roomID, content); err != nil {
			slog.Warn("matrix send failed", "room", roomID, "error", err)
			return fmt.Errorf("matrix: send to %s: %w", roomID, err)
		}
		return nil
	}

	chunks := splitMessage(content, maxLen)
	for i, chunk := range chunks {
		prefix := fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		if _, err := client.SendText(ctx, roomID, prefix+chunk); err != nil {
			slog.Warn("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return fmt.Errorf("matrix: send chunk %d to %s: %w", i+1, roomID, err)
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
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
		LastError:   a.lastError,
		ConnectedAt: a.connectedAt,
	}
}

// --- Event handlers ---

func (a *Adapter) onMessage(evt *event.Event) {
	// Skip messages from before the adapter started.
	if evt.Timestamp < a.startTime {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" {
		return
	}

	msg := channel.Message{
		ChannelID:   a.cfg.ChannelID,
		ChannelType: ChannelType,
		SenderID:    string(evt.Sender),
		Content:     msgContent.Body,
		Timestamp:   time.UnixMilli(evt.Timestamp),
		Metadata: map[string]string{
			"room":     string(evt.RoomID),
			"event_id": string(evt.ID),
		},
	}

	a.mu.Lock()
	onMessage := a.handlers.OnMessage
	onSelf := a.handlers.OnSelfMessage
	own := a.client != nil && evt.Sender == a.client.UserID
	allowed := a.isAllowed(evt.Sender)
	a.mu.Unlock()

	if own {
		if onSelf != nil {
			onSelf(msg)
		}
		return
	}
	if !allowed {
		return
	}
	if onMessage != nil {
		onMessage(msg)
	}
}

func (a *Adapter) onMemberEvent(ctx context.Context, evt *event.Event) {
	if a.client == nil || evt.GetStateKey() != string(a.client.UserID) {
		return
	}
	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}
	if !a.isAllowed(evt.Sender) {
		slog.Warn("rejecting matrix invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting matrix room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := a.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Warn("failed to join matrix room", "room", evt.RoomID, "error", err)
	}
}

// --- Credentials ---

func (a *Adapter) loadCredentials() error {
	data, err := os.ReadFile(a.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	a.client.AccessToken = creds.AccessToken
	a.client.UserID = id.UserID(creds.UserID)
	a.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (a *Adapter) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	os.WriteFile(a.credFile, data, 0o600)
}

// --- Helpers ---

func (a *Adapter) isAllowed(sender id.UserID) bool {
	raw := a.cfg.Options[optAllowed]
	if strings.TrimSpace(raw) == "" {
		return true // no restriction
	}
	for _, allowed := range strings.Split(raw, ",") {
		if string(sender) == strings.TrimSpace(allowed) {
			return true
		}
	}
	return false
}

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
		LastError:   a.lastError,
		ConnectedAt: a.connectedAt,
	}
	a.mu.Unlock()

	if changed && onStatus != nil {
		onStatus(info)
	}
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		chunks = append(chunks, s[:maxLen])
		s = s[maxLen:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
