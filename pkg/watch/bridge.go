package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotReachable is returned when a realtime command is sent while the
// watch link is down. User-actionable: reported immediately, never retried.
var ErrNotReachable = errors.New("watch is not reachable")

// Link is the point-to-point device connection the bridge delivers over.
// The transport itself is an external collaborator; the bridge only cares
// about reachability, synchronous delivery with a reply, and a best-effort
// deferred side channel.
type Link interface {
	// Reachable reports whether the watch can receive a synchronous send
	// right now.
	Reachable() bool

	// Send delivers a payload while reachable. reply is invoked with the
	// watch's response payload, if any.
	Send(ctx context.Context, payload map[string]string, reply func(map[string]string)) error

	// QueueDeferred hands a payload to the eventually-delivered side
	// channel. Best effort; delivery may happen much later.
	QueueDeferred(payload map[string]string) error
}

// Recorder logs the commands the bridge delivered or queued. Satisfied by
// the interaction history store.
type Recorder interface {
	RecordWatchCommand(command string) error
}

// Bridge mirrors voice-session state to the watch and relays its commands.
// Holds a 1-deep status model: a later snapshot fully replaces the
// previous one.
type Bridge struct {
	link     Link
	recorder Recorder

	mu         sync.Mutex
	lastStatus *StatusSnapshot
	lastError  string
}

// NewBridge creates a bridge over the given link.
func NewBridge(link Link) *Bridge {
	return &Bridge{link: link}
}

// SetRecorder installs an audit log for relayed commands. Optional.
func (b *Bridge) SetRecorder(r Recorder) {
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

// OnActivate is called when the link (re)activates. The bridge immediately
// requests a status snapshot so the watch UI is never silently stale after
// a reconnect.
func (b *Bridge) OnActivate(ctx context.Context) {
	if err := b.Send(ctx, CommandRequestStatus); err != nil {
		slog.Warn("watch status request on activation failed", "error", err)
	}
}

// Send delivers a command to the watch. Delivery is reachability-gated:
// reachable sends go synchronously with a reply handler that applies the
// returned snapshot; while unreachable, only deferrable commands are
// queued, and everything else fails immediately with ErrNotReachable.
func (b *Bridge) Send(ctx context.Context, cmd Command) error {
	if !cmd.Valid() {
		return fmt.Errorf("invalid watch command: %q", cmd)
	}
	payload := EncodeCommand(cmd)

	if b.link.Reachable() {
		err := b.link.Send(ctx, payload, b.applyReply)
		if err != nil {
			b.setError(fmt.Sprintf("watch send failed: %v", err))
			return fmt.Errorf("watch send %s: %w", cmd, err)
		}
		b.record(cmd)
		return nil
	}

	if cmd.Deferrable() {
		if err := b.link.QueueDeferred(payload); err != nil {
			slog.Warn("deferred watch command not queued", "command", cmd, "error", err)
			return fmt.Errorf("queue deferred %s: %w", cmd, err)
		}
		slog.Debug("watch command deferred", "command", cmd)
		b.record(cmd)
		return nil
	}

	b.setError("watch is not reachable")
	return fmt.Errorf("send %s: %w", cmd, ErrNotReachable)
}

// applyReply parses a reply payload as a status snapshot and applies it.
// Malformed or partial snapshots are ignored outright; the prior snapshot
// stays in place.
func (b *Bridge) applyReply(payload map[string]string) {
	snapshot, err := ParseStatus(payload)
	if err != nil {
		slog.Debug("dropping malformed watch status", "error", err)
		return
	}
	b.ApplyStatus(snapshot)
}

// ApplyStatus installs a valid snapshot. The snapshot fully replaces the
// previous one, and the bridge error mirrors the snapshot's own error
// field, clearing any prior error when the new snapshot carries none.
func (b *Bridge) ApplyStatus(s StatusSnapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	b.mu.Lock()
	b.lastStatus = &s
	b.lastError = s.ErrorMessage
	b.mu.Unlock()
}

// LastStatus returns the most recent applied snapshot, or nil before any
// snapshot has arrived.
func (b *Bridge) LastStatus() *StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStatus == nil {
		return nil
	}
	s := *b.lastStatus
	return &s
}

// LastError returns the current user-facing error string, empty when none.
func (b *Bridge) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// record writes a delivered or queued command to the audit log. Failures
// never affect delivery.
func (b *Bridge) record(cmd Command) {
	b.mu.Lock()
	r := b.recorder
	b.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.RecordWatchCommand(string(cmd)); err != nil {
		slog.Warn("watch command not recorded", "command", cmd, "error", err)
	}
}

func (b *Bridge) setError(msg string) {
	b.mu.Lock()
	b.lastError = msg
	b.mu.Unlock()
}
