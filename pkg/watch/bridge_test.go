package watch

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeLink is an in-memory device link with scriptable reachability.
type fakeLink struct {
	reachable bool
	sendErr   error
	reply     map[string]string

	sent     []map[string]string
	deferred []map[string]string
}

func (l *fakeLink) Reachable() bool { return l.reachable }

func (l *fakeLink) Send(ctx context.Context, payload map[string]string, reply func(map[string]string)) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, payload)
	if l.reply != nil && reply != nil {
		reply(l.reply)
	}
	return nil
}

func (l *fakeLink) QueueDeferred(payload map[string]string) error {
	l.deferred = append(l.deferred, payload)
	return nil
}

type fakeRecorder struct {
	commands []string
	err      error
}

func (r *fakeRecorder) RecordWatchCommand(command string) error {
	if r.err != nil {
		return r.err
	}
	r.commands = append(r.commands, command)
	return nil
}

func TestSendWhileReachable(t *testing.T) {
	link := &fakeLink{reachable: true}
	b := NewBridge(link)

	if err := b.Send(context.Background(), CommandMute); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(link.sent))
	}
	cmd, err := ParseCommand(link.sent[0])
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd != CommandMute {
		t.Errorf("sent command = %q, want mute", cmd)
	}
	if b.LastError() != "" {
		t.Errorf("LastError = %q, want empty", b.LastError())
	}
}

func TestRealtimeCommandFailsWhileUnreachable(t *testing.T) {
	link := &fakeLink{reachable: false}
	b := NewBridge(link)

	err := b.Send(context.Background(), CommandMute)
	if !errors.Is(err, ErrNotReachable) {
		t.Fatalf("Send err = %v, want ErrNotReachable", err)
	}
	if len(link.deferred) != 0 {
		t.Error("realtime command must not be queued")
	}
	if b.LastError() == "" {
		t.Error("unreachable failure should set a user-facing error")
	}
}

func TestStatusRequestDefersWhileUnreachable(t *testing.T) {
	link := &fakeLink{reachable: false}
	b := NewBridge(link)

	if err := b.Send(context.Background(), CommandRequestStatus); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(link.deferred) != 1 {
		t.Fatalf("deferred %d payloads, want 1", len(link.deferred))
	}
	if b.LastError() != "" {
		t.Errorf("deferring must not set an error, got %q", b.LastError())
	}
}

func TestOnlyStatusRequestIsDeferrable(t *testing.T) {
	for _, cmd := range []Command{
		CommandStartVoice, CommandStopVoice, CommandTapToTalk,
		CommandPressToTalkStart, CommandPressToTalkEnd,
		CommandInterrupt, CommandMute, CommandUnmute,
	} {
		if cmd.Deferrable() {
			t.Errorf("%s must not be deferrable", cmd)
		}
	}
	if !CommandRequestStatus.Deferrable() {
		t.Error("requestStatus must be deferrable")
	}
}

func TestInvalidCommandRejected(t *testing.T) {
	b := NewBridge(&fakeLink{reachable: true})
	if err := b.Send(context.Background(), Command("selfDestruct")); err == nil {
		t.Fatal("invalid command should error")
	}
}

func TestSendFailureSetsError(t *testing.T) {
	link := &fakeLink{reachable: true, sendErr: errors.New("session invalidated")}
	b := NewBridge(link)

	if err := b.Send(context.Background(), CommandStartVoice); err == nil {
		t.Fatal("expected send failure")
	}
	if b.LastError() == "" {
		t.Error("send failure should surface in LastError")
	}
}

func TestReplySnapshotApplied(t *testing.T) {
	link := &fakeLink{
		reachable: true,
		reply: EncodeStatus(StatusSnapshot{
			VoiceState: "listening",
			StatusText: "Listening...",
			Active:     true,
		}),
	}
	b := NewBridge(link)

	if err := b.Send(context.Background(), CommandRequestStatus); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s := b.LastStatus()
	if s == nil {
		t.Fatal("no snapshot applied")
	}
	if s.VoiceState != "listening" || !s.Active {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestMalformedReplyKeepsPriorSnapshot(t *testing.T) {
	link := &fakeLink{reachable: true}
	b := NewBridge(link)
	b.ApplyStatus(StatusSnapshot{VoiceState: "idle", StatusText: "Ready"})

	link.reply = map[string]string{"messageType": "status", "voiceState": "active"} // partial
	if err := b.Send(context.Background(), CommandRequestStatus); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s := b.LastStatus()
	if s == nil || s.VoiceState != "idle" {
		t.Errorf("partial snapshot must not replace prior state, got %+v", s)
	}
}

func TestSnapshotFullyReplacesAndMirrorsError(t *testing.T) {
	b := NewBridge(&fakeLink{})
	b.ApplyStatus(StatusSnapshot{
		VoiceState:         "active",
		CapturedTranscript: "earlier words",
		ErrorMessage:       "mic permission denied",
	})
	if b.LastError() != "mic permission denied" {
		t.Fatalf("LastError = %q", b.LastError())
	}

	// The next snapshot carries no transcript and no error: both must clear
	b.ApplyStatus(StatusSnapshot{VoiceState: "idle", StatusText: "Ready"})
	s := b.LastStatus()
	if s.CapturedTranscript != "" {
		t.Errorf("transcript leaked across snapshots: %q", s.CapturedTranscript)
	}
	if b.LastError() != "" {
		t.Errorf("error not cleared by clean snapshot: %q", b.LastError())
	}
}

func TestDeliveredCommandsRecorded(t *testing.T) {
	link := &fakeLink{reachable: true}
	rec := &fakeRecorder{}
	b := NewBridge(link)
	b.SetRecorder(rec)

	if err := b.Send(context.Background(), CommandMute); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(rec.commands) != 1 || rec.commands[0] != "mute" {
		t.Errorf("recorded = %v, want [mute]", rec.commands)
	}

	// Deferred queueing counts as delivery for the audit log
	link.reachable = false
	if err := b.Send(context.Background(), CommandRequestStatus); err != nil {
		t.Fatalf("Send deferred: %v", err)
	}
	if len(rec.commands) != 2 || rec.commands[1] != "requestStatus" {
		t.Errorf("recorded = %v, want requestStatus appended", rec.commands)
	}
}

func TestFailedCommandsNotRecorded(t *testing.T) {
	rec := &fakeRecorder{}

	b := NewBridge(&fakeLink{reachable: true, sendErr: errors.New("session invalidated")})
	b.SetRecorder(rec)
	b.Send(context.Background(), CommandMute)

	b2 := NewBridge(&fakeLink{reachable: false})
	b2.SetRecorder(rec)
	b2.Send(context.Background(), CommandMute)

	if len(rec.commands) != 0 {
		t.Errorf("recorded = %v, want none for failed sends", rec.commands)
	}
}

func TestRecorderFailureDoesNotFailSend(t *testing.T) {
	b := NewBridge(&fakeLink{reachable: true})
	b.SetRecorder(&fakeRecorder{err: errors.New("disk full")})

	if err := b.Send(context.Background(), CommandMute); err != nil {
		t.Errorf("Send = %v, recorder failure must not affect delivery", err)
	}
}

func TestActivationRequestsStatus(t *testing.T) {
	link := &fakeLink{reachable: true}
	b := NewBridge(link)

	b.OnActivate(context.Background())
	if len(link.sent) != 1 {
		t.Fatalf("activation sent %d payloads, want 1", len(link.sent))
	}
	cmd, err := ParseCommand(link.sent[0])
	if err != nil || cmd != CommandRequestStatus {
		t.Errorf("activation sent %v (%v), want requestStatus", cmd, err)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	in := StatusSnapshot{
		VoiceState:         "responding",
		StatusText:         "Thinking...",
		Active:             true,
		Muted:              true,
		CapturedTranscript: "what is the weather",
		ErrorMessage:       "",
		UpdatedAt:          time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	out, err := ParseStatus(EncodeStatus(in))
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestEncodeStatusOmitsEmptyOptionalFields(t *testing.T) {
	p := EncodeStatus(StatusSnapshot{VoiceState: "idle", StatusText: "Ready"})
	if _, ok := p["capturedTranscript"]; ok {
		t.Error("empty transcript should be omitted")
	}
	if _, ok := p["errorMessage"]; ok {
		t.Error("empty error should be omitted")
	}
	if p["updatedAt"] == "" {
		t.Error("updatedAt must be stamped when absent")
	}
}

func TestParseStatusRejectsMissingFields(t *testing.T) {
	full := EncodeStatus(StatusSnapshot{VoiceState: "idle", StatusText: "Ready"})
	for _, missing := range []string{"voiceState", "statusText", "isActive", "isMuted", "updatedAt"} {
		p := make(map[string]string, len(full))
		for k, v := range full {
			p[k] = v
		}
		delete(p, missing)
		if _, err := ParseStatus(p); err == nil {
			t.Errorf("ParseStatus without %s: expected error", missing)
		}
	}
}

func TestParseCommandRejectsWrongMessageType(t *testing.T) {
	if _, err := ParseCommand(map[string]string{"messageType": "status", "command": "mute"}); err == nil {
		t.Error("status payload must not parse as command")
	}
	if _, err := ParseCommand(map[string]string{"messageType": "command", "command": "warp"}); err == nil {
		t.Error("unknown command must not parse")
	}
}
