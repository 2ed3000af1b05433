// Package watch synchronizes voice-session commands and status snapshots
// between the primary client and a tethered watch over an intermittently
// reachable device link.
package watch

import (
	"fmt"
	"strconv"
	"time"
)

// Command is a user-invoked action on the watch. Closed enum.
type Command string

const (
	CommandRequestStatus    Command = "requestStatus"
	CommandStartVoice       Command = "startVoice"
	CommandStopVoice        Command = "stopVoice"
	CommandTapToTalk        Command = "tapToTalk"
	CommandPressToTalkStart Command = "pressToTalkStart"
	CommandPressToTalkEnd   Command = "pressToTalkEnd"
	CommandInterrupt        Command = "interrupt"
	CommandMute             Command = "mute"
	CommandUnmute           Command = "unmute"
)

// Valid reports whether c belongs to the command vocabulary.
func (c Command) Valid() bool {
	switch c {
	case CommandRequestStatus, CommandStartVoice, CommandStopVoice,
		CommandTapToTalk, CommandPressToTalkStart, CommandPressToTalkEnd,
		CommandInterrupt, CommandMute, CommandUnmute:
		return true
	}
	return false
}

// Deferrable reports whether the command may be queued for later delivery
// while the watch is unreachable. Only status requests qualify: a realtime
// voice command executing minutes late is worse than a visible failure.
func (c Command) Deferrable() bool {
	return c == CommandRequestStatus
}

// StatusSnapshot is the single piece of state mirrored to the watch.
// Last-writer-wins; UpdatedAt is stamped at send time when absent.
type StatusSnapshot struct {
	VoiceState         string
	StatusText         string
	Active             bool
	Muted              bool
	CapturedTranscript string
	ErrorMessage       string
	UpdatedAt          time.Time
}

// Payload keys of the flat key-value wire format. The messageType
// discriminator separates commands from status snapshots.
const (
	keyMessageType = "messageType"
	keyCommand     = "command"
	keyVoiceState  = "voiceState"
	keyStatusText  = "statusText"
	keyIsActive    = "isActive"
	keyIsMuted     = "isMuted"
	keyTranscript  = "capturedTranscript"
	keyError       = "errorMessage"
	keyUpdatedAt   = "updatedAt"

	messageTypeCommand = "command"
	messageTypeStatus  = "status"
)

// EncodeCommand builds the wire payload for a command.
func EncodeCommand(c Command) map[string]string {
	return map[string]string{
		keyMessageType: messageTypeCommand,
		keyCommand:     string(c),
	}
}

// ParseCommand extracts a command from a wire payload.
func ParseCommand(payload map[string]string) (Command, error) {
	if payload[keyMessageType] != messageTypeCommand {
		return "", fmt.Errorf("not a command payload: messageType=%q", payload[keyMessageType])
	}
	c := Command(payload[keyCommand])
	if !c.Valid() {
		return "", fmt.Errorf("unknown watch command: %q", payload[keyCommand])
	}
	return c, nil
}

// EncodeStatus builds the wire payload for a status snapshot. Empty
// transcript and error fields are omitted rather than sent as empty
// strings.
func EncodeStatus(s StatusSnapshot) map[string]string {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	p := map[string]string{
		keyMessageType: messageTypeStatus,
		keyVoiceState:  s.VoiceState,
		keyStatusText:  s.StatusText,
		keyIsActive:    strconv.FormatBool(s.Active),
		keyIsMuted:     strconv.FormatBool(s.Muted),
		keyUpdatedAt:   s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.CapturedTranscript != "" {
		p[keyTranscript] = s.CapturedTranscript
	}
	if s.ErrorMessage != "" {
		p[keyError] = s.ErrorMessage
	}
	return p
}

// ParseStatus extracts a status snapshot from a wire payload. It fails
// unless every required field is present and parses; a partial snapshot is
// rejected outright so the bridge keeps its prior state.
func ParseStatus(payload map[string]string) (StatusSnapshot, error) {
	var s StatusSnapshot
	if payload[keyMessageType] != messageTypeStatus {
		return s, fmt.Errorf("not a status payload: messageType=%q", payload[keyMessageType])
	}

	voiceState, ok := payload[keyVoiceState]
	if !ok {
		return s, fmt.Errorf("status payload missing %s", keyVoiceState)
	}
	statusText, ok := payload[keyStatusText]
	if !ok {
		return s, fmt.Errorf("status payload missing %s", keyStatusText)
	}
	activeRaw, ok := payload[keyIsActive]
	if !ok {
		return s, fmt.Errorf("status payload missing %s", keyIsActive)
	}
	active, err := strconv.ParseBool(activeRaw)
	if err != nil {
		return s, fmt.Errorf("status payload bad %s: %w", keyIsActive, err)
	}
	mutedRaw, ok := payload[keyIsMuted]
	if !ok {
		return s, fmt.Errorf("status payload missing %s", keyIsMuted)
	}
	muted, err := strconv.ParseBool(mutedRaw)
	if err != nil {
		return s, fmt.Errorf("status payload bad %s: %w", keyIsMuted, err)
	}
	updatedRaw, ok := payload[keyUpdatedAt]
	if !ok {
		return s, fmt.Errorf("status payload missing %s", keyUpdatedAt)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedRaw)
	if err != nil {
		return s, fmt.Errorf("status payload bad %s: %w", keyUpdatedAt, err)
	}

	s.VoiceState = voiceState
	s.StatusText = statusText
	s.Active = active
	s.Muted = muted
	s.CapturedTranscript = payload[keyTranscript]
	s.ErrorMessage = payload[keyError]
	s.UpdatedAt = updatedAt
	return s, nil
}
