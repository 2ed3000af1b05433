package whatsapp

// Bridge wire protocol: newline-delimited JSON over a unix or tcp socket
// to the pairing bridge process that holds the actual WhatsApp session.

// bridgeEvent is an incoming event from the bridge.
type bridgeEvent struct {
	Type    string         `json:"type"` // "message", "qr", "status", "disconnected"
	Message *bridgeMessage `json:"message,omitempty"`

	// qr events
	QRDataURL string `json:"qr_data_url,omitempty"`

	// status / disconnected events
	Connected bool   `json:"connected,omitempty"`
	Reason    string `json:"reason,omitempty"`
	PushName  string `json:"push_name,omitempty"`
	JID       string `json:"jid,omitempty"`
}

// bridgeMessage is one chat message relayed by the bridge. Media is
// described by which payload sub-object is present, mirroring the
// network's own message shape.
type bridgeMessage struct {
	ID        string        `json:"id"`
	Chat      string        `json:"chat"`
	From      string        `json:"from"`
	PushName  string        `json:"push_name,omitempty"`
	FromMe    bool          `json:"from_me,omitempty"`
	Timestamp int64         `json:"timestamp"` // unix millis
	Text      string        `json:"text,omitempty"`
	Media     []bridgeMedia `json:"media,omitempty"`
}

// bridgeMedia carries exactly one of the payload shapes below.
type bridgeMedia struct {
	Image    *mediaRef `json:"imageMessage,omitempty"`
	Video    *mediaRef `json:"videoMessage,omitempty"`
	Audio    *audioRef `json:"audioMessage,omitempty"`
	Document *docRef   `json:"documentMessage,omitempty"`
	Sticker  *mediaRef `json:"stickerMessage,omitempty"`
}

// mediaRef locates downloaded media on the bridge side.
type mediaRef struct {
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

// audioRef distinguishes push-to-talk voice notes from plain audio.
type audioRef struct {
	mediaRef
	PTT bool `json:"ptt,omitempty"`
}

// docRef carries the original filename alongside the media location.
type docRef struct {
	mediaRef
	Filename string `json:"filename,omitempty"`
}

// bridgeSend is the outbound payload written to the bridge.
type bridgeSend struct {
	Type    string `json:"type"` // "send"
	To      string `json:"to"`
	Content string `json:"content"`
}

// Disconnect reasons the bridge reports that must never be retried.
func unrecoverableReason(reason string) bool {
	switch reason {
	case "loggedOut", "banned", "replaced", "multideviceMismatch":
		return true
	}
	return false
}
