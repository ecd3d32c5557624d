// ABOUTME: JSON frame types for the presence, conversation-list and message channels.
// ABOUTME: Also defines the history REST payloads and attachment metadata.

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminators used on the websocket channels.
const (
	TypeUserStatus       = "user_status"
	TypeConversationList = "conversation_list"
	TypeTextMessage      = "text_message"
	TypeMarkSeen         = "mark_seen"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

// PresenceEvent is a server frame on the presence channel.
type PresenceEvent struct {
	Type          string    `json:"type"`
	CounterpartID string    `json:"counterpart_id"`
	Status        string    `json:"status"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// ConversationEntry is one row of a conversation-list snapshot.
type ConversationEntry struct {
	CounterpartID string    `json:"counterpart_id"`
	Name          string    `json:"name"`
	Role          string    `json:"role,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	Online        bool      `json:"online"`
	LastSeenAt    time.Time `json:"last_seen_at,omitempty"`
}

// ConversationSnapshot is a server frame on the list channel. The snapshot
// is authoritative: consumers replace their whole list on each one.
type ConversationSnapshot struct {
	Type          string              `json:"type"`
	Conversations []ConversationEntry `json:"conversations"`
}

// Attachment describes an uploaded file referenced by a message. The
// upload itself happens elsewhere; only the resulting metadata travels
// through this subsystem.
type Attachment struct {
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ClientFrame is a client frame on a per-conversation channel: either a
// text_message carrying body and/or attachment plus the locally generated
// temp_id, or a bare mark_seen.
type ClientFrame struct {
	Type       string      `json:"type"`
	Body       string      `json:"body,omitempty"`
	TempID     string      `json:"temp_id,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// MessageEvent is a server frame on a per-conversation channel. TempID is
// present only on echoes of the local client's own sends, and only when
// the server chose to reflect it.
type MessageEvent struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	Body       string      `json:"body,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	TempID     string      `json:"temp_id,omitempty"`
}

// HistoryRecord is one raw record of a paginated history response. The
// sender is identified by id only; direction is derived downstream by
// comparing it against the server-resolved local identity.
type HistoryRecord struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	Body       string      `json:"body,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// HistoryResponse is the history REST payload. MyID is the local identity
// as resolved by the server and is authoritative for direction
// classification. An empty NextPageToken means no older pages remain.
type HistoryResponse struct {
	Records       []HistoryRecord `json:"records"`
	MyID          string          `json:"my_id"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// DecodePresence parses a presence channel frame.
func DecodePresence(data []byte) (*PresenceEvent, error) {
	var ev PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding presence frame: %w", err)
	}
	if ev.Type != TypeUserStatus {
		return nil, fmt.Errorf("unexpected presence frame type %q", ev.Type)
	}
	if ev.CounterpartID == "" {
		return nil, fmt.Errorf("presence frame missing counterpart_id")
	}
	return &ev, nil
}

// DecodeSnapshot parses a conversation-list channel frame.
func DecodeSnapshot(data []byte) (*ConversationSnapshot, error) {
	var snap ConversationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding list frame: %w", err)
	}
	if snap.Type != TypeConversationList {
		return nil, fmt.Errorf("unexpected list frame type %q", snap.Type)
	}
	return &snap, nil
}

// DecodeMessageEvent parses a per-conversation channel frame.
func DecodeMessageEvent(data []byte) (*MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding message frame: %w", err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("message frame missing id")
	}
	if ev.SenderID == "" {
		return nil, fmt.Errorf("message frame missing sender_id")
	}
	return &ev, nil
}
