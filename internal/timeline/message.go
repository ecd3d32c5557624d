// ABOUTME: Message is the canonical shape every source normalizes into.
// ABOUTME: Direction derives from sender identity, never from a client-supplied flag.

package timeline

import (
	"time"

	"github.com/jeewanjyoti/careline/internal/wire"
)

// Direction says which side of the conversation a message belongs to.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Lifecycle is a message's confirmation state. A pending message resolves
// to exactly one of confirmed or failed and is never duplicated.
type Lifecycle string

const (
	LifecyclePending   Lifecycle = "pending"
	LifecycleConfirmed Lifecycle = "confirmed"
	LifecycleFailed    Lifecycle = "failed"
)

// Message is one entry of a conversation timeline.
type Message struct {
	// ID is the stable server identifier once confirmed; empty before.
	ID string
	// TempID is the locally generated identifier of an optimistic send.
	// Empty on messages that never were optimistic.
	TempID string

	ConversationID string
	// SenderID is the wire sender id. Kept so direction can be revisited
	// when the local identity resolves after the message arrived; empty on
	// optimistic sends, whose direction is fixed.
	SenderID  string
	Direction Direction
	Body           string
	Attachment     *wire.Attachment
	// Timestamp is server-assigned once known, else the local send time.
	Timestamp time.Time
	Lifecycle Lifecycle
}

// Content is the payload of an outgoing message: text, an attachment that
// finished uploading elsewhere, or both.
type Content struct {
	Body       string
	Attachment *wire.Attachment
}

// fingerprint collapses content to the comparison key used for tier-2 echo
// matching: text equality for text messages, a bare marker for attachment
// ones.
func (c Content) fingerprint() string {
	if c.Body != "" {
		return "text:" + c.Body
	}
	if c.Attachment != nil {
		return "attachment"
	}
	return ""
}
