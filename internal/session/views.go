// ABOUTME: Update notifications and read-only snapshot views for UI consumers.
// ABOUTME: Getters round-trip through the event loop so callers never race it.

package session

import (
	"time"

	"github.com/jeewanjyoti/careline/internal/timeline"
)

// UpdateKind says what changed.
type UpdateKind int

const (
	// UpdateConversations: the conversation list changed.
	UpdateConversations UpdateKind = iota
	// UpdatePresence: a counterpart's presence changed.
	UpdatePresence
	// UpdateMessages: the active conversation's message list changed.
	UpdateMessages
	// UpdateSendFailed: one or more pending sends became failed.
	UpdateSendFailed
	// UpdateMessageChannelOpen: the per-conversation channel opened.
	UpdateMessageChannelOpen
	// UpdateMessageChannelClosed: the per-conversation channel closed or
	// failed to open. Re-select the conversation to reconnect.
	UpdateMessageChannelClosed
	// UpdateHistoryFailed: a history fetch failed; retryable, the merged
	// list is untouched.
	UpdateHistoryFailed
	// UpdatePresenceChannelClosed / UpdateListChannelClosed: an ambient
	// channel terminated.
	UpdatePresenceChannelClosed
	UpdateListChannelClosed
)

// Update is one change notification. State is re-derived through the
// getters; updates only say that a look is worthwhile.
type Update struct {
	Kind          UpdateKind
	CounterpartID string
	Err           error
}

// ConversationView is a read-only copy of one directory entry with
// presence resolved through the tracker.
type ConversationView struct {
	CounterpartID      string
	Name               string
	Role               string
	Avatar             string
	LastMessagePreview string
	LastMessageTime    time.Time
	UnreadCount        int
	Online             bool
	LastSeenAt         time.Time
}

// Conversations returns the current list, newest activity first.
func (s *Session) Conversations() []ConversationView {
	return s.searchConversations("")
}

// SearchConversations filters the list by name or role.
func (s *Session) SearchConversations(query string) []ConversationView {
	return s.searchConversations(query)
}

func (s *Session) searchConversations(query string) []ConversationView {
	var out []ConversationView
	s.do(func() {
		convs := s.dir.Search(query)
		out = make([]ConversationView, 0, len(convs))
		for _, conv := range convs {
			p := conv.Presence(s.tracker)
			out = append(out, ConversationView{
				CounterpartID:      conv.CounterpartID,
				Name:               conv.Name,
				Role:               conv.Role,
				Avatar:             conv.Avatar,
				LastMessagePreview: conv.LastMessagePreview,
				LastMessageTime:    conv.LastMessageTime,
				UnreadCount:        conv.UnreadCount,
				Online:             p.Online,
				LastSeenAt:         p.LastSeenAt,
			})
		}
	})
	return out
}

// Messages returns the active conversation's ordered message list.
func (s *Session) Messages() []timeline.Message {
	var out []timeline.Message
	s.do(func() {
		if s.tl != nil {
			out = s.tl.Messages()
		}
	})
	return out
}

// Selected returns the active conversation id, empty if none.
func (s *Session) Selected() string {
	var id string
	s.do(func() {
		id = s.selected
	})
	return id
}
