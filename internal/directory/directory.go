// ABOUTME: Directory holds the conversation list fed by list-channel snapshots.
// ABOUTME: Supports locally synthesized entries for chats started before a server record exists.

package directory

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jeewanjyoti/careline/internal/presence"
	"github.com/jeewanjyoti/careline/internal/wire"
)

// Conversation is one entry of the directory.
type Conversation struct {
	CounterpartID string
	Name          string
	Role          string
	Avatar        string

	LastMessagePreview string
	LastMessageTime    time.Time
	UnreadCount        int

	// Snapshot presence from the list channel, used only until the
	// tracker has seen a presence event for this counterpart.
	snapshotOnline   bool
	snapshotLastSeen time.Time

	// synthesized marks entries created locally by EnsureConversation
	// before any server-side record exists.
	synthesized bool
}

// Presence returns the conversation's presence, preferring the tracker
// (the single writer of presence state) over the list-channel snapshot.
func (c *Conversation) Presence(tracker *presence.Tracker) presence.Status {
	if tracker != nil {
		if status, ok := tracker.Lookup(c.CounterpartID); ok {
			return status
		}
	}
	return presence.Status{Online: c.snapshotOnline, LastSeenAt: c.snapshotLastSeen}
}

// Directory is the in-memory conversation list. The list channel is
// authoritative and low-frequency, so each snapshot replaces the whole
// list rather than patching it. Access happens on the session event loop.
type Directory struct {
	conversations map[string]*Conversation
	logger        *slog.Logger
}

// New creates an empty directory.
func New(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		conversations: make(map[string]*Conversation),
		logger:        logger.With("component", "directory"),
	}
}

// ApplySnapshot replaces the list with the snapshot's contents. Locally
// synthesized entries survive only until a snapshot mentions their
// counterpart id, at which point the server record supersedes them.
func (d *Directory) ApplySnapshot(snap *wire.ConversationSnapshot) {
	next := make(map[string]*Conversation, len(snap.Conversations))
	for _, entry := range snap.Conversations {
		next[entry.CounterpartID] = &Conversation{
			CounterpartID:      entry.CounterpartID,
			Name:               entry.Name,
			Role:               entry.Role,
			Avatar:             entry.Avatar,
			LastMessagePreview: entry.LastMessage,
			LastMessageTime:    entry.LastMessageAt,
			UnreadCount:        entry.UnreadCount,
			snapshotOnline:     entry.Online,
			snapshotLastSeen:   entry.LastSeenAt,
		}
	}

	// Carry over synthesized entries the server does not know about yet.
	for id, conv := range d.conversations {
		if conv.synthesized {
			if _, known := next[id]; !known {
				next[id] = conv
			}
		}
	}

	d.conversations = next
	d.logger.Debug("conversation list replaced", "count", len(next))
}

// EnsureConversation returns the existing entry for the counterpart or
// synthesizes a zero-message one, for chats started from flows like a
// booking confirmation before the server lists the counterpart.
func (d *Directory) EnsureConversation(counterpartID, name, role string) *Conversation {
	if conv, ok := d.conversations[counterpartID]; ok {
		return conv
	}
	conv := &Conversation{
		CounterpartID: counterpartID,
		Name:          name,
		Role:          role,
		synthesized:   true,
	}
	d.conversations[counterpartID] = conv
	d.logger.Debug("conversation synthesized", "counterpart_id", counterpartID)
	return conv
}

// Get returns the conversation for the counterpart, if present.
func (d *Directory) Get(counterpartID string) (*Conversation, bool) {
	conv, ok := d.conversations[counterpartID]
	return conv, ok
}

// ClearUnread zeroes the local unread count for the counterpart. The
// server-side clear follows separately via the mark_seen frame.
func (d *Directory) ClearUnread(counterpartID string) {
	if conv, ok := d.conversations[counterpartID]; ok {
		conv.UnreadCount = 0
	}
}

// List returns the conversations ordered by last message time, newest
// first, with ties broken by counterpart id for stable output.
func (d *Directory) List() []*Conversation {
	out := make([]*Conversation, 0, len(d.conversations))
	for _, conv := range d.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// Search returns conversations whose name or role contains the query,
// case-insensitively, in List order. An empty query returns everything.
func (d *Directory) Search(query string) []*Conversation {
	all := d.List()
	if query == "" {
		return all
	}
	q := strings.ToLower(query)
	out := make([]*Conversation, 0, len(all))
	for _, conv := range all {
		if strings.Contains(strings.ToLower(conv.Name), q) ||
			strings.Contains(strings.ToLower(conv.Role), q) {
			out = append(out, conv)
		}
	}
	return out
}
