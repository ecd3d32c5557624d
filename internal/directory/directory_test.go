// ABOUTME: Tests for the conversation directory fed by list-channel snapshots.
// ABOUTME: Validates snapshot replacement, synthesized entries, search and presence read-through.

package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeewanjyoti/careline/internal/presence"
	"github.com/jeewanjyoti/careline/internal/wire"
)

var t0 = time.Date(2026, 8, 28, 8, 0, 0, 0, time.UTC)

func snapshot(entries ...wire.ConversationEntry) *wire.ConversationSnapshot {
	return &wire.ConversationSnapshot{Type: wire.TypeConversationList, Conversations: entries}
}

func TestApplySnapshot_ReplacesWholeList(t *testing.T) {
	d := New(nil)

	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "Dr. Smith", UnreadCount: 3},
		wire.ConversationEntry{CounterpartID: "doc-2", Name: "Dr. Johnson"},
	))
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-2", Name: "Dr. Johnson", UnreadCount: 1},
	))

	_, ok := d.Get("doc-1")
	assert.False(t, ok, "doc-1 should be gone after the snapshot that omits it")

	conv, ok := d.Get("doc-2")
	require.True(t, ok)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestEnsureConversation_SynthesizesAndSurvivesSnapshots(t *testing.T) {
	d := New(nil)

	conv := d.EnsureConversation("doc-9", "Dr. Wilson", "Dermatologist")
	require.NotNil(t, conv)
	assert.Equal(t, 0, conv.UnreadCount)

	// A snapshot that does not mention the counterpart keeps the local
	// entry alive.
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "Dr. Smith"},
	))
	_, ok := d.Get("doc-9")
	assert.True(t, ok)

	// Once the server lists it, the server record supersedes the local
	// one, matched by counterpart id.
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-9", Name: "Dr. Emily Wilson", UnreadCount: 2},
	))
	conv, ok = d.Get("doc-9")
	require.True(t, ok)
	assert.Equal(t, "Dr. Emily Wilson", conv.Name)
	assert.Equal(t, 2, conv.UnreadCount)
}

func TestEnsureConversation_ReturnsExisting(t *testing.T) {
	d := New(nil)
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "Dr. Smith", UnreadCount: 5},
	))

	conv := d.EnsureConversation("doc-1", "ignored", "ignored")
	assert.Equal(t, "Dr. Smith", conv.Name)
	assert.Equal(t, 5, conv.UnreadCount)
}

func TestClearUnread(t *testing.T) {
	d := New(nil)
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "Dr. Smith", UnreadCount: 3},
	))

	d.ClearUnread("doc-1")
	d.ClearUnread("missing") // no-op

	conv, _ := d.Get("doc-1")
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestList_OrderedByLastMessageTime(t *testing.T) {
	d := New(nil)
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "A", LastMessageAt: t0},
		wire.ConversationEntry{CounterpartID: "doc-2", Name: "B", LastMessageAt: t0.Add(time.Hour)},
		wire.ConversationEntry{CounterpartID: "doc-3", Name: "C", LastMessageAt: t0.Add(time.Minute)},
	))

	list := d.List()
	require.Len(t, list, 3)
	assert.Equal(t, "doc-2", list[0].CounterpartID)
	assert.Equal(t, "doc-3", list[1].CounterpartID)
	assert.Equal(t, "doc-1", list[2].CounterpartID)
}

func TestSearch_MatchesNameAndRole(t *testing.T) {
	d := New(nil)
	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "Dr. Sarah Smith", Role: "Cardiologist"},
		wire.ConversationEntry{CounterpartID: "doc-2", Name: "Dr. Michael Johnson", Role: "General Physician"},
		wire.ConversationEntry{CounterpartID: "n-1", Name: "Nurse Priya Patel", Role: "Nurse"},
	))

	byName := d.Search("smith")
	require.Len(t, byName, 1)
	assert.Equal(t, "doc-1", byName[0].CounterpartID)

	byRole := d.Search("nurse")
	require.Len(t, byRole, 1)
	assert.Equal(t, "n-1", byRole[0].CounterpartID)

	assert.Len(t, d.Search(""), 3)
	assert.Empty(t, d.Search("oncologist"))
}

func TestPresence_TrackerPreferredOverSnapshot(t *testing.T) {
	d := New(nil)
	tracker := presence.NewTracker(nil)

	d.ApplySnapshot(snapshot(
		wire.ConversationEntry{CounterpartID: "doc-1", Name: "Dr. Smith", Online: true},
	))

	conv, _ := d.Get("doc-1")

	// Before any presence event the snapshot value is the fallback.
	status := conv.Presence(tracker)
	assert.True(t, status.Online)

	// Once the tracker has seen an event, it is authoritative.
	tracker.Apply(&wire.PresenceEvent{CounterpartID: "doc-1", Status: wire.StatusOffline})
	status = conv.Presence(tracker)
	assert.False(t, status.Online)
}
