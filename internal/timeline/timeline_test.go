// ABOUTME: Tests for history/optimistic/live reconciliation in the timeline.
// ABOUTME: Covers dedup by id, tiered echo matching, expiry, retry and ordering.

package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeewanjyoti/careline/internal/wire"
)

var base = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

func newTestTimeline(myID string) *Timeline {
	return New("conv-1", myID, Options{})
}

func atTime(tl *Timeline, t time.Time) {
	tl.now = func() time.Time { return t }
}

func TestLoadHistoryPage_DirectionBySenderIdentity(t *testing.T) {
	tl := newTestTimeline("")

	// Direction comes from comparing sender ids against the
	// server-resolved identity, never from a client-supplied label.
	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "1", SenderID: "42", Body: "hi", Timestamp: base},
		{ID: "2", SenderID: "99", Body: "hello", Timestamp: base.Add(time.Minute)},
	}, "42")

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, DirectionSent, msgs[0].Direction)
	assert.Equal(t, DirectionReceived, msgs[1].Direction)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	assert.Equal(t, LifecycleConfirmed, msgs[1].Lifecycle)
	assert.Equal(t, "42", tl.MyID())
}

func TestLoadHistoryPage_OlderPagePrependsWithoutDisturbingList(t *testing.T) {
	tl := newTestTimeline("42")

	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "3", SenderID: "99", Body: "newer", Timestamp: base.Add(2 * time.Hour)},
	}, "42")
	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "2", SenderID: "99", Body: "old", Timestamp: base.Add(time.Hour)},
		{ID: "1", SenderID: "42", Body: "older", Timestamp: base},
	}, "42")

	msgs := tl.Messages()
	require.Len(t, msgs, 3)
	// The older page lands at the head, internally sorted ascending.
	assert.Equal(t, []string{"1", "2", "3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestLoadHistoryPage_SkipsAlreadyAppliedIds(t *testing.T) {
	tl := newTestTimeline("42")

	tl.ApplyInbound(&wire.MessageEvent{ID: "5", SenderID: "99", Body: "hello", Timestamp: base})
	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "5", SenderID: "99", Body: "hello", Timestamp: base},
		{ID: "4", SenderID: "99", Body: "earlier", Timestamp: base.Add(-time.Minute)},
	}, "42")

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	ids := map[string]int{}
	for _, m := range msgs {
		ids[m.ID]++
	}
	assert.Equal(t, 1, ids["5"])
	assert.Equal(t, 1, ids["4"])
}

func TestEchoWithTempID_ReplacesPendingInPlace(t *testing.T) {
	// Local identity 42. History: [{id:1, sender:42, "hi", T0}]. Optimistic
	// send "yo" at T1. Echo {id:2, sender:42, "yo", tempId, T1} arrives.
	tl := newTestTimeline("42")
	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "1", SenderID: "42", Body: "hi", Timestamp: base},
	}, "42")

	t1 := base.Add(time.Minute)
	atTime(tl, t1)
	sent := tl.SendOptimistic(Content{Body: "yo"})
	require.Equal(t, 2, len(tl.Messages()))

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "2", SenderID: "42", Body: "yo", TempID: sent.TempID, Timestamp: t1,
	})

	msgs := tl.Messages()
	// The echo replaced the pending entry; the list length is unchanged.
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
	assert.Equal(t, LifecycleConfirmed, msgs[1].Lifecycle)
	assert.Equal(t, "yo", msgs[1].Body)
	assert.Equal(t, 0, tl.PendingCount())
}

func TestEchoWithoutTempID_MatchesByFingerprintWithinWindow(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	tl.SendOptimistic(Content{Body: "see you at 3"})

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "7", SenderID: "42", Body: "see you at 3", Timestamp: base.Add(time.Second),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].ID)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	assert.Equal(t, 0, tl.PendingCount())
}

func TestEchoOutsideWindow_AppendsAsUntrackedSelfMessage(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	tl.SendOptimistic(Content{Body: "ping"})

	// Same content but far outside the echo window: likely a send from
	// another device, not our echo.
	tl.ApplyInbound(&wire.MessageEvent{
		ID: "9", SenderID: "42", Body: "ping", Timestamp: base.Add(time.Minute),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, tl.PendingCount())
	assert.Equal(t, LifecyclePending, msgs[0].Lifecycle)
	assert.Equal(t, LifecycleConfirmed, msgs[1].Lifecycle)
}

func TestEchoBeforeIdentityResolved_ConfirmsByTempID(t *testing.T) {
	// Opaque token: identity is unknown until history page 1 resolves it,
	// but the echo can outrun that fetch. The tempId alone identifies the
	// send, so no duplicate may appear and the pending entry must resolve.
	tl := newTestTimeline("")

	atTime(tl, base)
	sent := tl.SendOptimistic(Content{Body: "yo"})

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "srv-1", SenderID: "42", Body: "yo", TempID: sent.TempID, Timestamp: base.Add(time.Second),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, DirectionSent, msgs[0].Direction)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	assert.Equal(t, 0, tl.PendingCount())
	// The echo of our own send also resolves who we are.
	assert.Equal(t, "42", tl.MyID())
}

func TestLateEchoBeforeIdentityResolved_Dropped(t *testing.T) {
	tl := newTestTimeline("")

	atTime(tl, base)
	sent := tl.SendOptimistic(Content{Body: "ping"})
	tl.ExpireStalePending(base.Add(time.Minute))

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "srv-2", SenderID: "42", Body: "ping", TempID: sent.TempID, Timestamp: base.Add(time.Minute),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, LifecycleFailed, msgs[0].Lifecycle)
}

func TestIdentityResolution_ReclassifiesEarlierEvents(t *testing.T) {
	tl := newTestTimeline("")

	// Events arriving before page 1 resolves the identity are provisionally
	// received.
	tl.ApplyInbound(&wire.MessageEvent{ID: "1", SenderID: "42", Body: "from this account", Timestamp: base})
	tl.ApplyInbound(&wire.MessageEvent{ID: "2", SenderID: "99", Body: "from the doctor", Timestamp: base.Add(time.Second)})
	require.Equal(t, DirectionReceived, tl.Messages()[0].Direction)

	tl.LoadHistoryPage(nil, "42")

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, DirectionSent, msgs[0].Direction)
	assert.Equal(t, DirectionReceived, msgs[1].Direction)
}

func TestIdentityResolution_CollapsesPreIdentityEchoDuplicate(t *testing.T) {
	// An echo without a tempId that outran identity resolution was appended
	// as received; resolving the identity re-runs echo matching and
	// collapses the duplicate onto the pending entry.
	tl := newTestTimeline("")

	atTime(tl, base)
	sent := tl.SendOptimistic(Content{Body: "yo"})
	tl.ApplyInbound(&wire.MessageEvent{
		ID: "srv-3", SenderID: "42", Body: "yo", Timestamp: base.Add(time.Second),
	})
	require.Len(t, tl.Messages(), 2)

	tl.LoadHistoryPage(nil, "42")

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-3", msgs[0].ID)
	assert.Equal(t, sent.TempID, msgs[0].TempID)
	assert.Equal(t, DirectionSent, msgs[0].Direction)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	assert.Equal(t, 0, tl.PendingCount())
}

func TestTempIDMatchWinsOverFingerprint(t *testing.T) {
	// Two identical rapid sends: the echo must claim the send whose
	// tempId it carries, not whichever fingerprint matches first.
	tl := newTestTimeline("42")

	atTime(tl, base)
	first := tl.SendOptimistic(Content{Body: "ok"})
	atTime(tl, base.Add(100*time.Millisecond))
	second := tl.SendOptimistic(Content{Body: "ok"})

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "20", SenderID: "42", Body: "ok", TempID: first.TempID, Timestamp: base.Add(time.Second),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "20", msgs[0].ID)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	assert.Equal(t, LifecyclePending, msgs[1].Lifecycle)
	assert.Equal(t, second.TempID, msgs[1].TempID)
	assert.Equal(t, 1, tl.PendingCount())
}

func TestInboundFromCounterpart_ClassifiedReceived(t *testing.T) {
	tl := newTestTimeline("42")
	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "1", SenderID: "42", Body: "hi", Timestamp: base},
	}, "42")

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "5", SenderID: "99", Body: "hello", Timestamp: base.Add(time.Minute),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, DirectionReceived, msgs[1].Direction)
	assert.Equal(t, "5", msgs[1].ID)
}

func TestDuplicateDelivery_DroppedById(t *testing.T) {
	// The same event arrives twice: once on the per-chat channel, once as
	// a stale redelivery. Exactly one entry with that id survives.
	tl := newTestTimeline("42")

	ev := &wire.MessageEvent{ID: "5", SenderID: "99", Body: "hello", Timestamp: base}
	tl.ApplyInbound(ev)
	tl.ApplyInbound(ev)

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "5", msgs[0].ID)
}

func TestInboundWithEarlierTimestamp_InsertsInOrder(t *testing.T) {
	tl := newTestTimeline("42")

	tl.ApplyInbound(&wire.MessageEvent{ID: "2", SenderID: "99", Body: "later", Timestamp: base.Add(time.Hour)})
	tl.ApplyInbound(&wire.MessageEvent{ID: "1", SenderID: "99", Body: "earlier", Timestamp: base})

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
}

func TestExpireStalePending_FailsAndDropsLateEcho(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	sent := tl.SendOptimistic(Content{Body: "anyone there?"})

	failed := tl.ExpireStalePending(base.Add(time.Minute))
	require.Len(t, failed, 1)
	assert.Equal(t, sent.TempID, failed[0].TempID)
	assert.Equal(t, 0, tl.PendingCount())

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, LifecycleFailed, msgs[0].Lifecycle)

	// The echo arriving after the timeout must not duplicate the entry.
	tl.ApplyInbound(&wire.MessageEvent{
		ID: "30", SenderID: "42", Body: "anyone there?", TempID: sent.TempID, Timestamp: base.Add(time.Minute),
	})
	require.Len(t, tl.Messages(), 1)

	// And a redelivery of the same id is dropped outright.
	tl.ApplyInbound(&wire.MessageEvent{
		ID: "30", SenderID: "42", Body: "anyone there?", TempID: sent.TempID, Timestamp: base.Add(time.Minute),
	})
	require.Len(t, tl.Messages(), 1)
}

func TestExpireStalePending_KeepsFreshSends(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	tl.SendOptimistic(Content{Body: "a"})
	atTime(tl, base.Add(25*time.Second))
	tl.SendOptimistic(Content{Body: "b"})

	failed := tl.ExpireStalePending(base.Add(31 * time.Second))
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].Body)
	assert.Equal(t, 1, tl.PendingCount())
}

func TestFailAllPending(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	tl.SendOptimistic(Content{Body: "a"})
	tl.SendOptimistic(Content{Body: "b"})

	failed := tl.FailAllPending()
	assert.Len(t, failed, 2)
	assert.Equal(t, 0, tl.PendingCount())
	for _, msg := range tl.Messages() {
		assert.Equal(t, LifecycleFailed, msg.Lifecycle)
	}
}

func TestMarkFailed_SingleSend(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	first := tl.SendOptimistic(Content{Body: "a"})
	tl.SendOptimistic(Content{Body: "b"})

	assert.True(t, tl.MarkFailed(first.TempID))
	assert.False(t, tl.MarkFailed(first.TempID))
	assert.Equal(t, 1, tl.PendingCount())

	msgs := tl.Messages()
	assert.Equal(t, LifecycleFailed, msgs[0].Lifecycle)
	assert.Equal(t, LifecyclePending, msgs[1].Lifecycle)
}

func TestPrepareRetry_ReArmsFailedSendInPlace(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	sent := tl.SendOptimistic(Content{Body: "try me"})
	tl.ExpireStalePending(base.Add(time.Minute))

	retryAt := base.Add(2 * time.Minute)
	atTime(tl, retryAt)
	retried, ok := tl.PrepareRetry(sent.TempID)
	require.True(t, ok)
	assert.NotEqual(t, sent.TempID, retried.TempID)
	assert.Equal(t, "try me", retried.Body)
	assert.Equal(t, LifecyclePending, retried.Lifecycle)
	assert.Equal(t, 1, tl.PendingCount())

	// The echo for the retried send confirms it normally.
	tl.ApplyInbound(&wire.MessageEvent{
		ID: "40", SenderID: "42", Body: "try me", TempID: retried.TempID, Timestamp: retryAt,
	})
	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	assert.Equal(t, "40", msgs[0].ID)
}

func TestPrepareRetry_UnknownOrPendingTempID(t *testing.T) {
	tl := newTestTimeline("42")

	atTime(tl, base)
	sent := tl.SendOptimistic(Content{Body: "still pending"})

	_, ok := tl.PrepareRetry("nope")
	assert.False(t, ok)
	// A pending (not failed) send cannot be retried.
	_, ok = tl.PrepareRetry(sent.TempID)
	assert.False(t, ok)
}

func TestAttachmentSend_FingerprintMatch(t *testing.T) {
	tl := newTestTimeline("42")

	att := &wire.Attachment{Kind: wire.AttachmentFile, URL: "https://files/x.pdf", Name: "x.pdf", SizeBytes: 2048}
	atTime(tl, base)
	tl.SendOptimistic(Content{Attachment: att})

	tl.ApplyInbound(&wire.MessageEvent{
		ID: "50", SenderID: "42", Attachment: att, Timestamp: base.Add(time.Second),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, LifecycleConfirmed, msgs[0].Lifecycle)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, "x.pdf", msgs[0].Attachment.Name)
}

func TestNoTwoEntriesShareAServerId(t *testing.T) {
	// Interleaved history pages and live events never produce two entries
	// with the same server id.
	tl := newTestTimeline("42")

	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "1", SenderID: "99", Body: "a", Timestamp: base},
		{ID: "2", SenderID: "42", Body: "b", Timestamp: base.Add(time.Second)},
	}, "42")
	tl.ApplyInbound(&wire.MessageEvent{ID: "3", SenderID: "99", Body: "c", Timestamp: base.Add(2 * time.Second)})
	tl.LoadHistoryPage([]wire.HistoryRecord{
		{ID: "2", SenderID: "42", Body: "b", Timestamp: base.Add(time.Second)},
		{ID: "3", SenderID: "99", Body: "c", Timestamp: base.Add(2 * time.Second)},
	}, "42")
	tl.ApplyInbound(&wire.MessageEvent{ID: "1", SenderID: "99", Body: "a", Timestamp: base})

	seen := map[string]int{}
	for _, msg := range tl.Messages() {
		seen[msg.ID]++
	}
	for id, count := range seen {
		assert.Equalf(t, 1, count, "id %s appears %d times", id, count)
	}
	assert.Len(t, tl.Messages(), 3)
}
