// ABOUTME: Timeline merges history pages, optimistic sends and live events per conversation.
// ABOUTME: Tiered echo matching: tempId, then content fingerprint in a time window, then append.

package timeline

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jeewanjyoti/careline/internal/dedupe"
	"github.com/jeewanjyoti/careline/internal/wire"
)

// Options tunes a timeline. Zero values select the defaults.
type Options struct {
	// EchoMatchWindow bounds tier-2 matching: an echo without a tempId
	// claims a pending send only if it arrives within this much of the
	// send.
	EchoMatchWindow time.Duration
	// SendTimeout is how long a pending send waits for its echo before
	// being marked failed.
	SendTimeout time.Duration
	// DedupTTL and DedupMaxSize bound the applied-id window.
	DedupTTL     time.Duration
	DedupMaxSize int

	Logger *slog.Logger
}

const (
	defaultEchoMatchWindow = 3 * time.Second
	defaultSendTimeout     = 30 * time.Second
)

// outstandingSend tracks one optimistic send awaiting its echo.
type outstandingSend struct {
	tempID      string
	sentAt      time.Time
	fingerprint string
}

// Timeline is the per-conversation reconciler state. It is created when a
// conversation is opened and discarded on teardown; history is refetched
// on return. All access happens on the session event loop.
type Timeline struct {
	conversationID string
	// myID is the local identity used to classify direction. The cached
	// value from the credential is replaced by the server-resolved one as
	// soon as a history page delivers it.
	myID string

	messages    []Message
	applied     *dedupe.Window
	outstanding []outstandingSend
	// expired remembers tempIds of sends that timed out, so a very late
	// echo is dropped instead of reappearing as a duplicate.
	expired map[string]struct{}

	echoWindow  time.Duration
	sendTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an empty timeline for the conversation. myID may be empty
// until the first history page resolves it.
func New(conversationID, myID string, opts Options) *Timeline {
	if opts.EchoMatchWindow <= 0 {
		opts.EchoMatchWindow = defaultEchoMatchWindow
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		conversationID: conversationID,
		myID:           myID,
		applied:        dedupe.NewWindow(opts.DedupTTL, opts.DedupMaxSize),
		expired:        make(map[string]struct{}),
		echoWindow:     opts.EchoMatchWindow,
		sendTimeout:    opts.SendTimeout,
		logger:         logger.With("component", "timeline", "conversation_id", conversationID),
		now:            time.Now,
	}
}

// LoadHistoryPage merges one page of history. Records are normalized
// (direction by sender-id comparison, lifecycle confirmed), sorted by
// timestamp ascending, and inserted at the head of the list so entries
// already rendered keep their positions. Ids already applied are skipped.
// When the page carries a server-resolved identity, entries classified
// before it was known are revisited first.
func (t *Timeline) LoadHistoryPage(records []wire.HistoryRecord, myID string) {
	t.adoptIdentity(myID)

	batch := make([]Message, 0, len(records))
	for _, rec := range records {
		if t.applied.SeenAndRecord(rec.ID) {
			continue
		}
		direction := DirectionReceived
		if rec.SenderID == t.myID {
			direction = DirectionSent
		}
		batch = append(batch, Message{
			ID:             rec.ID,
			ConversationID: t.conversationID,
			SenderID:       rec.SenderID,
			Direction:      direction,
			Body:           rec.Body,
			Attachment:     rec.Attachment,
			Timestamp:      rec.Timestamp,
			Lifecycle:      LifecycleConfirmed,
		})
	}
	if len(batch) == 0 {
		return
	}

	sortByTimestamp(batch)
	t.messages = append(batch, t.messages...)
	t.logger.Debug("history page merged", "records", len(batch), "total", len(t.messages))
}

// SendOptimistic appends a pending sent message for the content and tracks
// it as outstanding. The returned message carries the tempId the caller
// must transmit with the wire frame.
func (t *Timeline) SendOptimistic(content Content) Message {
	now := t.now()
	msg := Message{
		TempID:         uuid.New().String(),
		ConversationID: t.conversationID,
		Direction:      DirectionSent,
		Body:           content.Body,
		Attachment:     content.Attachment,
		Timestamp:      now,
		Lifecycle:      LifecyclePending,
	}
	t.messages = append(t.messages, msg)
	t.outstanding = append(t.outstanding, outstandingSend{
		tempID:      msg.TempID,
		sentAt:      now,
		fingerprint: content.fingerprint(),
	})
	t.logger.Debug("optimistic send", "temp_id", msg.TempID)
	return msg
}

// ApplyInbound folds one live event into the list. Duplicate ids are
// dropped. Echoes of our own sends replace the pending entry in place;
// everything else is inserted in timestamp order.
func (t *Timeline) ApplyInbound(ev *wire.MessageEvent) {
	if t.applied.SeenAndRecord(ev.ID) {
		t.logger.Debug("duplicate event dropped", "id", ev.ID)
		return
	}

	// A tempId we issued is a definitive self-signal, even when the echo
	// outruns the history fetch that resolves who we are.
	if t.issuedTempID(ev.TempID) {
		t.adoptIdentity(ev.SenderID)
		t.applyOwnEcho(ev)
		return
	}
	if t.myID != "" && ev.SenderID == t.myID {
		t.applyOwnEcho(ev)
		return
	}

	t.insertOrdered(Message{
		ID:             ev.ID,
		ConversationID: t.conversationID,
		SenderID:       ev.SenderID,
		Direction:      DirectionReceived,
		Body:           ev.Body,
		Attachment:     ev.Attachment,
		Timestamp:      ev.Timestamp,
		Lifecycle:      LifecycleConfirmed,
	})
}

// applyOwnEcho reconciles an event whose sender is the local identity.
// Match priority: exact tempId, then content fingerprint within the echo
// window, then append as an untracked self-message (a send from another
// device, typically).
func (t *Timeline) applyOwnEcho(ev *wire.MessageEvent) {
	if ev.TempID != "" {
		if _, timedOut := t.expired[ev.TempID]; timedOut {
			// The send already failed; surfacing the echo now would
			// duplicate the entry the user sees.
			t.logger.Debug("late echo dropped", "temp_id", ev.TempID)
			return
		}
	}

	if idx, ok := t.matchOutstanding(ev); ok {
		send := t.outstanding[idx]
		t.outstanding = append(t.outstanding[:idx], t.outstanding[idx+1:]...)
		t.confirmPending(send.tempID, ev)
		return
	}

	t.insertOrdered(Message{
		ID:             ev.ID,
		ConversationID: t.conversationID,
		SenderID:       ev.SenderID,
		Direction:      DirectionSent,
		Body:           ev.Body,
		Attachment:     ev.Attachment,
		Timestamp:      ev.Timestamp,
		Lifecycle:      LifecycleConfirmed,
	})
}

// issuedTempID reports whether tempID belongs to a send this timeline
// issued, outstanding or already expired.
func (t *Timeline) issuedTempID(tempID string) bool {
	if tempID == "" {
		return false
	}
	if _, ok := t.expired[tempID]; ok {
		return true
	}
	for _, send := range t.outstanding {
		if send.tempID == tempID {
			return true
		}
	}
	return false
}

// adoptIdentity installs the resolved local identity and revisits entries
// classified before it was known: directions are re-derived from the kept
// sender ids, and self-messages that should have confirmed an outstanding
// send do so now, collapsing their duplicate entries.
func (t *Timeline) adoptIdentity(myID string) {
	if myID == "" || myID == t.myID {
		return
	}
	t.myID = myID

	i := 0
	for i < len(t.messages) {
		msg := &t.messages[i]
		if msg.TempID != "" || msg.SenderID == "" {
			// Locally originated; direction is fixed.
			i++
			continue
		}
		if msg.SenderID != t.myID {
			msg.Direction = DirectionReceived
			i++
			continue
		}
		msg.Direction = DirectionSent
		ev := &wire.MessageEvent{
			ID:         msg.ID,
			SenderID:   msg.SenderID,
			Body:       msg.Body,
			Attachment: msg.Attachment,
			Timestamp:  msg.Timestamp,
		}
		if idx, ok := t.matchOutstanding(ev); ok {
			send := t.outstanding[idx]
			t.outstanding = append(t.outstanding[:idx], t.outstanding[idx+1:]...)
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			t.confirmPending(send.tempID, ev)
			continue
		}
		i++
	}
	t.logger.Debug("identity resolved", "my_id", myID)
}

// matchOutstanding finds the outstanding send claimed by the echo.
func (t *Timeline) matchOutstanding(ev *wire.MessageEvent) (int, bool) {
	// Tier 1: the server echoed our tempId back.
	if ev.TempID != "" {
		for i, send := range t.outstanding {
			if send.tempID == ev.TempID {
				return i, true
			}
		}
		// A tempId we never issued matches nothing; fall through to
		// fingerprint matching rather than misclaim.
	}

	// Tier 2: same content fingerprint, sent within the echo window. Two
	// rapid identical sends can be misattributed here, which is why the
	// window is short and tempId matching is preferred.
	content := Content{Body: ev.Body, Attachment: ev.Attachment}
	fp := content.fingerprint()
	ref := ev.Timestamp
	if ref.IsZero() {
		ref = t.now()
	}
	for i := len(t.outstanding) - 1; i >= 0; i-- {
		send := t.outstanding[i]
		if send.fingerprint != fp {
			continue
		}
		delta := ref.Sub(send.sentAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= t.echoWindow {
			return i, true
		}
	}
	return 0, false
}

// confirmPending replaces the pending entry in place, preserving its list
// position, with the server-confirmed id, timestamp and content.
func (t *Timeline) confirmPending(tempID string, ev *wire.MessageEvent) {
	for i := range t.messages {
		msg := &t.messages[i]
		if msg.TempID != tempID || msg.Lifecycle != LifecyclePending {
			continue
		}
		msg.ID = ev.ID
		msg.SenderID = ev.SenderID
		msg.Body = ev.Body
		if ev.Attachment != nil {
			msg.Attachment = ev.Attachment
		}
		if !ev.Timestamp.IsZero() {
			msg.Timestamp = ev.Timestamp
		}
		msg.Lifecycle = LifecycleConfirmed
		t.logger.Debug("pending confirmed", "temp_id", tempID, "id", ev.ID)
		return
	}
	// Pending entry vanished (should not happen); fall back to append so
	// the confirmed message is not lost.
	t.insertOrdered(Message{
		ID:             ev.ID,
		ConversationID: t.conversationID,
		SenderID:       ev.SenderID,
		Direction:      DirectionSent,
		Body:           ev.Body,
		Attachment:     ev.Attachment,
		Timestamp:      ev.Timestamp,
		Lifecycle:      LifecycleConfirmed,
	})
}

// ExpireStalePending fails every pending send older than the send timeout
// and returns the affected messages so callers can offer retry. A late
// echo for a failed send is dropped by tempId.
func (t *Timeline) ExpireStalePending(now time.Time) []Message {
	var failed []Message
	remaining := t.outstanding[:0]
	for _, send := range t.outstanding {
		if now.Sub(send.sentAt) < t.sendTimeout {
			remaining = append(remaining, send)
			continue
		}
		t.expired[send.tempID] = struct{}{}
		for i := range t.messages {
			msg := &t.messages[i]
			if msg.TempID == send.tempID && msg.Lifecycle == LifecyclePending {
				msg.Lifecycle = LifecycleFailed
				failed = append(failed, *msg)
				break
			}
		}
		t.logger.Debug("pending send expired", "temp_id", send.tempID)
	}
	t.outstanding = remaining
	return failed
}

// FailAllPending marks every outstanding send failed, for channel closure
// before any echo could arrive. Returns the affected messages.
func (t *Timeline) FailAllPending() []Message {
	var failed []Message
	for _, send := range t.outstanding {
		t.expired[send.tempID] = struct{}{}
		for i := range t.messages {
			msg := &t.messages[i]
			if msg.TempID == send.tempID && msg.Lifecycle == LifecyclePending {
				msg.Lifecycle = LifecycleFailed
				failed = append(failed, *msg)
				break
			}
		}
	}
	t.outstanding = nil
	return failed
}

// MarkFailed fails one outstanding send immediately, for transmit errors
// where no echo can be expected. Returns false if no such pending send.
func (t *Timeline) MarkFailed(tempID string) bool {
	for i, send := range t.outstanding {
		if send.tempID != tempID {
			continue
		}
		t.outstanding = append(t.outstanding[:i], t.outstanding[i+1:]...)
		t.expired[tempID] = struct{}{}
		for j := range t.messages {
			msg := &t.messages[j]
			if msg.TempID == tempID && msg.Lifecycle == LifecyclePending {
				msg.Lifecycle = LifecycleFailed
				break
			}
		}
		return true
	}
	return false
}

// PrepareRetry re-arms a failed send: the entry keeps its place and
// drafted content but gets a fresh tempId, a pending lifecycle and a new
// send time. The caller transmits the returned message again.
func (t *Timeline) PrepareRetry(tempID string) (Message, bool) {
	for i := range t.messages {
		msg := &t.messages[i]
		if msg.TempID != tempID || msg.Lifecycle != LifecycleFailed {
			continue
		}
		msg.TempID = uuid.New().String()
		msg.Lifecycle = LifecyclePending
		msg.Timestamp = t.now()
		t.outstanding = append(t.outstanding, outstandingSend{
			tempID:      msg.TempID,
			sentAt:      msg.Timestamp,
			fingerprint: Content{Body: msg.Body, Attachment: msg.Attachment}.fingerprint(),
		})
		return *msg, true
	}
	return Message{}, false
}

// insertOrdered places msg by timestamp ascending, ties broken by arrival:
// among equal timestamps the newcomer goes last.
func (t *Timeline) insertOrdered(msg Message) {
	i := len(t.messages)
	for i > 0 && t.messages[i-1].Timestamp.After(msg.Timestamp) {
		i--
	}
	t.messages = append(t.messages, Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
}

// Messages returns a copy of the current ordered list.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// PendingCount returns the number of sends still awaiting their echo.
func (t *Timeline) PendingCount() int {
	return len(t.outstanding)
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// MyID returns the local identity currently used for classification.
func (t *Timeline) MyID() string {
	return t.myID
}

func sortByTimestamp(msgs []Message) {
	// Insertion sort keeps equal timestamps in record order; history
	// batches are small (one page).
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].Timestamp.After(msgs[j].Timestamp); j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}
