// ABOUTME: Tracker keeps the latest presence value per counterpart id.
// ABOUTME: Updates replace whole values so stale partial events cannot resurrect old status.

package presence

import (
	"log/slog"
	"time"

	"github.com/jeewanjyoti/careline/internal/wire"
)

// Status is a counterpart's presence state.
type Status struct {
	Online     bool
	LastSeenAt time.Time
}

// Tracker maps counterpart ids to their latest presence. The session event
// loop is the single writer; reads happen from the same loop, so no
// locking is needed.
type Tracker struct {
	byCounterpart map[string]Status
	logger        *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byCounterpart: make(map[string]Status),
		logger:        logger.With("component", "presence"),
	}
}

// Apply replaces the stored value for the event's counterpart. Only that
// counterpart's entry changes; every other id keeps its recorded status.
func (t *Tracker) Apply(ev *wire.PresenceEvent) {
	status := Status{
		Online:     ev.Status == wire.StatusOnline,
		LastSeenAt: ev.LastSeenAt,
	}
	t.byCounterpart[ev.CounterpartID] = status
	t.logger.Debug("presence updated",
		"counterpart_id", ev.CounterpartID,
		"status", ev.Status)
}

// Lookup returns the latest presence for the counterpart and whether any
// presence event has arrived for it yet. Callers fall back to their own
// snapshot until ok is true.
func (t *Tracker) Lookup(counterpartID string) (Status, bool) {
	status, ok := t.byCounterpart[counterpartID]
	return status, ok
}

// Reset drops all recorded presence, for session teardown.
func (t *Tracker) Reset() {
	t.byCounterpart = make(map[string]Status)
}
