package event

import "sync"

// Observation is the state of a conversation after a turn completes.
type Observation struct {
	ConversationID string
	// IDSupplied is false when the conversation did not exist before the turn.
	IDSupplied bool
	// Snapshot is the stored message count before the turn.
	Snapshot int64
	// Count is the stored message count after the turn.
	Count int64
}

// Tracker decides which event, if any, a turn should publish.
//
// Created fires once, the first time a conversation that had no id up front
// holds at least 2 messages. A conversation stays in that state across turns
// until it is announced, so a failed first turn followed by a retry still
// produces Created. Updated fires when an identified conversation grows past
// its snapshot and holds at least 2 messages.
type Tracker struct {
	mu        sync.Mutex
	announced map[string]struct{}
	pending   map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		announced: make(map[string]struct{}),
		pending:   make(map[string]struct{}),
	}
}

// MarkPending records that conversationID was created without an id known to
// observers. It is treated as unannounced until Created fires for it.
func (t *Tracker) MarkPending(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.announced[conversationID]; seen {
		return
	}
	t.pending[conversationID] = struct{}{}
}

// Observe returns the event for o and whether one should be published.
func (t *Tracker) Observe(o Observation) (Event, bool) {
	if o.Count < 2 {
		return Event{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	_, pending := t.pending[o.ConversationID]
	if !o.IDSupplied || pending {
		if _, seen := t.announced[o.ConversationID]; seen {
			return Event{}, false
		}
		t.announced[o.ConversationID] = struct{}{}
		delete(t.pending, o.ConversationID)
		return ConversationCreated(o.ConversationID), true
	}
	if o.Count > o.Snapshot {
		return ConversationUpdated(o.ConversationID), true
	}
	return Event{}, false
}

// Forget clears a deleted conversation so the same id can be announced again.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	delete(t.announced, conversationID)
	delete(t.pending, conversationID)
	t.mu.Unlock()
}
