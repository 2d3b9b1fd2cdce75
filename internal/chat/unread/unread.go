// Package unread tracks per-channel unread counters.
package unread

import (
	"sync"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/dispatch"
)

// Tracker holds unread counts. The active channel always reads as zero.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
	active string
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Increment counts one more unread message for channelID unless it is active.
func (t *Tracker) Increment(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if channelID == "" || channelID == t.active {
		return
	}
	t.counts[channelID]++
}

// Reset clears the count for channelID.
func (t *Tracker) Reset(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, channelID)
}

// Get returns the unread count for channelID.
func (t *Tracker) Get(channelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if channelID == t.active {
		return 0
	}
	return t.counts[channelID]
}

// SetActive makes channelID the active channel and clears its count before
// returning. An empty id clears the active channel.
func (t *Tracker) SetActive(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = channelID
	delete(t.counts, channelID)
}

// Active returns the active channel id.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Total sums the counts of every non-active channel.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for channelID, count := range t.counts {
		if channelID != t.active {
			total += count
		}
	}
	return total
}

// Observe applies a dispatch event on behalf of selfID: only live, newly
// appended messages authored by someone else count.
func (t *Tracker) Observe(selfID string, event dispatch.Event) {
	if !Counts(selfID, event) {
		return
	}
	t.Increment(event.Message.ChannelID)
}

// Counts reports whether event should raise an unread counter for selfID.
func Counts(selfID string, event dispatch.Event) bool {
	if event.Replay || event.Outcome != dispatch.OutcomeAppended {
		return false
	}
	return !isOwn(selfID, event.Message)
}

func isOwn(selfID string, msg chat.Message) bool {
	return selfID != "" && msg.SenderID == selfID
}
