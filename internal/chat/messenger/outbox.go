package messenger

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// EntryState is the lifecycle of one optimistic send.
type EntryState int

const (
	// EntryPending means the send is in flight.
	EntryPending EntryState = iota + 1
	// EntryConfirmed means the server acknowledged the message.
	EntryConfirmed
	// EntryFailed means the send failed and may be retried.
	EntryFailed
)

// String returns a label for logs.
func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryConfirmed:
		return "confirmed"
	case EntryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one outbound message tracked from echo to acknowledgement.
type Entry struct {
	ClientMessageID string
	ChannelID       string
	Draft           chat.Draft
	State           EntryState
	// Message is the authoritative copy once confirmed.
	Message   chat.Message
	Err       error
	UpdatedAt time.Time
}

// Outbox tracks unacknowledged sends. Confirmed entries leave the outbox;
// failed entries stay until retried or discarded.
type Outbox struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{now: time.Now, entries: make(map[string]*Entry)}
}

// Begin records a pending send.
func (o *Outbox) Begin(clientMessageID, channelID string, draft chat.Draft) (Entry, error) {
	if strings.TrimSpace(clientMessageID) == "" {
		return Entry{}, apperrors.New(apperrors.CodeValidation, "client message id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[clientMessageID]; ok {
		return Entry{}, apperrors.WithMetadata(apperrors.CodeValidation, "message already queued", map[string]string{
			"ClientMessageID": clientMessageID,
		})
	}
	entry := &Entry{
		ClientMessageID: clientMessageID,
		ChannelID:       channelID,
		Draft:           draft,
		State:           EntryPending,
		UpdatedAt:       o.now(),
	}
	o.entries[clientMessageID] = entry
	return *entry, nil
}

// Confirm settles a pending or failed entry with the server copy. A failure
// reported before the server copy arrived is superseded.
func (o *Outbox) Confirm(clientMessageID string, msg chat.Message) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[clientMessageID]
	if !ok {
		return Entry{}, false
	}
	delete(o.entries, clientMessageID)
	entry.State = EntryConfirmed
	entry.Message = msg
	entry.Err = nil
	entry.UpdatedAt = o.now()
	return *entry, true
}

// Fail marks a pending entry failed. Entries in any other state are left
// alone.
func (o *Outbox) Fail(clientMessageID string, err error) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[clientMessageID]
	if !ok || entry.State != EntryPending {
		return Entry{}, false
	}
	entry.State = EntryFailed
	entry.Err = err
	entry.UpdatedAt = o.now()
	return *entry, true
}

// Retry moves a failed entry back to pending.
func (o *Outbox) Retry(clientMessageID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[clientMessageID]
	if !ok {
		return Entry{}, apperrors.WithMetadata(apperrors.CodeNotFound, "message is not queued", map[string]string{
			"ClientMessageID": clientMessageID,
		})
	}
	if entry.State != EntryFailed {
		return Entry{}, apperrors.New(apperrors.CodeValidation, "only failed messages can be retried")
	}
	entry.State = EntryPending
	entry.Err = nil
	entry.UpdatedAt = o.now()
	return *entry, nil
}

// Discard drops an entry.
func (o *Outbox) Discard(clientMessageID string) {
	o.mu.Lock()
	delete(o.entries, clientMessageID)
	o.mu.Unlock()
}

// Get returns an entry still in the outbox.
func (o *Outbox) Get(clientMessageID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[clientMessageID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Failed lists failed entries, oldest first.
func (o *Outbox) Failed() []Entry {
	return o.list(EntryFailed)
}

// Pending lists in-flight entries, oldest first.
func (o *Outbox) Pending() []Entry {
	return o.list(EntryPending)
}

func (o *Outbox) list(state EntryState) []Entry {
	o.mu.Lock()
	var out []Entry
	for _, entry := range o.entries {
		if entry.State == state {
			out = append(out, *entry)
		}
	}
	o.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ClientMessageID, b.ClientMessageID)
	})
	return out
}
