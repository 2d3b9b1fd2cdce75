// Package dispatch fans inbound messages out to per-channel listeners.
//
// The dispatcher keeps a bounded live timeline per channel. A message that
// matches a timeline entry by server id, or by client correlation id for an
// optimistic echo, replaces that entry in place; anything else is appended.
// Listeners are invoked synchronously in registration order from a snapshot
// of the registry taken before the first callback runs.
package dispatch

import (
	"slices"
	"sync"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/platform/telemetry/metrics"
)

// DefaultTimelineLimit bounds each channel's live timeline.
const DefaultTimelineLimit = 1000

// Outcome describes how a dispatched message changed the timeline.
type Outcome int

const (
	// OutcomeAppended means the message was new to the channel.
	OutcomeAppended Outcome = iota + 1
	// OutcomeReplaced means the message replaced an existing entry.
	OutcomeReplaced
)

// String returns a label for logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Event is what listeners receive.
type Event struct {
	Message chat.Message
	Outcome Outcome
	// Replay marks history reconciliation rather than live traffic.
	Replay bool
}

// Listener receives events for one channel. It runs synchronously on the
// dispatching goroutine, which for live traffic is the hub read loop.
type Listener func(Event)

// Subscription identifies one listener registration.
type Subscription struct {
	channelID string
	id        uint64
}

// ChannelID returns the channel the subscription listens to.
func (s Subscription) ChannelID() string {
	return s.channelID
}

type registration struct {
	id       uint64
	listener Listener
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimelineLimit bounds each channel timeline to limit entries.
func WithTimelineLimit(limit int) Option {
	return func(d *Dispatcher) {
		if limit > 0 {
			d.limit = limit
		}
	}
}

// WithMetrics records dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher owns the listener registry and live timelines.
type Dispatcher struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]registration
	timelines map[string][]chat.Message
	// index maps server message ids to their channel.
	index   map[string]string
	limit   int
	metrics *metrics.Metrics
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners: make(map[string][]registration),
		timelines: make(map[string][]chat.Message),
		index:     make(map[string]string),
		limit:     DefaultTimelineLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddListener registers listener for channelID.
func (d *Dispatcher) AddListener(channelID string, listener Listener) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := Subscription{channelID: channelID, id: d.nextID}
	if listener == nil {
		return sub
	}
	d.listeners[channelID] = append(d.listeners[channelID], registration{id: sub.id, listener: listener})
	return sub
}

// RemoveListener unregisters a subscription. Unknown or already removed
// subscriptions are ignored.
func (d *Dispatcher) RemoveListener(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.listeners[sub.channelID]
	for i, reg := range regs {
		if reg.id != sub.id {
			continue
		}
		// Copy so snapshots taken by in-flight dispatches stay intact.
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.listeners, sub.channelID)
		} else {
			d.listeners[sub.channelID] = next
		}
		return
	}
}

// ListenerCount returns the number of listeners registered for channelID.
func (d *Dispatcher) ListenerCount(channelID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[channelID])
}

// Dispatch applies msg to its channel timeline and notifies listeners.
func (d *Dispatcher) Dispatch(msg chat.Message) Outcome {
	return d.dispatch(msg, false)
}

// Replay applies history fetched from the store. Replayed messages are
// placed by creation time and flagged so consumers can skip unread counting.
func (d *Dispatcher) Replay(msgs []chat.Message) {
	for _, msg := range msgs {
		d.dispatch(msg, true)
	}
}

// MarkDeleted flips the deleted flag on a known message and dispatches the
// updated copy. Unknown ids are ignored.
func (d *Dispatcher) MarkDeleted(messageID string) (chat.Message, bool) {
	d.mu.Lock()
	channelID, ok := d.index[messageID]
	if !ok {
		d.mu.Unlock()
		return chat.Message{}, false
	}
	pos := findIndex(d.timelines[channelID], chat.Message{ID: messageID})
	if pos < 0 {
		d.mu.Unlock()
		return chat.Message{}, false
	}
	updated := d.timelines[channelID][pos].Clone()
	d.mu.Unlock()

	updated.Deleted = true
	d.dispatch(updated, false)
	return updated, true
}

// Lookup returns the live copy of a message by server id.
func (d *Dispatcher) Lookup(messageID string) (chat.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channelID, ok := d.index[messageID]
	if !ok {
		return chat.Message{}, false
	}
	pos := findIndex(d.timelines[channelID], chat.Message{ID: messageID})
	if pos < 0 {
		return chat.Message{}, false
	}
	return d.timelines[channelID][pos].Clone(), true
}

// Timeline returns a copy of the live messages for channelID.
func (d *Dispatcher) Timeline(channelID string) []chat.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	timeline := d.timelines[channelID]
	out := make([]chat.Message, len(timeline))
	for i, msg := range timeline {
		out[i] = msg.Clone()
	}
	return out
}

// Forget drops the timeline for channelID. Listeners stay registered.
func (d *Dispatcher) Forget(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msg := range d.timelines[channelID] {
		if msg.ID != "" {
			delete(d.index, msg.ID)
		}
	}
	delete(d.timelines, channelID)
}

func (d *Dispatcher) dispatch(msg chat.Message, replay bool) Outcome {
	msg = msg.Clone()

	d.mu.Lock()
	timeline := d.timelines[msg.ChannelID]
	outcome := OutcomeAppended
	if pos := findIndex(timeline, msg); pos >= 0 {
		outcome = OutcomeReplaced
		msg = merge(timeline[pos], msg)
		timeline[pos] = msg
	} else if replay {
		timeline = insertByCreatedAt(timeline, msg)
	} else {
		timeline = append(timeline, msg)
	}
	timeline = d.trim(timeline)
	d.timelines[msg.ChannelID] = timeline
	if msg.ID != "" {
		d.index[msg.ID] = msg.ChannelID
	}
	snapshot := d.listeners[msg.ChannelID]
	d.mu.Unlock()

	d.metrics.ObserveDispatch(outcome.String())
	for _, reg := range snapshot {
		reg.listener(Event{Message: msg.Clone(), Outcome: outcome, Replay: replay})
	}
	return outcome
}

func (d *Dispatcher) trim(timeline []chat.Message) []chat.Message {
	if len(timeline) <= d.limit {
		return timeline
	}
	drop := len(timeline) - d.limit
	for _, msg := range timeline[:drop] {
		if msg.ID != "" {
			delete(d.index, msg.ID)
		}
	}
	return slices.Clone(timeline[drop:])
}

func findIndex(timeline []chat.Message, msg chat.Message) int {
	for i := range timeline {
		if timeline[i].SameAs(msg) {
			return i
		}
	}
	return -1
}

// merge reconciles an incoming copy with the entry it replaces. A server copy
// older than the live one keeps the live content.
func merge(current, incoming chat.Message) chat.Message {
	if isStale(current, incoming) {
		current.Deleted = current.Deleted || incoming.Deleted
		current.Status = current.Status.Advance(incoming.Status)
		return current
	}
	if incoming.ID == "" {
		incoming.ID = current.ID
	}
	if incoming.ClientMessageID == "" {
		incoming.ClientMessageID = current.ClientMessageID
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = current.CreatedAt
	}
	incoming.Deleted = incoming.Deleted || current.Deleted
	incoming.Edited = incoming.Edited || current.Edited
	if incoming.UpdatedAt.IsZero() {
		incoming.UpdatedAt = current.UpdatedAt
	}

	status := current.Status.Advance(incoming.Status)
	if current.ID == "" && incoming.ID != "" && !status.Confirmed() {
		// First authoritative copy of an optimistic echo.
		status = chat.StatusSent
	}
	incoming.Status = status
	return incoming
}

// isStale reports whether incoming predates current. Unedited server copies
// carry no UpdatedAt and are older than any edit.
func isStale(current, incoming chat.Message) bool {
	if current.ID == "" || incoming.ID == "" || current.UpdatedAt.IsZero() {
		return false
	}
	return incoming.UpdatedAt.Before(current.UpdatedAt)
}

func insertByCreatedAt(timeline []chat.Message, msg chat.Message) []chat.Message {
	pos := len(timeline)
	for i := range timeline {
		if timeline[i].CreatedAt.After(msg.CreatedAt) {
			pos = i
			break
		}
	}
	return slices.Insert(timeline, pos, msg)
}
