package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/switchboard/internal/chat"
)

func TestDispatchReplacesByID(t *testing.T) {
	d := New()
	var observed []Event
	d.AddListener("c1", func(e Event) { observed = append(observed, e) })

	if got := d.Dispatch(chat.Message{ID: "1", ChannelID: "c1", Body: "first"}); got != OutcomeAppended {
		t.Fatalf("first dispatch = %v, want appended", got)
	}
	if got := d.Dispatch(chat.Message{ID: "1", ChannelID: "c1", Body: "edited", Edited: true}); got != OutcomeReplaced {
		t.Fatalf("second dispatch = %v, want replaced", got)
	}

	timeline := d.Timeline("c1")
	if len(timeline) != 1 {
		t.Fatalf("timeline len = %d, want 1", len(timeline))
	}
	if timeline[0].Body != "edited" || !timeline[0].Edited {
		t.Fatalf("timeline entry = %+v, want edited body", timeline[0])
	}
	if len(observed) != 2 || observed[1].Outcome != OutcomeReplaced || observed[1].Message.Body != "edited" {
		t.Fatalf("observed = %+v", observed)
	}
}

func TestOlderServerCopyKeepsLiveEdit(t *testing.T) {
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	edited := chat.Message{ID: "1", ChannelID: "c", Body: "v2", Edited: true, CreatedAt: base, UpdatedAt: base.Add(time.Minute)}

	tests := []struct {
		name  string
		apply func(d *Dispatcher, msg chat.Message)
		stale chat.Message
	}{
		{
			name:  "replayed history",
			apply: func(d *Dispatcher, msg chat.Message) { d.Replay([]chat.Message{msg}) },
			stale: chat.Message{ID: "1", ChannelID: "c", Body: "v1", CreatedAt: base, UpdatedAt: base},
		},
		{
			name:  "late send completion",
			apply: func(d *Dispatcher, msg chat.Message) { d.Dispatch(msg) },
			stale: chat.Message{ID: "1", ChannelID: "c", ClientMessageID: "cm-1", Body: "v1", CreatedAt: base, Status: chat.StatusSent},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			d.Dispatch(edited)
			tt.apply(d, tt.stale)

			timeline := d.Timeline("c")
			if len(timeline) != 1 {
				t.Fatalf("timeline len = %d, want 1", len(timeline))
			}
			got := timeline[0]
			if got.Body != "v2" || !got.Edited {
				t.Fatalf("entry = body %q edited %v, want v2 edited", got.Body, got.Edited)
			}
			if !got.UpdatedAt.Equal(edited.UpdatedAt) {
				t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, edited.UpdatedAt)
			}
		})
	}
}

func TestNewerEditReplacesAndEditedSticks(t *testing.T) {
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	d := New()
	d.Dispatch(chat.Message{ID: "1", ChannelID: "c", Body: "v2", Edited: true, UpdatedAt: base})
	d.Dispatch(chat.Message{ID: "1", ChannelID: "c", Body: "v3", UpdatedAt: base.Add(time.Minute)})

	got := d.Timeline("c")[0]
	if got.Body != "v3" || !got.Edited {
		t.Fatalf("entry = body %q edited %v, want v3 edited", got.Body, got.Edited)
	}
}

func TestDispatchOnlyNotifiesChannelListeners(t *testing.T) {
	d := New()
	calls := map[string]int{}
	d.AddListener("a", func(Event) { calls["a"]++ })
	d.AddListener("b", func(Event) { calls["b"]++ })

	d.Dispatch(chat.Message{ID: "1", ChannelID: "a"})

	if calls["a"] != 1 || calls["b"] != 0 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestListenersRunInRegistrationOrder(t *testing.T) {
	d := New()
	var order []int
	for i := 0; i < 5; i++ {
		d.AddListener("c", func(Event) { order = append(order, i) })
	}
	d.Dispatch(chat.Message{ID: "1", ChannelID: "c"})
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestRemoveListenerTwiceIsNoop(t *testing.T) {
	d := New()
	var first, second int
	sub := d.AddListener("c", func(Event) { first++ })
	d.AddListener("c", func(Event) { second++ })

	d.RemoveListener(sub)
	d.RemoveListener(sub)
	d.RemoveListener(Subscription{channelID: "missing", id: 99})

	d.Dispatch(chat.Message{ID: "1", ChannelID: "c"})
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d, want 0 and 1", first, second)
	}
	if got := d.ListenerCount("c"); got != 1 {
		t.Fatalf("listener count = %d, want 1", got)
	}
}

func TestSelfRemovingListenerDuringDispatch(t *testing.T) {
	d := New()
	var calls []string
	var sub Subscription
	sub = d.AddListener("c", func(Event) {
		calls = append(calls, "self")
		d.RemoveListener(sub)
	})
	d.AddListener("c", func(Event) { calls = append(calls, "next") })

	d.Dispatch(chat.Message{ID: "1", ChannelID: "c"})
	if fmt.Sprint(calls) != "[self next]" {
		t.Fatalf("calls after first dispatch = %v", calls)
	}

	d.Dispatch(chat.Message{ID: "2", ChannelID: "c"})
	if fmt.Sprint(calls) != "[self next next]" {
		t.Fatalf("calls after second dispatch = %v", calls)
	}
}

func TestListenerAddedDuringDispatchWaitsForNextMessage(t *testing.T) {
	d := New()
	late := 0
	added := false
	d.AddListener("c", func(Event) {
		if !added {
			added = true
			d.AddListener("c", func(Event) { late++ })
		}
	})

	d.Dispatch(chat.Message{ID: "1", ChannelID: "c"})
	if late != 0 {
		t.Fatalf("late listener ran during the dispatch that added it")
	}
	d.Dispatch(chat.Message{ID: "2", ChannelID: "c"})
	if late != 1 {
		t.Fatalf("late listener calls = %d, want 1", late)
	}
}

func TestOptimisticEchoReconciliation(t *testing.T) {
	d := New()
	d.Dispatch(chat.Message{ClientMessageID: "cm-1", ChannelID: "c", Body: "hi", Status: chat.StatusSending})

	outcome := d.Dispatch(chat.Message{ID: "srv-1", ClientMessageID: "cm-1", ChannelID: "c", Body: "hi"})
	if outcome != OutcomeReplaced {
		t.Fatalf("authoritative copy = %v, want replaced", outcome)
	}

	timeline := d.Timeline("c")
	if len(timeline) != 1 {
		t.Fatalf("timeline len = %d, want 1", len(timeline))
	}
	if timeline[0].ID != "srv-1" || timeline[0].Status != chat.StatusSent {
		t.Fatalf("reconciled entry = %+v", timeline[0])
	}

	// A late failure report for the same echo cannot regress a confirmed copy.
	d.Dispatch(chat.Message{ClientMessageID: "cm-1", ChannelID: "c", Body: "hi", Status: chat.StatusFailed})
	timeline = d.Timeline("c")
	if timeline[0].Status != chat.StatusSent || timeline[0].ID != "srv-1" {
		t.Fatalf("late failure regressed entry: %+v", timeline[0])
	}
}

func TestFailedEchoSupersededByServerCopy(t *testing.T) {
	d := New()
	d.Dispatch(chat.Message{ClientMessageID: "cm", ChannelID: "c", Status: chat.StatusSending})
	d.Dispatch(chat.Message{ClientMessageID: "cm", ChannelID: "c", Status: chat.StatusFailed})
	if got := d.Timeline("c")[0].Status; got != chat.StatusFailed {
		t.Fatalf("status = %v, want failed", got)
	}

	d.Dispatch(chat.Message{ID: "srv", ClientMessageID: "cm", ChannelID: "c"})
	if got := d.Timeline("c")[0].Status; got != chat.StatusSent {
		t.Fatalf("status = %v, want sent", got)
	}
}

func TestMarkDeleted(t *testing.T) {
	d := New()
	var last Event
	d.AddListener("c", func(e Event) { last = e })
	d.Dispatch(chat.Message{ID: "m", ChannelID: "c", Body: "keep me"})

	if _, ok := d.MarkDeleted("unknown"); ok {
		t.Fatal("unknown id should be ignored")
	}

	updated, ok := d.MarkDeleted("m")
	if !ok || !updated.Deleted {
		t.Fatalf("MarkDeleted = %+v, %v", updated, ok)
	}
	if !last.Message.Deleted || last.Message.Body != "keep me" || last.Outcome != OutcomeReplaced {
		t.Fatalf("listener saw %+v", last)
	}
	if got := d.Timeline("c"); len(got) != 1 || !got[0].Deleted {
		t.Fatalf("timeline = %+v", got)
	}
}

func TestTimelineIsBounded(t *testing.T) {
	d := New(WithTimelineLimit(3))
	for i := 0; i < 5; i++ {
		d.Dispatch(chat.Message{ID: fmt.Sprintf("m%d", i), ChannelID: "c"})
	}
	timeline := d.Timeline("c")
	if len(timeline) != 3 || timeline[0].ID != "m2" {
		t.Fatalf("timeline = %+v", timeline)
	}
	if _, ok := d.Lookup("m0"); ok {
		t.Fatal("trimmed message should leave the index")
	}
	if _, ok := d.MarkDeleted("m0"); ok {
		t.Fatal("trimmed message should not be deletable")
	}
}

func TestReplayOrdersByCreatedAtAndFlagsEvents(t *testing.T) {
	d := New()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	d.Dispatch(chat.Message{ID: "live", ChannelID: "c", CreatedAt: base.Add(time.Hour)})

	var replays int
	d.AddListener("c", func(e Event) {
		if e.Replay {
			replays++
		}
	})
	d.Replay([]chat.Message{
		{ID: "old", ChannelID: "c", CreatedAt: base},
		{ID: "live", ChannelID: "c", CreatedAt: base.Add(time.Hour), Body: "same"},
	})

	timeline := d.Timeline("c")
	if len(timeline) != 2 || timeline[0].ID != "old" || timeline[1].ID != "live" {
		t.Fatalf("timeline = %+v", timeline)
	}
	if replays != 2 {
		t.Fatalf("replay events = %d, want 2", replays)
	}
}

func TestTimelineReturnsCopy(t *testing.T) {
	d := New()
	d.Dispatch(chat.Message{ID: "m", ChannelID: "c", Body: "original"})
	timeline := d.Timeline("c")
	timeline[0].Body = "mutated"
	if got := d.Timeline("c")[0].Body; got != "original" {
		t.Fatalf("timeline mutated through copy: %q", got)
	}
}

func TestForget(t *testing.T) {
	d := New()
	d.Dispatch(chat.Message{ID: "m", ChannelID: "c"})
	d.Forget("c")
	if len(d.Timeline("c")) != 0 {
		t.Fatal("expected empty timeline")
	}
	if _, ok := d.Lookup("m"); ok {
		t.Fatal("expected index cleared")
	}
}
