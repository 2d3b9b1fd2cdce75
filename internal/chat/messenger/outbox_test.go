package messenger

import (
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

func newClockedOutbox() *Outbox {
	o := NewOutbox()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	o.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return o
}

func TestOutboxBegin(t *testing.T) {
	o := newClockedOutbox()
	entry, err := o.Begin("c1", "general", chat.Draft{Body: "hi"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if entry.State != EntryPending || entry.ChannelID != "general" {
		t.Fatalf("entry = %+v", entry)
	}
	if _, err := o.Begin("c1", "general", chat.Draft{Body: "again"}); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("duplicate err = %v, want VALIDATION_ERROR", err)
	}
	if _, err := o.Begin(" ", "general", chat.Draft{Body: "x"}); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("empty id err = %v, want VALIDATION_ERROR", err)
	}
}

func TestOutboxConfirmRemovesEntry(t *testing.T) {
	o := newClockedOutbox()
	if _, err := o.Begin("c1", "general", chat.Draft{Body: "hi"}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	entry, ok := o.Confirm("c1", chat.Message{ID: "m1"})
	if !ok || entry.State != EntryConfirmed || entry.Message.ID != "m1" {
		t.Fatalf("confirm = %+v, %v", entry, ok)
	}
	if _, ok := o.Get("c1"); ok {
		t.Fatal("confirmed entry still queued")
	}
	if _, ok := o.Confirm("c1", chat.Message{ID: "m1"}); ok {
		t.Fatal("second confirm should report false")
	}
}

func TestOutboxFailAndRetry(t *testing.T) {
	o := newClockedOutbox()
	if _, err := o.Begin("c1", "general", chat.Draft{Body: "hi"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := o.Retry("c1"); !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("retry pending err = %v, want VALIDATION_ERROR", err)
	}

	cause := errors.New("boom")
	entry, ok := o.Fail("c1", cause)
	if !ok || entry.State != EntryFailed || !errors.Is(entry.Err, cause) {
		t.Fatalf("fail = %+v, %v", entry, ok)
	}
	if _, ok := o.Fail("c1", cause); ok {
		t.Fatal("failing a failed entry should report false")
	}
	if failed := o.Failed(); len(failed) != 1 || failed[0].ClientMessageID != "c1" {
		t.Fatalf("failed = %+v", failed)
	}

	entry, err := o.Retry("c1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if entry.State != EntryPending || entry.Err != nil {
		t.Fatalf("retried = %+v", entry)
	}
	if _, err := o.Retry("missing"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("retry missing err = %v, want NOT_FOUND", err)
	}
}

func TestOutboxConfirmSupersedesFailure(t *testing.T) {
	o := newClockedOutbox()
	if _, err := o.Begin("c1", "general", chat.Draft{Body: "hi"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	o.Fail("c1", errors.New("timeout"))

	if _, ok := o.Confirm("c1", chat.Message{ID: "m1"}); !ok {
		t.Fatal("late confirmation should settle a failed entry")
	}
	if len(o.Failed()) != 0 {
		t.Fatal("failed list should be empty")
	}
}

func TestOutboxListsOldestFirst(t *testing.T) {
	o := newClockedOutbox()
	for _, id := range []string{"c3", "c1", "c2"} {
		if _, err := o.Begin(id, "general", chat.Draft{Body: id}); err != nil {
			t.Fatalf("begin %s: %v", id, err)
		}
	}
	o.Discard("c1")

	pending := o.Pending()
	if len(pending) != 2 || pending[0].ClientMessageID != "c3" || pending[1].ClientMessageID != "c2" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestEntryStateString(t *testing.T) {
	tests := map[EntryState]string{
		EntryPending:   "pending",
		EntryConfirmed: "confirmed",
		EntryFailed:    "failed",
		EntryState(0):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", state, got, want)
		}
	}
}
