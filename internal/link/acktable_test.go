package link

import (
	"errors"
	"testing"

	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/danmuck/fraglink/internal/testutil/testlog"
)

func TestAckTableLifecycle(t *testing.T) {
	testlog.Start(t)
	table := NewAckTable()
	tag := fragment.Tag{MsgID: 4, Seq: 2}

	p := table.Register(tag)
	if !table.Has(tag) || table.Len() != 1 {
		t.Fatalf("expected registered tag")
	}
	if !table.Fulfill(tag) {
		t.Fatalf("expected fulfill to find tag")
	}
	select {
	case err := <-p.Done():
		if err != nil {
			t.Fatalf("unexpected completion error: %v", err)
		}
	default:
		t.Fatalf("completion not signalled")
	}
	if table.Has(tag) {
		t.Fatalf("tag should be removed after fulfill")
	}
	if table.Fulfill(tag) {
		t.Fatalf("duplicate ack should report false")
	}
	if table.Remove(p) {
		t.Fatalf("remove after fulfill should report false")
	}
}

func TestAckTableRemoveOnlyOwnEntry(t *testing.T) {
	testlog.Start(t)
	table := NewAckTable()
	tag := fragment.Tag{MsgID: 1, Seq: 0}

	old := table.Register(tag)
	fresh := table.Register(tag)
	if err := <-old.Done(); !errors.Is(err, ErrAckSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	if table.Remove(old) {
		t.Fatalf("stale handle must not remove the fresh entry")
	}
	if !table.Has(tag) {
		t.Fatalf("fresh entry missing")
	}
	if !table.Remove(fresh) {
		t.Fatalf("expected fresh entry removal")
	}
	if table.Len() != 0 {
		t.Fatalf("unexpected len=%d", table.Len())
	}
}

func TestAckTableCloseBreaksWaiters(t *testing.T) {
	testlog.Start(t)
	table := NewAckTable()
	a := table.Register(fragment.Tag{MsgID: 1, Seq: 0})
	b := table.Register(fragment.Tag{MsgID: 1, Seq: 1})
	table.Close()

	for _, p := range []*PendingAck{a, b} {
		if err := <-p.Done(); !errors.Is(err, ErrAckTableClosed) {
			t.Fatalf("expected ErrAckTableClosed, got %v", err)
		}
	}
	late := table.Register(fragment.Tag{MsgID: 2, Seq: 0})
	if err := <-late.Done(); !errors.Is(err, ErrAckTableClosed) {
		t.Fatalf("expected closed table to refuse, got %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("unexpected len=%d", table.Len())
	}
}

func TestAckTableHighWaterAndPending(t *testing.T) {
	testlog.Start(t)
	table := NewAckTable()
	tags := []fragment.Tag{{MsgID: 3, Seq: 1}, {MsgID: 2, Seq: 5}, {MsgID: 3, Seq: 0}}
	for _, tag := range tags {
		table.Register(tag)
	}
	table.Fulfill(tags[0])
	table.Register(fragment.Tag{MsgID: 9, Seq: 9})

	if got := table.HighWater(); got != 3 {
		t.Fatalf("unexpected high water: %d", got)
	}
	pending := table.Pending()
	want := []fragment.Tag{{MsgID: 2, Seq: 5}, {MsgID: 3, Seq: 0}, {MsgID: 9, Seq: 9}}
	if len(pending) != len(want) {
		t.Fatalf("unexpected pending: %v", pending)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("pending[%d]=%v want %v", i, pending[i], want[i])
		}
	}
}
