package link

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/fraglink/internal/protocol/fragment"
)

// PendingAck is one fragment awaiting acknowledgment. Done yields nil once
// on ack, or ErrAckTableClosed if the table is torn down first.
type PendingAck struct {
	Tag          fragment.Tag
	RegisteredAt time.Time
	done         chan error
}

func (p *PendingAck) Done() <-chan error {
	return p.done
}

// AckTable stores fragments awaiting acknowledgment by tag.
type AckTable struct {
	mu        sync.Mutex
	items     map[fragment.Tag]*PendingAck
	highWater int
	closed    bool
}

func NewAckTable() *AckTable {
	return &AckTable{
		items: make(map[fragment.Tag]*PendingAck),
	}
}

// Register adds tag before its first transmission. A stale entry under the
// same tag is superseded and reported broken to its waiter.
func (t *AckTable) Register(tag fragment.Tag) *PendingAck {
	p := &PendingAck{
		Tag:          tag,
		RegisteredAt: time.Now(),
		done:         make(chan error, 1),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		p.done <- ErrAckTableClosed
		return p
	}
	if old, ok := t.items[tag]; ok {
		old.done <- ErrAckSuperseded
	}
	t.items[tag] = p
	if len(t.items) > t.highWater {
		t.highWater = len(t.items)
	}
	return p
}

// Fulfill completes and removes the entry for tag. It reports false for
// stray or duplicate acks.
func (t *AckTable) Fulfill(tag fragment.Tag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[tag]
	if !ok {
		return false
	}
	delete(t.items, tag)
	p.done <- nil
	return true
}

// Remove drops p if it is still the registered entry for its tag. False
// means it was already fulfilled or superseded.
func (t *AckTable) Remove(p *PendingAck) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[p.Tag]
	if !ok || cur != p {
		return false
	}
	delete(t.items, p.Tag)
	return true
}

// Close breaks every outstanding entry and refuses new ones.
func (t *AckTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for tag, p := range t.items {
		p.done <- ErrAckTableClosed
		delete(t.items, tag)
	}
}

func (t *AckTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// HighWater is the most entries ever pending at once.
func (t *AckTable) HighWater() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWater
}

func (t *AckTable) Has(tag fragment.Tag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[tag]
	return ok
}

func (t *AckTable) Pending() []fragment.Tag {
	t.mu.Lock()
	out := make([]fragment.Tag, 0, len(t.items))
	for tag := range t.items {
		out = append(out, tag)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].MsgID != out[j].MsgID {
			return out[i].MsgID < out[j].MsgID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
