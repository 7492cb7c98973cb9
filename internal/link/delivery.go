package link

import (
	"context"
	"sync"
	"sync/atomic"
)

// Delivery resolves once a tracked message is fully acknowledged, dropped,
// or partially abandoned. Acceptance by WriteMessage never implies delivery.
type Delivery struct {
	link *Link
	done chan struct{}
	once sync.Once
	err  error
}

func newDelivery(l *Link) *Delivery {
	return &Delivery{link: l, done: make(chan struct{})}
}

func (d *Delivery) resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait returns nil when every fragment was acknowledged, ErrMessageTooLarge
// or ErrUndelivered for dropped messages, or the teardown error.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-d.link.done:
		select {
		case <-d.done:
			return d.err
		default:
		}
		return d.link.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendState counts one message's unsettled fragments.
type sendState struct {
	msgID     uint8
	remaining atomic.Int32
	failed    atomic.Bool
	ids       *idAllocator
	delivery  *Delivery
	stats     *counters
}

func newSendState(msgID uint8, fragments int, ids *idAllocator, delivery *Delivery, stats *counters) *sendState {
	s := &sendState{msgID: msgID, ids: ids, delivery: delivery, stats: stats}
	s.remaining.Store(int32(fragments))
	return s
}

// settle records one fragment's outcome; the last one frees the msg_id.
func (s *sendState) settle(acked bool) {
	if !acked {
		s.failed.Store(true)
	}
	if s.remaining.Add(-1) != 0 {
		return
	}
	s.ids.release(s.msgID)
	if s.failed.Load() {
		s.stats.messagesUndelivered.Add(1)
	} else {
		s.stats.messagesSent.Add(1)
	}
	if s.delivery == nil {
		return
	}
	if s.failed.Load() {
		s.delivery.resolve(ErrUndelivered)
		return
	}
	s.delivery.resolve(nil)
}
