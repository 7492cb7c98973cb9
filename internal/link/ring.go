package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fraglink/internal/observability"
	"github.com/danmuck/fraglink/internal/protocol/fragment"
)

// baton is the consuming end of the fragment queue. Exactly one ring worker
// holds it at a time.
type baton <-chan queued

type ringWorker struct {
	index  int
	inbox  <-chan baton
	outbox chan<- baton
}

// newRing wires depth workers into a cycle and gives worker 0 the baton.
func newRing(depth int, frags <-chan queued) []ringWorker {
	links := make([]chan baton, depth)
	for i := range links {
		links[i] = make(chan baton, 1)
	}
	workers := make([]ringWorker, depth)
	for i := range workers {
		workers[i] = ringWorker{
			index:  i,
			inbox:  links[i],
			outbox: links[(i+1)%depth],
		}
	}
	links[0] <- baton(frags)
	return workers
}

// runWorker pulls one fragment per turn, passes the baton on, then sends.
// Only the pull is ordered; sends from different workers overlap.
func (l *Link) runWorker(ctx context.Context, w ringWorker) error {
	for {
		var b baton
		select {
		case b = <-w.inbox:
		case <-ctx.Done():
			return context.Cause(ctx)
		}

		var item queued
		select {
		case item = <-b:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		w.outbox <- b

		if err := l.send(ctx, w.index, item); err != nil {
			return err
		}
	}
}

// send writes one fragment until acked or the retry budget runs out. Only
// link write failures and teardown are returned; delivery failure is not.
func (l *Link) send(ctx context.Context, worker int, item queued) error {
	tag := item.frag.Tag()
	pending := l.acks.Register(tag)
	wire := fragment.Encode(item.frag)

	for attempt := 1; attempt <= l.cfg.RetryBudget; attempt++ {
		if err := l.guard.write(ctx, wire); err != nil {
			return err
		}
		l.stats.fragmentWrites.Add(1)
		if attempt > 1 {
			l.stats.retransmissions.Add(1)
		}
		observability.RecordFragmentWrite(l.cfg.Name, attempt)

		timer := time.NewTimer(l.cfg.AckTimeout)
		select {
		case err := <-pending.Done():
			timer.Stop()
			if err != nil {
				l.log.Warn().
					Err(err).
					Stringer("tag", tag).
					Int("worker", worker).
					Msg("link.ring completion broken")
				item.state.settle(false)
				if errors.Is(err, ErrAckTableClosed) {
					return fmt.Errorf("%w: %w", ErrClosed, err)
				}
				return nil
			}
			l.acked(item, pending, attempt)
			return nil
		case <-timer.C:
			l.log.Debug().
				Stringer("tag", tag).
				Int("worker", worker).
				Int("attempt", attempt).
				Msg("link.ring ack timeout")
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		}
	}

	if !l.acks.Remove(pending) {
		// The ack landed between the last timeout and the removal.
		if err := <-pending.Done(); err == nil {
			l.acked(item, pending, l.cfg.RetryBudget)
			return nil
		}
	}
	l.stats.fragmentsAbandoned.Add(1)
	observability.RecordFragmentAbandoned(l.cfg.Name)
	l.log.Warn().
		Stringer("tag", tag).
		Int("worker", worker).
		Int("attempts", l.cfg.RetryBudget).
		Msg("link.ring abandon fragment")
	item.state.settle(false)
	return nil
}

func (l *Link) acked(item queued, pending *PendingAck, attempts int) {
	wait := time.Since(pending.RegisteredAt)
	l.stats.fragmentsAcked.Add(1)
	observability.RecordFragmentAcked(l.cfg.Name, wait)
	l.log.Trace().
		Stringer("tag", pending.Tag).
		Int("attempts", attempts).
		Dur("wait", wait).
		Msg("link.ring acked")
	item.state.settle(true)
}
