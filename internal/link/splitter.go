package link

import (
	"context"

	"github.com/danmuck/fraglink/internal/observability"
	"github.com/danmuck/fraglink/internal/protocol/fragment"
)

// outbound is one accepted message waiting for the splitter.
type outbound struct {
	payload  []byte
	delivery *Delivery
}

// queued is one fragment on its way to the sender ring.
type queued struct {
	frag  fragment.Fragment
	state *sendState
}

// runSplitter assigns msg_ids and feeds fragments to the ring in order.
// Oversize messages are dropped before an id is assigned.
func (l *Link) runSplitter(ctx context.Context) error {
	for {
		var msg outbound
		select {
		case msg = <-l.in:
		case <-ctx.Done():
			return context.Cause(ctx)
		}

		n := fragment.Count(len(msg.payload), l.cfg.FragmentSize, l.cfg.MaxFragments)
		if n > l.cfg.MaxFragments {
			l.dropOversize(msg, n)
			continue
		}

		id, err := l.ids.acquire(ctx)
		if err != nil {
			return err
		}
		frags, err := fragment.Split(id, msg.payload, l.cfg.FragmentSize, l.cfg.MaxFragments)
		if err != nil {
			// Count already admitted the message; this is a config bug.
			l.ids.release(id)
			l.dropOversize(msg, n)
			continue
		}

		state := newSendState(id, len(frags), l.ids, msg.delivery, &l.stats)
		l.log.Debug().
			Uint8("msg_id", id).
			Int("bytes", len(msg.payload)).
			Int("fragments", len(frags)).
			Msg("link.splitter message")
		for _, f := range frags {
			select {
			case l.frags <- queued{frag: f, state: state}:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
	}
}

func (l *Link) dropOversize(msg outbound, fragments int) {
	l.stats.messagesOversize.Add(1)
	observability.RecordMessageDropped(l.cfg.Name, "oversize")
	l.log.Warn().
		Int("bytes", len(msg.payload)).
		Int("fragments", fragments).
		Int("max_bytes", l.cfg.MaxMessageBytes()).
		Msg("link.splitter drop oversize message")
	if msg.delivery != nil {
		msg.delivery.resolve(ErrMessageTooLarge)
	}
}
