package link

import (
	"context"
	"fmt"

	"github.com/danmuck/fraglink/internal/observability"
	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/danmuck/fraglink/internal/protocol/frame"
)

// inbound is a link unit decoded exactly once at read time.
type inbound interface {
	isInbound()
}

type passthroughUnit struct {
	data []byte
}

type ackUnit struct {
	frag fragment.Fragment
}

type dataUnit struct {
	frag fragment.Fragment
}

func (passthroughUnit) isInbound() {}
func (ackUnit) isInbound()         {}
func (dataUnit) isInbound()        {}

// decodeUnit classifies a unit. A framed unit without the two-byte trailer
// is a protocol violation.
func decodeUnit(u frame.Unit) (inbound, error) {
	if !u.Framed {
		return passthroughUnit{data: u.Data}, nil
	}
	f, err := fragment.Decode(u.Data)
	if err != nil {
		return nil, err
	}
	if f.IsAck() {
		return ackUnit{frag: f}, nil
	}
	return dataUnit{frag: f}, nil
}

func (l *Link) runReceiver(ctx context.Context) error {
	for {
		u, err := l.framer.ReadUnit()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLinkRead, err)
		}
		in, err := decodeUnit(u)
		if err != nil {
			return err
		}

		switch v := in.(type) {
		case passthroughUnit:
			l.stats.passthroughUnits.Add(1)
			observability.RecordReceiverUnit(l.cfg.Name, "passthrough")
			if err := l.emit(ctx, Unit{Kind: UnitPassthrough, Data: v.data}); err != nil {
				return err
			}
		case ackUnit:
			l.handleAck(v.frag)
		case dataUnit:
			if err := l.handleData(ctx, v.frag); err != nil {
				return err
			}
		default:
			return fmt.Errorf("link: unhandled unit %T", in)
		}
	}
}

func (l *Link) handleAck(f fragment.Fragment) {
	l.stats.acksReceived.Add(1)
	observability.RecordReceiverUnit(l.cfg.Name, "ack")
	if len(f.Payload) > 0 {
		l.stats.ackPayloadAnomalies.Add(1)
		observability.RecordReceiverUnit(l.cfg.Name, "ack_payload")
		l.log.Warn().
			Stringer("tag", f.Tag()).
			Int("payload_len", len(f.Payload)).
			Msg("link.receiver ack carries payload")
	}
	if !l.acks.Fulfill(f.Tag()) {
		l.stats.strayAcks.Add(1)
		observability.RecordReceiverUnit(l.cfg.Name, "stray_ack")
		l.log.Debug().
			Stringer("tag", f.Tag()).
			Msg("link.receiver stray ack")
	}
}

// handleData acks every data fragment, duplicates included, so a lost ack
// is repaired by the sender's next retry.
func (l *Link) handleData(ctx context.Context, f fragment.Fragment) error {
	l.stats.dataReceived.Add(1)
	observability.RecordReceiverUnit(l.cfg.Name, "data")
	if err := l.guard.write(ctx, fragment.Encode(f.AckFor())); err != nil {
		return err
	}
	l.stats.acksSent.Add(1)

	msg, ok := l.reasm.Recv(f.MsgID, f.ID, f.Payload)
	if !ok {
		return nil
	}
	l.stats.messagesReceived.Add(1)
	observability.RecordReceiverUnit(l.cfg.Name, "message")
	l.log.Debug().
		Uint8("msg_id", f.MsgID).
		Int("bytes", len(msg)).
		Msg("link.receiver message complete")
	return l.emit(ctx, Unit{Kind: UnitMessage, Data: msg})
}

func (l *Link) emit(ctx context.Context, u Unit) error {
	select {
	case l.out <- u:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
