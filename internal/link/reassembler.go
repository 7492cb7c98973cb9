package link

import (
	"sync"
	"time"

	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/rs/zerolog"
)

// Reassembler merges delivered fragments back into messages. Recv must be
// idempotent under duplicates and accept fragments in any order; it reports
// a completed message exactly once.
type Reassembler interface {
	Recv(msgID, id uint8, payload []byte) ([]byte, bool)
}

type partial struct {
	frags   map[uint8][]byte
	endSeq  int
	touched time.Time
}

// MemoryReassembler keeps partial messages per msg_id. Completed ids leave a
// tombstone so late duplicates are not delivered twice; partials and
// tombstones expire after ttl without activity.
type MemoryReassembler struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxFrags int
	now      func() time.Time
	log      zerolog.Logger

	partials map[uint8]*partial
	done     map[uint8]time.Time
}

func NewMemoryReassembler(ttl time.Duration, maxFragments int, logger zerolog.Logger) *MemoryReassembler {
	if maxFragments <= 0 || maxFragments > fragment.MaxSeq+1 {
		maxFragments = fragment.MaxSeq + 1
	}
	return &MemoryReassembler{
		ttl:      ttl,
		maxFrags: maxFragments,
		now:      time.Now,
		log:      logger,
		partials: make(map[uint8]*partial),
		done:     make(map[uint8]time.Time),
	}
}

func (r *MemoryReassembler) Recv(msgID, id uint8, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expire(now)

	if _, ok := r.done[msgID]; ok {
		r.done[msgID] = now
		return nil, false
	}

	f := fragment.Fragment{MsgID: msgID, ID: id}
	seq := f.Seq()
	if int(seq) >= r.maxFrags {
		r.log.Warn().Uint8("msg_id", msgID).Uint8("seq", seq).Msg("link.reassembler sequence out of range")
		return nil, false
	}

	p, ok := r.partials[msgID]
	if !ok {
		p = &partial{frags: make(map[uint8][]byte), endSeq: -1}
		r.partials[msgID] = p
	}
	p.touched = now

	if f.IsEnd() {
		if p.endSeq >= 0 && p.endSeq != int(seq) {
			r.log.Warn().
				Uint8("msg_id", msgID).
				Int("end_seq", p.endSeq).
				Uint8("seq", seq).
				Msg("link.reassembler conflicting end fragment")
			return nil, false
		}
		if p.endSeq < 0 {
			p.endSeq = int(seq)
			p.trimPastEnd(r.log, msgID)
		}
	}
	if p.endSeq >= 0 && int(seq) > p.endSeq {
		r.log.Warn().Uint8("msg_id", msgID).Uint8("seq", seq).Msg("link.reassembler fragment past end")
		return nil, false
	}
	if _, dup := p.frags[seq]; dup {
		return nil, false
	}
	chunk := make([]byte, len(payload))
	copy(chunk, payload)
	p.frags[seq] = chunk

	if !p.complete() {
		return nil, false
	}

	msg := make([]byte, 0, p.endSeq*len(p.frags[0])+len(p.frags[uint8(p.endSeq)]))
	for i := 0; i <= p.endSeq; i++ {
		msg = append(msg, p.frags[uint8(i)]...)
	}
	delete(r.partials, msgID)
	r.done[msgID] = now
	return msg, true
}

// trimPastEnd drops fragments stored before END was known whose sequence
// lies beyond it.
func (p *partial) trimPastEnd(logger zerolog.Logger, msgID uint8) {
	for seq := range p.frags {
		if int(seq) > p.endSeq {
			logger.Warn().Uint8("msg_id", msgID).Uint8("seq", seq).Msg("link.reassembler fragment past end")
			delete(p.frags, seq)
		}
	}
}

// complete reports whether END and every lower sequence are present.
func (p *partial) complete() bool {
	if p.endSeq < 0 || len(p.frags) != p.endSeq+1 {
		return false
	}
	for i := 0; i <= p.endSeq; i++ {
		if _, ok := p.frags[uint8(i)]; !ok {
			return false
		}
	}
	return true
}

// Pending is the number of incomplete messages.
func (r *MemoryReassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

func (r *MemoryReassembler) expire(now time.Time) {
	for id, p := range r.partials {
		if now.Sub(p.touched) > r.ttl {
			r.log.Debug().Uint8("msg_id", id).Int("fragments", len(p.frags)).Msg("link.reassembler expire partial")
			delete(r.partials, id)
		}
	}
	for id, at := range r.done {
		if now.Sub(at) > r.ttl {
			delete(r.done, id)
		}
	}
}
