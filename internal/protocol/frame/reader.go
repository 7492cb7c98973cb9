package frame

import (
	"bufio"
	"errors"
	"io"
	"sync/atomic"

	"github.com/danmuck/fraglink/internal/observability"
	"github.com/rs/zerolog/log"
)

// Reader splits a text-interleaved byte stream into units. Frames that fail
// their checksum or exceed the limits are dropped here and never surfaced.
type Reader struct {
	br     *bufio.Reader
	limits Limits

	inFrame  bool
	escaped  bool
	overflow bool
	body     []byte
	text     []byte

	// err is returned once the pending text has been flushed.
	err     error
	dropped atomic.Uint64
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxFrameBytes <= 0 {
		limits.MaxFrameBytes = DefaultLimits().MaxFrameBytes
	}
	if limits.MaxTextBytes <= 0 {
		limits.MaxTextBytes = DefaultLimits().MaxTextBytes
	}
	return &Reader{
		br:     bufio.NewReader(r),
		limits: limits,
	}
}

// Dropped reports how many frames were discarded as corrupt or oversized.
func (r *Reader) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Reader) ReadUnit() (Unit, error) {
	if r.err != nil {
		return Unit{}, r.err
	}
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			r.err = err
			if !r.inFrame && len(r.text) > 0 {
				return r.flushText(), nil
			}
			return Unit{}, err
		}

		if !r.inFrame {
			if b == Delim {
				r.beginFrame()
				if len(r.text) > 0 {
					return r.flushText(), nil
				}
				continue
			}
			r.text = append(r.text, b)
			if b == '\n' || len(r.text) >= r.limits.MaxTextBytes || r.br.Buffered() == 0 {
				return r.flushText(), nil
			}
			continue
		}

		if b == Delim {
			if len(r.body) == 0 && !r.overflow {
				// back-to-back delimiters: treat as the opening of the next frame
				r.escaped = false
				continue
			}
			data, ok := r.endFrame()
			if ok {
				return Unit{Framed: true, Data: data}, nil
			}
			continue
		}
		if r.overflow {
			continue
		}
		if b == Escape {
			r.escaped = true
			continue
		}
		if r.escaped {
			b ^= escXor
			r.escaped = false
		}
		r.body = append(r.body, b)
		if len(r.body) > r.limits.MaxFrameBytes+CRCLen {
			r.overflow = true
		}
	}
}

func (r *Reader) beginFrame() {
	r.inFrame = true
	r.escaped = false
	r.overflow = false
	r.body = r.body[:0]
}

func (r *Reader) endFrame() ([]byte, bool) {
	r.inFrame = false
	if r.overflow {
		r.drop(ErrFrameTooLarge)
		return nil, false
	}
	data, err := CheckBody(r.body)
	if err != nil {
		r.drop(err)
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func (r *Reader) drop(reason error) {
	r.dropped.Add(1)
	label := "checksum"
	switch {
	case errors.Is(reason, ErrFrameTooLarge):
		label = "oversize"
	case errors.Is(reason, ErrShortFrame):
		label = "short"
	}
	observability.RecordFrameDropped(label)
	log.Debug().Err(reason).Int("body_len", len(r.body)).Msg("frame.reader drop")
}

func (r *Reader) flushText() Unit {
	out := make([]byte, len(r.text))
	copy(out, r.text)
	r.text = r.text[:0]
	return Unit{Data: out}
}
