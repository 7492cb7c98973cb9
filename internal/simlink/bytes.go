package simlink

import (
	"bytes"
	"io"
	"math/rand"
	"sync"

	"github.com/danmuck/fraglink/internal/protocol/frame"
)

// stream is an unbounded in-memory byte pipe. Writes never block.
type stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := s.buf.Write(p)
	s.cond.Broadcast()
	return n, nil
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Faults corrupts bytes written in one direction.
type Faults struct {
	// Rate is the per-byte flip probability, e.g. 1.0/65536.
	Rate float64
	Seed int64
	// At lists absolute byte offsets that are always flipped.
	At []int64
}

type corrupter struct {
	mu     sync.Mutex
	rng    *rand.Rand
	rate   float64
	at     map[int64]bool
	offset int64
	flips  int
}

func newCorrupter(f Faults) *corrupter {
	at := make(map[int64]bool, len(f.At))
	for _, off := range f.At {
		at[off] = true
	}
	return &corrupter{
		rng:  rand.New(rand.NewSource(f.Seed)),
		rate: f.Rate,
		at:   at,
	}
}

func (c *corrupter) apply(p []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(p))
	copy(out, p)
	for i := range out {
		if c.at[c.offset] || (c.rate > 0 && c.rng.Float64() < c.rate) {
			out[i] ^= byte(1 << uint(c.rng.Intn(8)))
			c.flips++
		}
		c.offset++
	}
	return out
}

// Flips is how many bytes this direction has corrupted.
func (c *corrupter) Flips() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flips
}

// ByteEnd is one side of a faulty byte stream.
type ByteEnd struct {
	r     *stream
	w     *stream
	fault *corrupter
}

func (e *ByteEnd) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

func (e *ByteEnd) Write(p []byte) (int, error) {
	if e.fault != nil {
		p = e.fault.apply(p)
	}
	return e.w.Write(p)
}

// Close ends both directions; the peer then reads io.EOF.
func (e *ByteEnd) Close() error {
	_ = e.w.Close()
	return e.r.Close()
}

// Flips reports corrupted bytes written from this end.
func (e *ByteEnd) Flips() int {
	if e.fault == nil {
		return 0
	}
	return e.fault.Flips()
}

// BytePair returns two ends of a duplex byte stream; a's faults apply to
// bytes a writes, b's to bytes b writes.
func BytePair(a, b Faults) (*ByteEnd, *ByteEnd) {
	ab := newStream()
	ba := newStream()
	return &ByteEnd{r: ba, w: ab, fault: newCorrupter(a)},
		&ByteEnd{r: ab, w: ba, fault: newCorrupter(b)}
}

// FramedPair wraps BytePair in framers.
func FramedPair(a, b Faults, limits frame.Limits) (*frame.Conn, *frame.Conn, *ByteEnd, *ByteEnd) {
	ea, eb := BytePair(a, b)
	return frame.NewConn(ea, limits), frame.NewConn(eb, limits), ea, eb
}
