package simlink

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/fraglink/internal/protocol/frame"
)

var ErrClosed = errors.New("simlink: closed")

const inboxDepth = 4096

// Options shapes one direction of an in-memory unit link.
type Options struct {
	// Latency delays every delivered unit.
	Latency time.Duration
	// Drop decides per written frame whether it is lost; nil keeps all.
	Drop func(data []byte) bool
}

// Write is one recorded WriteFrame call.
type Write struct {
	At   time.Time
	Data []byte
}

// Endpoint is one side of a unit-level link. It implements link.Framer.
type Endpoint struct {
	opts Options
	peer *Endpoint

	in        chan frame.Unit
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []Write
}

func newEndpoint(opts Options) *Endpoint {
	return &Endpoint{
		opts:   opts,
		in:     make(chan frame.Unit, inboxDepth),
		closed: make(chan struct{}),
	}
}

// Pair connects two endpoints; a applies to frames a writes, b likewise.
func Pair(a, b Options) (*Endpoint, *Endpoint) {
	ea := newEndpoint(a)
	eb := newEndpoint(b)
	ea.peer = eb
	eb.peer = ea
	return ea, eb
}

// Sink is an endpoint whose writes go nowhere: nothing is ever acknowledged.
func Sink() *Endpoint {
	return newEndpoint(Options{})
}

func (e *Endpoint) WriteFrame(data []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	e.mu.Lock()
	e.writes = append(e.writes, Write{At: time.Now(), Data: cp})
	e.mu.Unlock()

	if e.peer == nil {
		return nil
	}
	if e.opts.Drop != nil && e.opts.Drop(cp) {
		return nil
	}
	u := frame.Unit{Framed: true, Data: cp}
	if e.opts.Latency <= 0 {
		e.peer.deliver(u)
		return nil
	}
	time.AfterFunc(e.opts.Latency, func() {
		e.peer.deliver(u)
	})
	return nil
}

func (e *Endpoint) deliver(u frame.Unit) {
	select {
	case e.in <- u:
	case <-e.closed:
	}
}

// Inject queues a unit as if it had arrived from the wire.
func (e *Endpoint) Inject(u frame.Unit) {
	e.deliver(u)
}

func (e *Endpoint) ReadUnit() (frame.Unit, error) {
	select {
	case u := <-e.in:
		return u, nil
	case <-e.closed:
		return frame.Unit{}, ErrClosed
	}
}

// Writes returns every frame written so far, dropped ones included.
func (e *Endpoint) Writes() []Write {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Write, len(e.writes))
	copy(out, e.writes)
	return out
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	return nil
}
