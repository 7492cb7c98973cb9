package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/danmuck/fraglink/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed         = errors.New("link: closed")
	ErrInvalidConfig  = errors.New("link: invalid config")
	ErrLinkRead       = errors.New("link: read failed")
	ErrLinkWrite      = errors.New("link: write failed")
	ErrTaskExited     = errors.New("link: task exited")
	ErrUndelivered    = errors.New("link: message not fully acknowledged")
	ErrAckTableClosed = errors.New("link: ack table closed")
	ErrAckSuperseded  = errors.New("link: pending ack superseded")

	ErrMessageTooLarge = fragment.ErrMessageTooLarge
)

// Framer is the deframing byte link below the core. ReadUnit must return an
// error once the link is closed.
type Framer interface {
	WriteFrame(data []byte) error
	ReadUnit() (frame.Unit, error)
}

type UnitKind uint8

const (
	// UnitPassthrough is unframed link text, delivered unmodified.
	UnitPassthrough UnitKind = iota + 1
	// UnitMessage is one reassembled message.
	UnitMessage
)

func (k UnitKind) String() string {
	switch k {
	case UnitPassthrough:
		return "passthrough"
	case UnitMessage:
		return "message"
	default:
		return fmt.Sprintf("unit(%d)", uint8(k))
	}
}

// Unit is one item handed to the reader.
type Unit struct {
	Kind UnitKind
	Data []byte
}

type Option func(*Link)

// WithReassembler replaces the default in-memory reassembler.
func WithReassembler(r Reassembler) Option {
	return func(l *Link) {
		l.reasm = r
	}
}

// Link runs the receiver, the splitter and the sender ring for one framer.
// Any task exiting tears the whole link down.
type Link struct {
	cfg    Config
	framer Framer
	log    zerolog.Logger

	guard *linkGuard
	acks  *AckTable
	ids   *idAllocator
	reasm Reassembler
	stats counters

	in    chan outbound
	frags chan queued
	out   chan Unit

	group  *errgroup.Group
	cancel context.CancelCauseFunc

	failOnce sync.Once
	done     chan struct{}
	err      error

	writer *Writer
	reader *Reader
}

// Open validates cfg and starts the link's tasks. The link owns framer and
// closes it on teardown when it implements io.Closer.
func Open(ctx context.Context, framer Framer, cfg Config, opts ...Option) (*Link, error) {
	if framer == nil {
		return nil, fmt.Errorf("%w: nil framer", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Link{
		cfg:    cfg,
		framer: framer,
		log:    log.With().Str("link", cfg.Name).Logger(),
		guard:  newLinkGuard(framer),
		acks:   NewAckTable(),
		ids:    newIDAllocator(cfg.IDQuarantine),
		in:     make(chan outbound, 1),
		frags:  make(chan queued),
		out:    make(chan Unit, cfg.OutputQueue),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reasm == nil {
		l.reasm = NewMemoryReassembler(cfg.ReassemblyTimeout, cfg.MaxFragments, l.log)
	}
	l.writer = &Writer{link: l}
	l.reader = &Reader{link: l}

	ctx, cancel := context.WithCancelCause(ctx)
	l.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	l.group = group

	l.spawn(gctx, "receiver", l.runReceiver)
	l.spawn(gctx, "splitter", l.runSplitter)
	for _, w := range newRing(cfg.PipelineDepth, l.frags) {
		w := w
		l.spawn(gctx, fmt.Sprintf("ring.%d", w.index), func(ctx context.Context) error {
			return l.runWorker(ctx, w)
		})
	}
	go func() {
		<-gctx.Done()
		l.fail(context.Cause(gctx))
	}()

	l.log.Info().
		Int("fragment_size", cfg.FragmentSize).
		Int("max_fragments", cfg.MaxFragments).
		Int("retry_budget", cfg.RetryBudget).
		Dur("ack_timeout", cfg.AckTimeout).
		Float64("max_msg_rate", cfg.MaxMessageRate()).
		Int("pipeline_depth", cfg.PipelineDepth).
		Msg("link.open")
	return l, nil
}

func (l *Link) spawn(ctx context.Context, name string, task func(context.Context) error) {
	l.group.Go(func() error {
		err := task(ctx)
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrTaskExited, name)
		}
		l.fail(fmt.Errorf("%s: %w", name, err))
		return err
	})
}

// fail records the first teardown cause and unblocks every waiter.
func (l *Link) fail(cause error) {
	l.failOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		l.err = cause
		close(l.done)
		l.cancel(cause)
		l.acks.Close()
		if c, ok := l.framer.(io.Closer); ok {
			if err := c.Close(); err != nil {
				l.log.Debug().Err(err).Msg("link.close framer")
			}
		}
		if errors.Is(cause, ErrClosed) {
			l.log.Info().Msg("link.teardown")
			return
		}
		l.log.Error().Err(cause).Msg("link.teardown")
	})
}

func (l *Link) closedErr() error {
	<-l.done
	if errors.Is(l.err, ErrClosed) {
		return l.err
	}
	return fmt.Errorf("%w: %w", ErrClosed, l.err)
}

// Close tears the link down and waits for every task to exit.
func (l *Link) Close() error {
	l.fail(ErrClosed)
	_ = l.group.Wait()
	return nil
}

// Done is closed once the link has torn down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the teardown cause, or nil while the link is running.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *Link) Config() Config {
	return l.cfg
}

func (l *Link) Writer() *Writer {
	return l.writer
}

func (l *Link) Reader() *Reader {
	return l.reader
}

// AckTable exposes the pending-ack registry for inspection.
func (l *Link) AckTable() *AckTable {
	return l.acks
}

func (l *Link) Stats() Stats {
	s := l.stats.snapshot()
	s.Name = l.cfg.Name
	s.PendingAcks = l.acks.Len()
	s.PendingHighWater = l.acks.HighWater()
	s.IDsInFlight = l.ids.inFlight()
	if err := l.Err(); err != nil {
		s.Closed = true
		s.Error = err.Error()
	}
	return s
}

// Writer is the producer handle.
type Writer struct {
	link *Link
}

// WriteMessage hands msg to the splitter. It returns once the message is
// accepted into the pipeline, not once it is delivered, and fails only
// after teardown or when ctx ends first.
func (w *Writer) WriteMessage(ctx context.Context, msg []byte) error {
	return w.enqueue(ctx, outbound{payload: clonePayload(msg)})
}

// WriteTracked is WriteMessage plus a Delivery that resolves when the
// message is fully acknowledged or given up on.
func (w *Writer) WriteTracked(ctx context.Context, msg []byte) (*Delivery, error) {
	d := newDelivery(w.link)
	if err := w.enqueue(ctx, outbound{payload: clonePayload(msg), delivery: d}); err != nil {
		return nil, err
	}
	return d, nil
}

func (w *Writer) enqueue(ctx context.Context, msg outbound) error {
	l := w.link
	select {
	case <-l.done:
		return l.closedErr()
	default:
	}
	select {
	case l.in <- msg:
		l.stats.messagesAccepted.Add(1)
		return nil
	case <-l.done:
		return l.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reader is the consumer handle.
type Reader struct {
	link *Link
}

// ReadUnit returns the next passthrough run or reassembled message. Units
// already queued at teardown are discarded.
func (r *Reader) ReadUnit(ctx context.Context) (Unit, error) {
	l := r.link
	select {
	case <-l.done:
		return Unit{}, l.closedErr()
	default:
	}
	select {
	case u := <-l.out:
		return u, nil
	case <-l.done:
		return Unit{}, l.closedErr()
	case <-ctx.Done():
		return Unit{}, ctx.Err()
	}
}

func clonePayload(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
