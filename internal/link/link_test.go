package link

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/danmuck/fraglink/internal/protocol/frame"
	"github.com/danmuck/fraglink/internal/simlink"
	"github.com/danmuck/fraglink/internal/testutil/testlog"
)

func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	return cfg
}

func openLink(t *testing.T, framer Framer, cfg Config, opts ...Option) *Link {
	t.Helper()
	l, err := Open(context.Background(), framer, cfg, opts...)
	if err != nil {
		t.Fatalf("open link %s: %v", cfg.Name, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func openPair(t *testing.T, a, b simlink.Options) (*Link, *Link, *simlink.Endpoint, *simlink.Endpoint) {
	t.Helper()
	ea, eb := simlink.Pair(a, b)
	la := openLink(t, ea, testConfig(t.Name()+".a"))
	lb := openLink(t, eb, testConfig(t.Name()+".b"))
	return la, lb, ea, eb
}

// readMessage skips passthrough units and returns the next message.
func readMessage(t *testing.T, l *Link, timeout time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		u, err := l.Reader().ReadUnit(ctx)
		if err != nil {
			t.Fatalf("read unit: %v", err)
		}
		if u.Kind == UnitMessage {
			return u.Data
		}
	}
}

func expectNoUnit(t *testing.T, l *Link, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	u, err := l.Reader().ReadUnit(ctx)
	if err == nil {
		t.Fatalf("unexpected unit: kind=%v data=%q", u.Kind, u.Data)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected read error: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dataWrites(writes []simlink.Write) []simlink.Write {
	out := make([]simlink.Write, 0, len(writes))
	for _, w := range writes {
		f, err := fragment.Decode(w.Data)
		if err == nil && !f.IsAck() {
			out = append(out, w)
		}
	}
	return out
}

func TestHelloWorldSingleFragment(t *testing.T) {
	testlog.Start(t)
	la, lb, ea, _ := openPair(t, simlink.Options{}, simlink.Options{})

	if err := la.Writer().WriteMessage(context.Background(), []byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readMessage(t, lb, 2*time.Second)
	if string(got) != "hello world" {
		t.Fatalf("unexpected message: %q", got)
	}
	waitFor(t, time.Second, "ack", func() bool { return la.Stats().FragmentsAcked == 1 })

	writes := dataWrites(ea.Writes())
	if len(writes) != 1 {
		t.Fatalf("expected one fragment on the wire, got %d", len(writes))
	}
	f, _ := fragment.Decode(writes[0].Data)
	if !f.IsEnd() || f.Seq() != 0 || f.MsgID != 1 {
		t.Fatalf("unexpected fragment: %+v", f)
	}
	expectNoUnit(t, lb, 150*time.Millisecond)
}

func TestMessagesRoundTripAcrossLink(t *testing.T) {
	testlog.Start(t)
	la, lb, _, _ := openPair(t, simlink.Options{}, simlink.Options{})

	msgs := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte{0x7E, 0x7D}, 80),
		bytes.Repeat([]byte("abcdefgh"), 400),
	}
	go func() {
		for _, m := range msgs {
			_ = la.Writer().WriteMessage(context.Background(), m)
		}
	}()
	seen := map[string]bool{}
	for range msgs {
		seen[string(readMessage(t, lb, 3*time.Second))] = true
	}
	for _, m := range msgs {
		if !seen[string(m)] {
			t.Fatalf("missing message of %d bytes", len(m))
		}
	}
}

func TestRetryBudgetAgainstSilentLink(t *testing.T) {
	testlog.Start(t)
	sink := simlink.Sink()
	l := openLink(t, sink, testConfig(t.Name()))

	if err := l.Writer().WriteMessage(context.Background(), []byte("nobody home")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 3*time.Second, "abandon", func() bool { return l.Stats().FragmentsAbandoned == 1 })

	writes := sink.Writes()
	if len(writes) != 10 {
		t.Fatalf("expected 10 attempts, got %d", len(writes))
	}
	for i := 1; i < len(writes); i++ {
		if gap := writes[i].At.Sub(writes[i-1].At); gap < 100*time.Millisecond {
			t.Fatalf("attempt %d only %v after previous", i+1, gap)
		}
		if !bytes.Equal(writes[i].Data, writes[0].Data) {
			t.Fatalf("retry %d changed the wire bytes", i+1)
		}
	}
	if l.AckTable().Len() != 0 {
		t.Fatalf("stale ack entries: %v", l.AckTable().Pending())
	}
	stats := l.Stats()
	if stats.Retransmissions != 9 || stats.FragmentWrites != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if l.Err() != nil {
		t.Fatalf("abandonment must not tear the link down: %v", l.Err())
	}
}

func TestPipelineDepthBound(t *testing.T) {
	testlog.Start(t)
	la, lb, _, _ := openPair(t, simlink.Options{}, simlink.Options{Latency: 30 * time.Millisecond})

	var peak atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(la.AckTable().Len()); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	msg := bytes.Repeat([]byte("pipeline"), 200)
	go func() {
		for i := 0; i < 3; i++ {
			_ = la.Writer().WriteMessage(context.Background(), msg)
		}
	}()
	for i := 0; i < 3; i++ {
		if got := readMessage(t, lb, 5*time.Second); !bytes.Equal(got, msg) {
			t.Fatalf("message %d mismatch", i)
		}
	}
	close(stop)
	<-sampled

	if hw := la.AckTable().HighWater(); hw > 3 || hw < 2 {
		t.Fatalf("unexpected pending high water: %d", hw)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("sampled %d pending acks", p)
	}
}

func TestReceiverAcksEveryDuplicate(t *testing.T) {
	testlog.Start(t)
	tx, rx := simlink.Pair(simlink.Options{}, simlink.Options{})
	t.Cleanup(func() { _ = tx.Close() })
	l := openLink(t, rx, testConfig(t.Name()))

	frags, err := fragment.Split(42, []byte("duplicate me please"), 8, 64)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	const rounds = 3
	for round := 0; round < rounds; round++ {
		for _, f := range frags {
			if err := tx.WriteFrame(fragment.Encode(f)); err != nil {
				t.Fatalf("write frame: %v", err)
			}
		}
	}

	if got := readMessage(t, l, 2*time.Second); string(got) != "duplicate me please" {
		t.Fatalf("unexpected message: %q", got)
	}
	expectNoUnit(t, l, 150*time.Millisecond)

	acks := 0
	for acks < rounds*len(frags) {
		u, err := tx.ReadUnit()
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		f, err := fragment.Decode(u.Data)
		if err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if !f.IsAck() || f.MsgID != 42 || len(f.Payload) != 0 {
			t.Fatalf("unexpected ack unit: %+v", f)
		}
		acks++
	}
	waitFor(t, time.Second, "ack counters", func() bool {
		s := l.Stats()
		return s.AcksSent == uint64(rounds*len(frags)) && s.MessagesReceived == 1
	})
}

func TestReceiverPassthroughAndAnomalies(t *testing.T) {
	testlog.Start(t)
	sink := simlink.Sink()
	l := openLink(t, sink, testConfig(t.Name()))

	sink.Inject(frame.Unit{Data: []byte("console: boot\n")})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := l.Reader().ReadUnit(ctx)
	if err != nil {
		t.Fatalf("read unit: %v", err)
	}
	if u.Kind != UnitPassthrough || string(u.Data) != "console: boot\n" {
		t.Fatalf("unexpected passthrough: %+v", u)
	}

	stray := fragment.Fragment{MsgID: 77, ID: fragment.FlagAck | 3}
	sink.Inject(frame.Unit{Framed: true, Data: fragment.Encode(stray)})
	noisy := fragment.Fragment{MsgID: 78, ID: fragment.FlagAck, Payload: []byte("??")}
	sink.Inject(frame.Unit{Framed: true, Data: fragment.Encode(noisy)})

	waitFor(t, time.Second, "anomalies", func() bool {
		s := l.Stats()
		return s.StrayAcks == 2 && s.AckPayloadAnomalies == 1
	})
	if l.Err() != nil {
		t.Fatalf("anomalies must not tear down: %v", l.Err())
	}
}

func TestShortFrameTearsDownBothHandles(t *testing.T) {
	testlog.Start(t)
	sink := simlink.Sink()
	l := openLink(t, sink, testConfig(t.Name()))

	sink.Inject(frame.Unit{Framed: true, Data: []byte{0x01}})
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not tear down")
	}
	if !errors.Is(l.Err(), fragment.ErrShortFrame) {
		t.Fatalf("unexpected teardown cause: %v", l.Err())
	}

	err := l.Writer().WriteMessage(context.Background(), []byte("late"))
	if !errors.Is(err, ErrClosed) || !errors.Is(err, fragment.ErrShortFrame) {
		t.Fatalf("unexpected write error: %v", err)
	}
	if _, err := l.Reader().ReadUnit(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !l.Stats().Closed {
		t.Fatalf("stats should report closed")
	}
}

type failingFramer struct {
	*simlink.Endpoint
}

func (f failingFramer) WriteFrame([]byte) error {
	return errors.New("device unplugged")
}

func TestWriteFailureIsFatal(t *testing.T) {
	testlog.Start(t)
	l := openLink(t, failingFramer{simlink.Sink()}, testConfig(t.Name()))

	if err := l.Writer().WriteMessage(context.Background(), []byte("boom")); err != nil {
		t.Fatalf("write should be accepted before teardown: %v", err)
	}
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not tear down")
	}
	if !errors.Is(l.Err(), ErrLinkWrite) {
		t.Fatalf("unexpected teardown cause: %v", l.Err())
	}
}

func TestOversizeMessageDroppedSilently(t *testing.T) {
	testlog.Start(t)
	sink := simlink.Sink()
	cfg := testConfig(t.Name())
	l := openLink(t, sink, cfg)

	big := make([]byte, cfg.MaxMessageBytes()+1)
	if err := l.Writer().WriteMessage(context.Background(), big); err != nil {
		t.Fatalf("oversize write should look accepted: %v", err)
	}
	d, err := l.Writer().WriteTracked(context.Background(), big)
	if err != nil {
		t.Fatalf("tracked write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if got := l.Stats().MessagesOversize; got != 2 {
		t.Fatalf("unexpected oversize count: %d", got)
	}
	if n := len(sink.Writes()); n != 0 {
		t.Fatalf("expected no fragments on the wire, got %d", n)
	}
}

func TestWriteTrackedResolves(t *testing.T) {
	testlog.Start(t)
	la, lb, _, _ := openPair(t, simlink.Options{}, simlink.Options{})

	d, err := la.Writer().WriteTracked(context.Background(), bytes.Repeat([]byte("z"), 500))
	if err != nil {
		t.Fatalf("tracked write: %v", err)
	}
	readMessage(t, lb, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("expected delivery, got %v", err)
	}
	if s := la.Stats(); s.MessagesSent != 1 || s.IDsInFlight != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestWriteTrackedUndelivered(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t.Name())
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.RetryBudget = 3
	l := openLink(t, simlink.Sink(), cfg)

	d, err := l.Writer().WriteTracked(context.Background(), []byte("into the void"))
	if err != nil {
		t.Fatalf("tracked write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, ErrUndelivered) {
		t.Fatalf("expected ErrUndelivered, got %v", err)
	}
	if s := l.Stats(); s.MessagesUndelivered != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestLossyLinkRetriesToCompletion(t *testing.T) {
	testlog.Start(t)
	var n atomic.Int64
	dropEveryFifth := func([]byte) bool { return n.Add(1)%5 == 0 }
	la, lb, _, _ := openPair(t, simlink.Options{Drop: dropEveryFifth}, simlink.Options{Drop: dropEveryFifth})

	msg := bytes.Repeat([]byte("lossy-"), 600)
	if err := la.Writer().WriteMessage(context.Background(), msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, lb, 10*time.Second); !bytes.Equal(got, msg) {
		t.Fatalf("message mismatch after retries")
	}
	waitFor(t, 5*time.Second, "sender settle", func() bool { return la.Stats().IDsInFlight == 0 })
	if s := la.Stats(); s.Retransmissions == 0 {
		t.Fatalf("expected retransmissions, got %+v", s)
	}
}

func TestFaultyByteLinkEightKilobytes(t *testing.T) {
	testlog.Start(t)
	const rate = 1.0 / 65536
	ca, cb, ea, _ := simlink.FramedPair(
		simlink.Faults{Rate: rate, Seed: 1, At: []int64{50}},
		simlink.Faults{Rate: rate, Seed: 2},
		frame.DefaultLimits(),
	)
	la := openLink(t, ca, testConfig(t.Name()+".a"))
	lb := openLink(t, cb, testConfig(t.Name()+".b"))

	msg := make([]byte, 8192)
	for i := range msg {
		msg[i] = byte(i*31 + i>>8)
	}
	if err := la.Writer().WriteMessage(context.Background(), msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readMessage(t, lb, 15*time.Second); !bytes.Equal(got, msg) {
		t.Fatalf("8 KiB message mismatch")
	}
	if ea.Flips() == 0 {
		t.Fatalf("expected injected faults")
	}
	waitFor(t, 5*time.Second, "retransmission", func() bool { return la.Stats().Retransmissions > 0 })
}

func TestCloseFailsHandles(t *testing.T) {
	testlog.Start(t)
	l := openLink(t, simlink.Sink(), testConfig(t.Name()))
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Writer().WriteMessage(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected write error: %v", err)
	}
	if _, err := l.Reader().ReadUnit(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected read error: %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t.Name())
	cfg.MaxFragments = 65
	if _, err := Open(context.Background(), simlink.Sink(), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := Open(context.Background(), nil, testConfig(t.Name())); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for nil framer, got %v", err)
	}
}

func TestRingWiring(t *testing.T) {
	testlog.Start(t)
	frags := make(chan queued)
	workers := newRing(3, frags)
	if len(workers) != 3 {
		t.Fatalf("unexpected worker count: %d", len(workers))
	}
	b := <-workers[0].inbox
	if b == nil {
		t.Fatalf("worker 0 should start with the baton")
	}
	for i, w := range workers {
		w.outbox <- b
		next := workers[(i+1)%3]
		select {
		case got := <-next.inbox:
			b = got
		default:
			t.Fatalf("worker %d outbox not wired to worker %d", i, next.index)
		}
	}
}
