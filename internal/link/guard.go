package link

import (
	"context"
	"fmt"
)

// linkGuard serializes physical frame writes. It is held for exactly one
// WriteFrame call and does not decide which waiter goes next.
type linkGuard struct {
	sem    chan struct{}
	framer Framer
}

func newLinkGuard(framer Framer) *linkGuard {
	return &linkGuard{
		sem:    make(chan struct{}, 1),
		framer: framer,
	}
}

func (g *linkGuard) write(ctx context.Context, wire []byte) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	defer func() { <-g.sem }()

	if err := g.framer.WriteFrame(wire); err != nil {
		return fmt.Errorf("%w: %w", ErrLinkWrite, err)
	}
	return nil
}
