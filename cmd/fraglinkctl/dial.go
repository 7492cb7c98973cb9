package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// dialBackoff shapes the delay between TCP connection attempts.
type dialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
}

func defaultDialBackoff() dialBackoff {
	return dialBackoff{
		initial:    250 * time.Millisecond,
		max:        5 * time.Second,
		multiplier: 2,
		jitter:     true,
	}
}

// delay returns the wait after failed attempt N (1-based).
func (b dialBackoff) delay(attempt int, rng *rand.Rand) time.Duration {
	if b.initial <= 0 {
		return 0
	}
	if attempt <= 1 {
		return b.initial
	}
	mult := b.multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.initial) * math.Pow(mult, float64(attempt-1))
	if b.max > 0 && d > float64(b.max) {
		d = float64(b.max)
	}
	if b.jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// dialRetry dials addr up to attempts times.
func dialRetry(ctx context.Context, dial dialFunc, addr string, attempts int, b dialBackoff) (net.Conn, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dial(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := b.delay(attempt, rng)
		log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", wait).Msg("serve.dial failed")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, attempts, lastErr)
}
