package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/danmuck/fraglink/internal/config"
	"github.com/danmuck/fraglink/internal/link"
	"github.com/danmuck/fraglink/internal/simlink"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type loopbackOptions struct {
	messages int
	size     int
	rate     float64
	seed     int64
	timeout  time.Duration
}

// loopbackReport is printed as YAML after a loopback run.
type loopbackReport struct {
	Messages   int        `yaml:"messages"`
	Bytes      int        `yaml:"bytes"`
	Received   int        `yaml:"received"`
	Mismatched int        `yaml:"mismatched"`
	ByteFlips  int        `yaml:"byte_flips"`
	Elapsed    string     `yaml:"elapsed"`
	Sender     link.Stats `yaml:"sender"`
	Receiver   link.Stats `yaml:"receiver"`
}

func newLoopbackCmd(root *rootOptions) *cobra.Command {
	opts := &loopbackOptions{}
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Self-test two links over an in-memory faulty wire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			report, err := runLoopback(ctx, cfg, *opts)
			if encErr := writeReport(cmd.OutOrStdout(), report); encErr != nil && err == nil {
				err = encErr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.messages, "messages", 4, "messages to send")
	cmd.Flags().IntVar(&opts.size, "size", 8192, "bytes per message")
	cmd.Flags().Float64Var(&opts.rate, "flip-rate", 1.0/65536, "per-byte corruption probability on the wire")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "fault and payload seed")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "overall deadline")
	return cmd
}

func runLoopback(ctx context.Context, cfg config.Config, opts loopbackOptions) (loopbackReport, error) {
	report := loopbackReport{Messages: opts.messages, Bytes: opts.size}
	faults := simlink.Faults{Rate: opts.rate, Seed: opts.seed}
	ca, cb, ea, eb := simlink.FramedPair(faults, simlink.Faults{Rate: opts.rate, Seed: opts.seed + 1}, cfg.Frame)

	cfgA := cfg.Link
	cfgA.Name = cfg.Link.Name + ".a"
	cfgB := cfg.Link
	cfgB.Name = cfg.Link.Name + ".b"

	la, err := link.Open(ctx, ca, cfgA)
	if err != nil {
		return report, err
	}
	defer la.Close()
	lb, err := link.Open(ctx, cb, cfgB)
	if err != nil {
		return report, err
	}
	defer lb.Close()

	rng := rand.New(rand.NewSource(opts.seed))
	payloads := make([][]byte, opts.messages)
	for i := range payloads {
		payloads[i] = make([]byte, opts.size)
		rng.Read(payloads[i])
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i, p := range payloads {
			d, err := la.Writer().WriteTracked(gctx, p)
			if err != nil {
				return fmt.Errorf("write message %d: %w", i, err)
			}
			if err := d.Wait(gctx); err != nil {
				return fmt.Errorf("deliver message %d: %w", i, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		for report.Received < len(payloads) {
			u, err := lb.Reader().ReadUnit(gctx)
			if err != nil {
				return fmt.Errorf("read after %d messages: %w", report.Received, err)
			}
			if u.Kind != link.UnitMessage {
				continue
			}
			if !bytes.Equal(u.Data, payloads[report.Received]) {
				report.Mismatched++
			}
			report.Received++
		}
		return nil
	})
	err = g.Wait()

	report.Elapsed = time.Since(start).Round(time.Millisecond).String()
	report.ByteFlips = ea.Flips() + eb.Flips()
	report.Sender = la.Stats()
	report.Receiver = lb.Stats()
	if err != nil {
		return report, err
	}
	if report.Mismatched > 0 {
		return report, fmt.Errorf("loopback: %d of %d messages corrupted", report.Mismatched, report.Received)
	}
	return report, nil
}

func writeReport(w io.Writer, report loopbackReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
