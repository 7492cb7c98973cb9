package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"unicode/utf8"

	"github.com/danmuck/fraglink/internal/admin"
	"github.com/danmuck/fraglink/internal/config"
	"github.com/danmuck/fraglink/internal/link"
	"github.com/danmuck/fraglink/internal/logging"
	"github.com/danmuck/fraglink/internal/protocol/frame"
	"github.com/danmuck/fraglink/internal/serial"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	errNoTransport = errors.New("no transport configured (set serial.device or tcp.address)")
	errInputDone   = errors.New("input finished")
)

const maxLineBytes = 64 * 1024

type serveOptions struct {
	device    string
	baud      int
	tcp       string
	admin     string
	exitOnEOF bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a link over a serial device or TCP stream",
		Long: `serve opens the configured transport and runs one link over it. Each
stdin line is sent as one message; every unit read from the link is printed
as "msg <len> <text>" or "raw <text>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rwc, err := openTransport(ctx, cfg)
			if err != nil {
				return err
			}
			if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				fmt.Fprintf(cmd.ErrOrStderr(), "fraglinkctl: link %q up; type a line to send it\n", cfg.Link.Name)
			}
			return runServe(ctx, cfg, rwc, serveIO{
				in:        cmd.InOrStdin(),
				out:       cmd.OutOrStdout(),
				watchPath: root.configPath,
				exitOnEOF: opts.exitOnEOF,
			})
		},
	}
	cmd.Flags().StringVar(&opts.device, "device", "", "serial device (overrides serial.device)")
	cmd.Flags().IntVar(&opts.baud, "baud", 0, "serial baud rate (overrides serial.baud)")
	cmd.Flags().StringVar(&opts.tcp, "tcp", "", "TCP address to dial (overrides tcp.address)")
	cmd.Flags().StringVar(&opts.admin, "admin", "", "admin listen address (overrides admin.listen)")
	cmd.Flags().BoolVar(&opts.exitOnEOF, "exit-on-eof", false, "exit once stdin ends and every message has settled")
	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("device") {
		cfg.Serial.Device = o.device
		cfg.TCP.Address = ""
	}
	if cmd.Flags().Changed("baud") {
		cfg.Serial.Baud = o.baud
	}
	if cmd.Flags().Changed("tcp") {
		cfg.TCP.Address = o.tcp
		cfg.Serial.Device = ""
	}
	if cmd.Flags().Changed("admin") {
		cfg.Admin.Listen = o.admin
	}
}

func openTransport(ctx context.Context, cfg config.Config) (io.ReadWriteCloser, error) {
	switch {
	case cfg.Serial.Device != "":
		return serial.Open(cfg.Serial.Device, cfg.Serial.Baud)
	case cfg.TCP.Address != "":
		var d net.Dialer
		conn, err := dialRetry(ctx, d.DialContext, cfg.TCP.Address, cfg.TCP.DialAttempts, defaultDialBackoff())
		if err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.TCP.Address).Msg("serve.tcp connected")
		return conn, nil
	default:
		return nil, errNoTransport
	}
}

type serveIO struct {
	in        io.Reader
	out       io.Writer
	watchPath string
	exitOnEOF bool
}

// runServe owns rwc and runs until ctx ends, the link fails, or (with
// exitOnEOF) input is exhausted and settled.
func runServe(ctx context.Context, cfg config.Config, rwc io.ReadWriteCloser, sio serveIO) error {
	conn := frame.NewConn(rwc, cfg.Frame)
	ln, err := link.Open(ctx, conn, cfg.Link)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Listen != "" {
		srv := admin.New(cfg.Link.Name, cfg.Admin.AllowOrigins)
		srv.AddLink(ln)
		g.Go(func() error {
			return srv.Serve(gctx, cfg.Admin.Listen)
		})
	}
	if sio.watchPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, sio.watchPath, applyReload)
		})
	}
	g.Go(func() error {
		return printUnits(gctx, ln.Reader(), sio.out)
	})
	g.Go(func() error {
		if err := pumpLines(gctx, ln.Writer(), sio.in); err != nil {
			return err
		}
		if sio.exitOnEOF {
			return errInputDone
		}
		return nil
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errInputDone):
		return nil
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, link.ErrClosed)):
		return nil
	}
	return err
}

func applyReload(cfg config.Config) {
	if logging.SetLevel(cfg.LogLevel) {
		log.Info().Str("log_level", cfg.LogLevel).Msg("serve.reload applied")
	}
}

type line struct {
	data []byte
	err  error
}

// scanLines feeds lines from in until EOF. The goroutine outlives ctx when
// in blocks; it exits with the process.
func scanLines(in io.Reader) <-chan line {
	ch := make(chan line)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for sc.Scan() {
			data := make([]byte, len(sc.Bytes()))
			copy(data, sc.Bytes())
			ch <- line{data: data}
		}
		if err := sc.Err(); err != nil {
			ch <- line{err: err}
		}
	}()
	return ch
}

// pumpLines sends each input line as one message and, at EOF, waits for all
// of them to settle.
func pumpLines(ctx context.Context, w *link.Writer, in io.Reader) error {
	var (
		wg          sync.WaitGroup
		undelivered atomic.Int64
	)
	lines := scanLines(in)
	for {
		var l line
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok = <-lines:
		}
		if !ok {
			break
		}
		if l.err != nil {
			return fmt.Errorf("read input: %w", l.err)
		}
		d, err := w.WriteTracked(ctx, l.data)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(d *link.Delivery, n int) {
			defer wg.Done()
			if err := d.Wait(ctx); err != nil {
				undelivered.Add(1)
				log.Warn().Err(err).Int("len", n).Msg("serve.message not delivered")
			}
		}(d, len(l.data))
	}
	wg.Wait()
	log.Info().Int64("undelivered", undelivered.Load()).Msg("serve.input drained")
	return nil
}

func printUnits(ctx context.Context, r *link.Reader, out io.Writer) error {
	for {
		u, err := r.ReadUnit(ctx)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, formatUnit(u)); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
}

func formatUnit(u link.Unit) string {
	switch u.Kind {
	case link.UnitMessage:
		return fmt.Sprintf("msg %d %s", len(u.Data), printable(u.Data))
	default:
		return "raw " + printable(u.Data)
	}
}

// printable keeps output one line per unit.
func printable(data []byte) string {
	text := strings.TrimRight(string(data), "\r\n")
	if !utf8.ValidString(text) || strings.ContainsAny(text, "\r\n") {
		return fmt.Sprintf("%q", text)
	}
	return text
}
