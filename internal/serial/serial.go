// Package serial opens a character device as a raw 8N1 byte stream for the
// frame layer. Line discipline is configured only when the device is a
// terminal; plain files and FIFOs are passed through untouched.
package serial

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

var (
	ErrUnsupportedBaud = errors.New("serial: unsupported baud rate")
	ErrUnsupported     = errors.New("serial: line discipline unsupported on this platform")
)

// Port is an open serial device.
type Port struct {
	f        *os.File
	device   string
	baud     int
	terminal bool

	closeOnce sync.Once
	restore   func() error
}

// Open opens device read/write without making it the controlling terminal,
// switches it to raw mode at baud and returns the port.
func Open(device string, baud int) (*Port, error) {
	f, err := os.OpenFile(device, os.O_RDWR|openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("serial open (%s): %w", device, err)
	}
	p := &Port{f: f, device: device, baud: baud}

	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		restore, err := configure(fd, baud)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("serial configure (%s): %w", device, err)
		}
		p.terminal = true
		p.restore = restore
	}
	log.Info().
		Str("device", device).
		Int("baud", baud).
		Bool("terminal", p.terminal).
		Msg("serial.open")
	return p, nil
}

func (p *Port) Read(b []byte) (int, error) {
	return p.f.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Close restores the saved line settings and closes the device. Pending
// reads return an error.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.restore != nil {
			if rerr := p.restore(); rerr != nil {
				log.Warn().Err(rerr).Str("device", p.device).Msg("serial.restore failed")
			}
		}
		err = p.f.Close()
	})
	return err
}

func (p *Port) Device() string { return p.device }

func (p *Port) Baud() int { return p.baud }

// Terminal reports whether raw mode was applied.
func (p *Port) Terminal() bool { return p.terminal }
