//go:build linux

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const openFlags = unix.O_NOCTTY

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

func baudConstant(baud int) (uint32, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
	}
	return speed, nil
}

// configure applies raw 8N1 at baud with blocking single-byte reads and
// returns a func that puts the previous settings back.
func configure(fd int, baud int) (func() error, error) {
	speed, err := baudConstant(baud)
	if err != nil {
		return nil, err
	}
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("tcgets: %w", err)
	}

	t := *saved
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		return nil, fmt.Errorf("tcsets: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return nil, fmt.Errorf("tcflush: %w", err)
	}
	return func() error {
		return unix.IoctlSetTermios(fd, unix.TCSETS, saved)
	}, nil
}
