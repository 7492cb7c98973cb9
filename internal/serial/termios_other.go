//go:build !linux

package serial

import "fmt"

const openFlags = 0

func baudConstant(baud int) (uint32, error) {
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
}

func configure(fd int, baud int) (func() error, error) {
	return nil, ErrUnsupported
}
