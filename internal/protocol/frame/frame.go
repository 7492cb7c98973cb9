package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	Delim  byte = 0x7E
	Escape byte = 0x7D
	escXor byte = 0x20

	CRCLen = 4
)

var (
	ErrFrameTooLarge = errors.New("frame: frame too large")
	ErrShortFrame    = errors.New("frame: short frame")
	ErrBadChecksum   = errors.New("frame: checksum mismatch")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes int
	// MaxTextBytes caps one unframed text unit; longer runs are split.
	MaxTextBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 1024,
		MaxTextBytes:  256,
	}
}

// Unit is one deframed read: either a checked frame body or a run of
// unframed text that arrived between frames.
type Unit struct {
	Framed bool
	Data   []byte
}

// AppendFrame appends the delimited, escaped encoding of data ++ crc32 to dst.
func AppendFrame(dst, data []byte) []byte {
	var sum [CRCLen]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(data))

	dst = append(dst, Delim)
	dst = appendEscaped(dst, data)
	dst = appendEscaped(dst, sum[:])
	return append(dst, Delim)
}

func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if b == Delim || b == Escape {
			dst = append(dst, Escape, b^escXor)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, data []byte, limits Limits) error {
	if limits.MaxFrameBytes > 0 && len(data) > limits.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	buf := AppendFrame(make([]byte, 0, 2*len(data)+2*CRCLen+2), data)
	_, err := w.Write(buf)
	return err
}

// CheckBody validates an unescaped frame body and returns the data part.
func CheckBody(body []byte) ([]byte, error) {
	if len(body) < CRCLen {
		return nil, ErrShortFrame
	}
	n := len(body) - CRCLen
	want := binary.BigEndian.Uint32(body[n:])
	if got := crc32.ChecksumIEEE(body[:n]); got != want {
		return nil, ErrBadChecksum
	}
	return body[:n], nil
}
