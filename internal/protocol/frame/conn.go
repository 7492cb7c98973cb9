package frame

import (
	"io"
	"sync"
)

// Conn frames writes and deframes reads over one byte stream.
type Conn struct {
	rw     io.ReadWriter
	r      *Reader
	limits Limits

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rw io.ReadWriter, limits Limits) *Conn {
	return &Conn{
		rw:     rw,
		r:      NewReader(rw, limits),
		limits: limits,
	}
}

func (c *Conn) WriteFrame(data []byte) error {
	return WriteFrame(c.rw, data, c.limits)
}

// WriteText writes raw unframed bytes, e.g. console output sharing the line.
func (c *Conn) WriteText(text []byte) error {
	_, err := c.rw.Write(text)
	return err
}

func (c *Conn) ReadUnit() (Unit, error) {
	return c.r.ReadUnit()
}

func (c *Conn) Dropped() uint64 {
	return c.r.Dropped()
}

// Close closes the underlying stream when it supports closing.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if cl, ok := c.rw.(io.Closer); ok {
			c.closeErr = cl.Close()
		}
	})
	return c.closeErr
}
