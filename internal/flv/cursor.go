package flv

import (
	"context"
	"io"
)

const defaultReadSize = 32 * 1024

// Cursor buffers a live byte source and hands out views of the next n bytes.
// Fill is the only method that touches the upstream reader.
type Cursor struct {
	r        io.Reader
	buf      []byte
	start    int
	end      int
	offset   int64
	eof      bool
	readSize int
}

// NewCursor wraps r
func NewCursor(r io.Reader) *Cursor {
	return &Cursor{
		r:        r,
		buf:      make([]byte, defaultReadSize),
		readSize: defaultReadSize,
	}
}

// Buffered returns the number of unread bytes held by the cursor
func (c *Cursor) Buffered() int {
	return c.end - c.start
}

// Offset returns the absolute number of bytes consumed so far
func (c *Cursor) Offset() int64 {
	return c.offset
}

// EOF reports whether the upstream reader has ended
func (c *Cursor) EOF() bool {
	return c.eof
}

// Request returns the next n bytes without consuming them. The slice is only
// valid until the next Fill or Skip.
func (c *Cursor) Request(n int) ([]byte, error) {
	if n > c.Buffered() {
		return nil, ErrNeedMoreBytes
	}
	return c.buf[c.start : c.start+n], nil
}

// Skip consumes n buffered bytes
func (c *Cursor) Skip(n int) {
	if n > c.Buffered() {
		n = c.Buffered()
	}
	c.start += n
	c.offset += int64(n)
	if c.start == c.end {
		c.start, c.end = 0, 0
	}
}

// Fill performs one read from the upstream reader. It returns io.EOF once the
// upstream has ended and nothing more will arrive.
func (c *Cursor) Fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.eof {
		return io.EOF
	}

	c.reserve(c.readSize)

	n, err := c.r.Read(c.buf[c.end:])
	c.end += n
	if err == io.EOF {
		c.eof = true
		if n > 0 {
			return nil
		}
		return io.EOF
	}
	return err
}

// reserve makes room for at least n more bytes after end
func (c *Cursor) reserve(n int) {
	if len(c.buf)-c.end >= n {
		return
	}

	// Move unread bytes to the front first
	if c.start > 0 {
		copy(c.buf, c.buf[c.start:c.end])
		c.end -= c.start
		c.start = 0
	}
	if len(c.buf)-c.end >= n {
		return
	}

	grown := make([]byte, c.end+n, 2*(c.end+n))
	copy(grown, c.buf[:c.end])
	c.buf = grown[:cap(grown)]
}
