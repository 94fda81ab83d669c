package flv

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Reader pulls validated tags out of a live byte stream.
//
// Next returns one tag per call, or io.EOF once the upstream ended. A dangling
// partial tag at the end of the stream is dropped and counted in Discarded.
type Reader struct {
	cursor    *Cursor
	header    *Header
	num       int64
	discarded int

	// OnWarning receives non-fatal problems such as ErrChecksumMismatch
	OnWarning func(err error)
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{cursor: NewCursor(r)}
}

// Offset returns the number of bytes consumed from the upstream
func (r *Reader) Offset() int64 {
	return r.cursor.Offset()
}

// Discarded returns the number of trailing bytes dropped at end of stream
func (r *Reader) Discarded() int {
	return r.discarded
}

// Header returns the parsed file header, or nil before ReadHeader succeeded
func (r *Reader) Header() *Header {
	return r.header
}

// ReadHeader consumes the file header and PreviousTagSize0. An upstream that
// ends before sending anything yields io.EOF.
func (r *Reader) ReadHeader(ctx context.Context) (*Header, error) {
	if r.header != nil {
		return r.header, nil
	}

	const need = HeaderSize + PreviousTagSizeLength
	for {
		b, err := r.cursor.Request(need)
		if err == nil {
			h, err := ParseHeader(b)
			if err != nil {
				return nil, err
			}
			if b[HeaderSize] != 0 || b[HeaderSize+1] != 0 || b[HeaderSize+2] != 0 || b[HeaderSize+3] != 0 {
				r.warn(errors.Wrap(ErrChecksumMismatch, "non-zero PreviousTagSize0"))
			}
			r.cursor.Skip(need)
			r.header = h
			return h, nil
		}

		if err := r.cursor.Fill(ctx); err != nil {
			if err == io.EOF {
				if r.cursor.Buffered() == 0 {
					return nil, io.EOF
				}
				return nil, errors.Wrapf(io.ErrUnexpectedEOF, "stream ended after %d header bytes", r.cursor.Buffered())
			}
			return nil, err
		}
	}
}

// Next returns the next tag. Errors other than io.EOF, context errors and
// upstream read errors are fatal parse errors, see IsFatal.
func (r *Reader) Next(ctx context.Context) (*Tag, error) {
	if r.header == nil {
		if _, err := r.ReadHeader(ctx); err != nil {
			return nil, err
		}
	}

	for {
		tag, err := ParseTag(r.cursor, r.num+1)
		if err == nil {
			r.num++
			if !tag.ChecksumOK() {
				r.warn(errors.Wrapf(ErrChecksumMismatch, "tag %d: previous tag size %d, expected %d",
					tag.Num, tag.PreviousTagSize, tag.Size()))
			}
			return tag, nil
		}
		if !errors.Is(err, ErrNeedMoreBytes) {
			return nil, err
		}

		if err := r.cursor.Fill(ctx); err != nil {
			if err == io.EOF {
				if n := r.cursor.Buffered(); n > 0 {
					r.discarded += n
					r.cursor.Skip(n)
				}
			}
			return nil, err
		}
	}
}

func (r *Reader) warn(err error) {
	if r.OnWarning != nil {
		r.OnWarning(err)
	}
}
