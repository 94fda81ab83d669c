package segmenter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"rapidrec/internal/flv"
)

const sinkBufferSize = 256 * 1024

// PathProvider returns the output path of segment index (starting at 1)
type PathProvider func(index int) string

// Sink receives the byte stream of one output file
type Sink interface {
	Path() string
	// Position is the number of bytes written so far
	Position() int64
	WriteHeader(h *flv.Header) error
	WriteTag(t *flv.Tag) error
	Close() error
}

// SinkOpener opens the sink for a new segment
type SinkOpener func(path string) (Sink, error)

// FileSink writes sequentially to a file through a buffer
type FileSink struct {
	path string
	f    *os.File
	w    *bufio.Writer
	pos  int64
	buf  []byte
}

// OpenFileSink creates path and its parent directories. An existing file is truncated.
func OpenFileSink(path string) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	return &FileSink{
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, sinkBufferSize),
	}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Position() int64 { return s.pos }

// WriteHeader writes the file header followed by PreviousTagSize0
func (s *FileSink) WriteHeader(h *flv.Header) error {
	b := append(h.Bytes(), 0, 0, 0, 0)
	return s.write(b)
}

// WriteTag writes the tag and its PreviousTagSize
func (s *FileSink) WriteTag(t *flv.Tag) error {
	s.buf = t.AppendTo(s.buf[:0])
	return s.write(s.buf)
}

func (s *FileSink) write(b []byte) error {
	n, err := s.w.Write(b)
	s.pos += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}

// Close flushes, syncs and closes the file
func (s *FileSink) Close() error {
	var result error
	if err := s.w.Flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		result = multierror.Append(result, fmt.Errorf("sync: %w", err))
	}
	if err := s.f.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close: %w", err))
	}
	return result
}
