// Package spool buffers a message body in memory and moves it to an
// unlinked temporary file once it outgrows the in-memory threshold.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultMaxInMemorySize is the default promotion threshold.
const DefaultMaxInMemorySize = 128 * 1024

var errClosed = errors.New("spool is closed")

// Spool accumulates a message body. It is an io.Writer and is not safe for
// concurrent use.
type Spool struct {
	threshold int
	tempDir   string
	onPromote func(size int)

	buf    bytes.Buffer
	file   *os.File
	size   int64
	closed bool
}

// Option configures a Spool.
type Option func(*Spool)

// WithTempDir sets the directory used for promoted bodies.
func WithTempDir(dir string) Option {
	return func(s *Spool) { s.tempDir = dir }
}

// WithPromoteHook registers a function called once when the body moves to
// disk, with the number of bytes buffered at that time.
func WithPromoteHook(fn func(size int)) Option {
	return func(s *Spool) { s.onPromote = fn }
}

// New creates a Spool that keeps up to threshold bytes in memory.
func New(threshold int, opts ...Option) *Spool {
	if threshold <= 0 {
		threshold = DefaultMaxInMemorySize
	}
	s := &Spool{threshold: threshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write appends p to the body.
func (s *Spool) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errClosed
	}
	if s.file == nil && s.buf.Len()+len(p) <= s.threshold {
		s.buf.Write(p)
		s.size += int64(len(p))
		return len(p), nil
	}
	if s.file == nil {
		if err := s.promote(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write spool file: %w", err)
	}
	return n, nil
}

// promote moves the buffered bytes into a temporary file that is unlinked
// right after creation.
func (s *Spool) promote() error {
	f, err := os.CreateTemp(s.tempDir, "elemta-lmtp-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return fmt.Errorf("failed to unlink spool file %s: %w", f.Name(), err)
	}
	buffered := s.buf.Len()
	if _, err := f.Write(s.buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	s.buf = bytes.Buffer{}
	s.file = f
	if s.onPromote != nil {
		s.onPromote(buffered)
	}
	return nil
}

// InMemory reports whether the body is still held in memory.
func (s *Spool) InMemory() bool {
	return s.file == nil
}

// Size returns the number of body bytes written so far.
func (s *Spool) Size() int64 {
	return s.size
}

// Finish seals the spool and returns the body with header prepended. The
// Spool must not be used afterwards; the Body owns its resources.
func (s *Spool) Finish(header string) (*Body, error) {
	if s.closed {
		return nil, errClosed
	}
	s.closed = true
	body := &Body{header: header, size: s.size}
	if s.file != nil {
		body.file = s.file
		s.file = nil
	} else {
		body.mem = s.buf.Bytes()
	}
	return body, nil
}

// Close discards the body.
func (s *Spool) Close() error {
	s.closed = true
	s.buf = bytes.Buffer{}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Body is a sealed message: trace header followed by the spooled data.
type Body struct {
	header string
	mem    []byte
	file   *os.File
	size   int64
}

// Open returns a new reader over header and body. Each call starts from the
// beginning; readers do not share offsets.
func (b *Body) Open() io.Reader {
	var data io.Reader
	if b.file != nil {
		data = io.NewSectionReader(b.file, 0, b.size)
	} else {
		data = bytes.NewReader(b.mem)
	}
	return io.MultiReader(strings.NewReader(b.header), data)
}

// Size returns the total length of header and body.
func (b *Body) Size() int64 {
	return int64(len(b.header)) + b.size
}

// OnDisk reports whether the body is stored in a temporary file.
func (b *Body) OnDisk() bool {
	return b.file != nil
}

// Close releases the temporary file, if any.
func (b *Body) Close() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}
