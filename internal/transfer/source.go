package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source is a payload the engine can upload. Read returns the next n bytes,
// fewer only when the payload ends, and (nil, io.EOF) once it is exhausted.
// Size is known before the first Read.
type Source interface {
	Read(n int) ([]byte, error)
	Size() int64
	Close() error
}

// Interrupter is implemented by sources whose Read can block on an outside
// producer. Interrupt makes a blocked Read return err.
type Interrupter interface {
	Interrupt(err error)
}

// Hashable is implemented by sources whose content can be hashed without
// consuming them. Stream sources are not hashable.
type Hashable interface {
	SHA256() (string, error)
}

// ErrSourceClosed is returned when reading from or writing to a closed source.
var ErrSourceClosed = errors.New("source closed")

// PathSource reads a local file.
type PathSource struct {
	path string
	f    *os.File
	size int64
}

// NewPathSource opens path and stats it for its size.
func NewPathSource(path string) (*PathSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	return &PathSource{path: path, f: f, size: info.Size()}, nil
}

func (s *PathSource) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(s.f, buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:read], nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return buf, nil
}

func (s *PathSource) Size() int64 { return s.size }

func (s *PathSource) Close() error { return s.f.Close() }

// SHA256 hashes the file through a separate handle, leaving the read
// position untouched.
func (s *PathSource) SHA256() (string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", s.path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BufferSource reads an in-memory payload.
type BufferSource struct {
	data   []byte
	offset int
}

func NewBufferSource(data []byte) *BufferSource {
	return &BufferSource{data: data}
}

func (s *BufferSource) Read(n int) ([]byte, error) {
	if s.offset >= len(s.data) {
		return nil, io.EOF
	}
	end := min(s.offset+n, len(s.data))
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

func (s *BufferSource) Size() int64 { return int64(len(s.data)) }

func (s *BufferSource) Close() error { return nil }

func (s *BufferSource) SHA256() (string, error) {
	sum := sha256.Sum256(s.data)
	return hex.EncodeToString(sum[:]), nil
}

// StreamSource is fed by a producer through Write and drained by Read.
// Bytes that arrive ahead of a Read wait in an ordered queue. Write blocks
// while no Read is outstanding, or while the outstanding Read can already be
// satisfied from the queue, so the producer only runs on demand.
type StreamSource struct {
	size int64

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	buffered int
	consumed int64
	demand   int

	writeClosed bool
	writeErr    error
	readClosed  bool
	interrupted error
}

// NewStreamSource creates a source of the declared size. The producer
// writes to it and calls CloseWithError when done.
func NewStreamSource(size int64) *StreamSource {
	s := &StreamSource{size: size}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewReaderSource creates a StreamSource fed from r by a background
// goroutine.
func NewReaderSource(r io.Reader, size int64) *StreamSource {
	s := NewStreamSource(size)
	go func() {
		_, err := io.Copy(s, r)
		s.CloseWithError(err)
	}()
	return s
}

// Write hands p to the reader. It accepts no more bytes than the outstanding
// Read still lacks, blocking for further demand until all of p is queued.
func (s *StreamSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for len(p) > 0 {
		for !s.closed() && (s.demand == 0 || s.buffered >= s.demand) {
			s.cond.Wait()
		}
		if s.closed() {
			return written, ErrSourceClosed
		}

		take := min(len(p), s.demand-s.buffered)
		s.queue = append(s.queue, bytes.Clone(p[:take]))
		s.buffered += take
		written += take
		p = p[take:]
		s.cond.Broadcast()
	}
	return written, nil
}

func (s *StreamSource) closed() bool {
	return s.readClosed || s.writeClosed || s.interrupted != nil
}

// Interrupt fails a Read blocked on the producer, and every later Read and
// Write, with err. The engine calls it when the upload context is done.
func (s *StreamSource) Interrupt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted == nil {
		s.interrupted = err
	}
	s.cond.Broadcast()
}

// CloseWithError ends the stream. A nil err marks a clean end.
func (s *StreamSource) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return
	}
	s.writeClosed = true
	s.writeErr = err
	s.cond.Broadcast()
}

func (s *StreamSource) Read(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readClosed {
		return nil, ErrSourceClosed
	}
	if s.interrupted != nil {
		return nil, fmt.Errorf("reading stream: %w", s.interrupted)
	}
	remaining := s.size - s.consumed
	if remaining <= 0 {
		return nil, io.EOF
	}
	want := int(min(int64(n), remaining))

	s.demand = want
	s.cond.Broadcast()
	for s.buffered < want && !s.writeClosed && s.interrupted == nil {
		s.cond.Wait()
	}
	s.demand = 0

	if s.interrupted != nil {
		return nil, fmt.Errorf("reading stream: %w", s.interrupted)
	}
	if s.buffered < want {
		if s.writeErr != nil {
			return nil, fmt.Errorf("reading stream: %w", s.writeErr)
		}
		return nil, fmt.Errorf("stream ended after %d of %d bytes: %w",
			s.consumed+int64(s.buffered), s.size, io.ErrUnexpectedEOF)
	}

	out := make([]byte, 0, want)
	for len(out) < want {
		head := s.queue[0]
		take := min(len(head), want-len(out))
		out = append(out, head[:take]...)
		if take == len(head) {
			s.queue = s.queue[1:]
		} else {
			s.queue[0] = head[take:]
		}
	}
	s.buffered -= want
	s.consumed += int64(want)
	return out, nil
}

func (s *StreamSource) Size() int64 { return s.size }

// Close releases the source and unblocks a waiting producer.
func (s *StreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readClosed = true
	s.queue = nil
	s.cond.Broadcast()
	return nil
}

var (
	_ Source   = (*PathSource)(nil)
	_ Source   = (*BufferSource)(nil)
	_ Source   = (*StreamSource)(nil)
	_ Hashable = (*PathSource)(nil)
	_ Hashable = (*BufferSource)(nil)

	_ Interrupter = (*StreamSource)(nil)
)
