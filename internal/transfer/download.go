package transfer

import (
	"context"
	"io"
	"iter"
	"sync/atomic"

	"chanfs/internal/chat"
)

// Download returns the document attached to message id as a lazy sequence
// of chunks, together with its size. The sequence can be ranged over once;
// a second range yields ErrConsumed. A failure is yielded after every chunk
// delivered before it.
func (e *Engine) Download(ctx context.Context, id chat.MessageID) (chat.Chunks, int64, error) {
	chunks, size, err := e.backend.DownloadFile(ctx, id, e.opts.DownloadChunkKB)
	if err != nil {
		return nil, 0, err
	}

	var used atomic.Bool
	once := func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrConsumed)
			return
		}
		for chunk, err := range chunks {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
	return once, size, nil
}

// chunkReader adapts a chunk sequence to io.Reader.
type chunkReader struct {
	next func() ([]byte, error, bool)
	stop func()
	buf  []byte
	err  error
}

// NewReader returns an io.ReadCloser over chunks. Closing it stops the
// underlying sequence.
func NewReader(chunks chat.Chunks) io.ReadCloser {
	next, stop := iter.Pull2(chunks)
	return &chunkReader{next: next, stop: stop}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err, ok := r.next()
		switch {
		case !ok:
			r.err = io.EOF
		case err != nil:
			r.err = err
		default:
			r.buf = chunk
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.stop()
	if r.err == nil {
		r.err = io.ErrClosedPipe
	}
	return nil
}
