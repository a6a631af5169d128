// Package transfer moves payloads in and out of a chat.Backend in parts.
package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chanfs/internal/chat"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultBigFileWorkers   = 15
	DefaultSmallFileWorkers = 3
	DefaultDownloadChunkKB  = 1024
	DefaultRetryDelay       = time.Second
)

// Options configures an Engine.
type Options struct {
	BigFileWorkers   int
	SmallFileWorkers int
	DownloadChunkKB  int

	// FinalizeDelay is observed after the last part is confirmed and before
	// the parts are assembled. Some providers report a missing part without it.
	FinalizeDelay time.Duration
	RetryDelay    time.Duration

	// Large receives payloads of LightweightMaxPayload bytes or more when the
	// main backend is lightweight. It must be an identity on the same channel.
	Large chat.Backend

	Logger chat.Logger
}

// Finalizer turns the confirmed parts of an upload into a message.
type Finalizer func(ctx context.Context, b chat.Backend, file chat.UploadedFile) (chat.MessageID, error)

// Request describes one upload.
type Request struct {
	Source Source
	Name   string

	// Caption is used by the default finalizer, which sends a new message.
	Caption  string
	Finalize Finalizer

	// Progress is called after each confirmed part with the bytes confirmed
	// so far. Calls are serialized.
	Progress func(sent, total int64)
}

// Result is the outcome of a successful upload.
type Result struct {
	MessageID chat.MessageID
	Size      int64
}

// Engine uploads and downloads payloads in parts.
type Engine struct {
	backend chat.Backend
	opts    Options
	logger  chat.Logger
}

// NewEngine creates an Engine over backend.
func NewEngine(backend chat.Backend, opts Options) *Engine {
	if opts.BigFileWorkers <= 0 {
		opts.BigFileWorkers = DefaultBigFileWorkers
	}
	if opts.SmallFileWorkers <= 0 {
		opts.SmallFileWorkers = DefaultSmallFileWorkers
	}
	if opts.DownloadChunkKB <= 0 {
		opts.DownloadChunkKB = DefaultDownloadChunkKB
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = chat.NewNopLogger()
	}
	return &Engine{backend: backend, opts: opts, logger: logger}
}

// route picks the identity allowed to upload size bytes.
func (e *Engine) route(size int64) (chat.Backend, error) {
	if !e.backend.Lightweight() || size < chat.LightweightMaxPayload {
		return e.backend, nil
	}
	if e.opts.Large == nil {
		return nil, fmt.Errorf("%d bytes exceeds the lightweight limit and no large backend is configured: %w",
			size, ErrFileTooBig)
	}
	return e.opts.Large, nil
}

// newFileID returns a random positive upload id.
func newFileID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) >> 1)
}

// upload tracks one upload across its rounds.
type upload struct {
	ctx      context.Context
	backend  chat.Backend
	src      Source
	fileID   int64
	size     int64
	partSize int
	parts    int
	big      bool
	progress func(sent, total int64)

	mu         sync.Mutex
	next       int
	readFailed bool           // the source failed; nothing more can be claimed
	pending    map[int][]byte // claimed parts not yet confirmed
	sent       int64
	errs       []error
	fatal      error
}

// Upload sends req.Source in parts and finalizes it into a message.
//
// Parts are pushed by a pool of workers. A part that fails is retried until
// it succeeds, the context is done, or the backend rejects its size. Workers
// that fail or panic are recorded; their claimed parts are resent
// sequentially after the round, and the upload then fails with an
// *AggregatedError instead of finalizing.
func (e *Engine) Upload(ctx context.Context, req Request) (*Result, error) {
	size := req.Source.Size()
	b, err := e.route(size)
	if err != nil {
		return nil, err
	}

	partSize := PartSize(size)
	u := &upload{
		ctx:      ctx,
		backend:  b,
		src:      req.Source,
		fileID:   newFileID(),
		size:     size,
		partSize: partSize,
		parts:    PartCount(size, partSize),
		big:      IsBig(size),
		progress: req.Progress,
		pending:  make(map[int][]byte),
	}

	workers := e.opts.SmallFileWorkers
	if u.big {
		workers = e.opts.BigFileWorkers
	}
	workers = max(1, min(workers, u.parts))

	// A stream read may be waiting on its producer; wake it on cancellation.
	if in, ok := req.Source.(Interrupter); ok {
		stop := context.AfterFunc(ctx, func() { in.Interrupt(ctx.Err()) })
		defer stop()
	}

	e.logger.Debug("starting upload", "name", req.Name, "size", size, "parts", u.parts, "workers", workers, "big", u.big)

	for round := 1; ; round++ {
		e.runRound(u, workers)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if u.fatal != nil {
			return nil, u.fatal
		}
		if err := e.resendPending(u); err != nil {
			return nil, err
		}
		// A failed worker may have left the source mid-part; stop here.
		if len(u.errs) > 0 || u.next >= u.parts {
			break
		}
		e.logger.Debug("starting another upload round", "name", req.Name, "round", round+1, "next_part", u.next)
	}

	if len(u.errs) > 0 {
		return nil, &AggregatedError{Errs: u.errs}
	}
	if u.sent != size {
		return nil, fmt.Errorf("uploaded %d of %d bytes of %s", u.sent, size, req.Name)
	}

	if e.opts.FinalizeDelay > 0 {
		if err := sleep(ctx, e.opts.FinalizeDelay); err != nil {
			return nil, err
		}
	}

	finalize := req.Finalize
	if finalize == nil {
		finalize = func(ctx context.Context, b chat.Backend, file chat.UploadedFile) (chat.MessageID, error) {
			return b.SendFile(ctx, file, req.Caption)
		}
	}
	file := chat.UploadedFile{ID: u.fileID, Name: req.Name, Parts: u.parts, Big: u.big}
	id, err := finalize(ctx, b, file)
	if err != nil {
		return nil, fmt.Errorf("finalizing %s: %w", req.Name, err)
	}

	e.logger.Debug("upload finished", "name", req.Name, "message_id", id, "size", size)
	return &Result{MessageID: id, Size: size}, nil
}

func (e *Engine) runRound(u *upload, workers int) {
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					u.recordErr(fmt.Errorf("worker %d panicked: %v", w, r))
				}
			}()
			e.work(u, w)
		}()
	}
	wg.Wait()
}

func (e *Engine) work(u *upload, worker int) {
	for {
		index, data, ok, err := u.claim()
		if err != nil {
			u.recordErr(fmt.Errorf("worker %d: %w", worker, err))
			return
		}
		if !ok {
			return
		}
		if err := e.pushPart(u, index, data); err != nil {
			return
		}
	}
}

// pushPart retries one part until it is confirmed. It returns an error only
// when the upload must stop.
func (e *Engine) pushPart(u *upload, index int, data []byte) error {
	for {
		err := u.save(index, data)
		if err == nil {
			u.confirm(index, len(data))
			return nil
		}
		if errors.Is(err, chat.ErrChunkSizeRejected) {
			fatal := fmt.Errorf("part %d of %d bytes: %w", index, len(data), ErrFileTooBig)
			u.setFatal(fatal)
			return fatal
		}
		if ctxErr := u.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		e.logger.Warn("part upload failed, retrying", "part", index, "error", err)
		if err := sleep(u.ctx, e.opts.RetryDelay); err != nil {
			return err
		}
		if u.stopped() {
			return errors.New("upload stopped")
		}
	}
}

// resendPending pushes, one at a time, the parts claimed by workers that
// did not confirm them.
func (e *Engine) resendPending(u *upload) error {
	for index := 0; index < u.next; index++ {
		data, ok := u.pending[index]
		if !ok {
			continue
		}
		e.logger.Warn("resending unconfirmed part", "part", index)
		if err := e.pushPart(u, index, data); err != nil {
			return err
		}
	}
	return nil
}

// claim reads the next part from the source. ok is false once every part
// has been claimed.
func (u *upload) claim() (index int, data []byte, ok bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.fatal != nil || u.readFailed || u.next >= u.parts || u.ctx.Err() != nil {
		return 0, nil, false, nil
	}

	index = u.next
	data, err = u.src.Read(u.partSize)
	if err != nil {
		u.readFailed = true
		return 0, nil, false, fmt.Errorf("reading part %d: %w", index, err)
	}
	u.next++
	u.pending[index] = data
	return index, data, true, nil
}

func (u *upload) save(index int, data []byte) error {
	if u.big {
		return u.backend.SaveBigFilePart(u.ctx, u.fileID, index, u.parts, data)
	}
	return u.backend.SaveFilePart(u.ctx, u.fileID, index, data)
}

func (u *upload) confirm(index, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.pending[index]; !ok {
		return
	}
	delete(u.pending, index)
	u.sent += int64(n)
	if u.progress != nil {
		u.progress(u.sent, u.size)
	}
}

func (u *upload) recordErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs = append(u.errs, err)
}

func (u *upload) setFatal(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fatal == nil {
		u.fatal = err
	}
}

func (u *upload) stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fatal != nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
