package ratelimit

import (
	"context"
	"errors"
	"time"

	"chanfs/internal/chat"
)

// DefaultFloodAttempts bounds how many times a call hit by flood waits is
// attempted before the flood error is returned.
const DefaultFloodAttempts = 5

// retryBackend retries calls that fail with *chat.FloodWaitError after
// sleeping for the wait the provider asked for.
type retryBackend struct {
	b           chat.Backend
	maxAttempts int
	logger      chat.Logger
}

// NewFloodWaitRetry wraps b so that flood-wait failures are retried up to
// maxAttempts times. Other errors are returned unchanged.
func NewFloodWaitRetry(b chat.Backend, maxAttempts int, logger chat.Logger) chat.Backend {
	if maxAttempts <= 0 {
		maxAttempts = DefaultFloodAttempts
	}
	return &retryBackend{b: b, maxAttempts: maxAttempts, logger: logger}
}

func retry[T any](ctx context.Context, r *retryBackend, op string, fn func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := fn()

		var flood *chat.FloodWaitError
		if err == nil || !errors.As(err, &flood) || attempt >= r.maxAttempts {
			return v, err
		}

		r.logger.Warn("flood wait", "op", op, "wait", flood.Wait, "attempt", attempt)
		timer := time.NewTimer(flood.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// retryErr adapts an error-only call to retry.
func retryErr(ctx context.Context, r *retryBackend, op string, fn func() error) error {
	_, err := retry(ctx, r, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *retryBackend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	return retry(ctx, r, "send_text", func() (chat.MessageID, error) {
		return r.b.SendText(ctx, text)
	})
}

func (r *retryBackend) EditMessageText(ctx context.Context, id chat.MessageID, text string) (chat.MessageID, error) {
	return retry(ctx, r, "edit_message_text", func() (chat.MessageID, error) {
		return r.b.EditMessageText(ctx, id, text)
	})
}

func (r *retryBackend) SendFile(ctx context.Context, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	return retry(ctx, r, "send_file", func() (chat.MessageID, error) {
		return r.b.SendFile(ctx, file, caption)
	})
}

func (r *retryBackend) EditMessageMedia(ctx context.Context, id chat.MessageID, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	return retry(ctx, r, "edit_message_media", func() (chat.MessageID, error) {
		return r.b.EditMessageMedia(ctx, id, file, caption)
	})
}

func (r *retryBackend) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	return retry(ctx, r, "get_messages", func() ([]*chat.Message, error) {
		return r.b.GetMessages(ctx, ids)
	})
}

func (r *retryBackend) SearchMessages(ctx context.Context, query string) ([]*chat.Message, error) {
	return retry(ctx, r, "search_messages", func() ([]*chat.Message, error) {
		return r.b.SearchMessages(ctx, query)
	})
}

func (r *retryBackend) GetPinnedMessage(ctx context.Context) (*chat.Message, error) {
	return retry(ctx, r, "get_pinned_message", func() (*chat.Message, error) {
		return r.b.GetPinnedMessage(ctx)
	})
}

func (r *retryBackend) PinMessage(ctx context.Context, id chat.MessageID) error {
	return retryErr(ctx, r, "pin_message", func() error {
		return r.b.PinMessage(ctx, id)
	})
}

func (r *retryBackend) SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error {
	return retryErr(ctx, r, "save_file_part", func() error {
		return r.b.SaveFilePart(ctx, fileID, partIndex, data)
	})
}

func (r *retryBackend) SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error {
	return retryErr(ctx, r, "save_big_file_part", func() error {
		return r.b.SaveBigFilePart(ctx, fileID, partIndex, totalParts, data)
	})
}

type download struct {
	chunks chat.Chunks
	size   int64
}

func (r *retryBackend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	d, err := retry(ctx, r, "download_file", func() (download, error) {
		chunks, size, err := r.b.DownloadFile(ctx, id, chunkSizeKB)
		return download{chunks, size}, err
	})
	return d.chunks, d.size, err
}

func (r *retryBackend) Lightweight() bool {
	return r.b.Lightweight()
}

var _ chat.Backend = (*retryBackend)(nil)
