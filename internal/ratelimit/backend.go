package ratelimit

import (
	"context"
	"iter"

	"chanfs/internal/chat"
)

// limitedBackend routes every backend call through a Dispatcher.
type limitedBackend struct {
	b chat.Backend
	d *Dispatcher
}

// NewLimitedBackend wraps b so that each call, including each chunk pulled
// from a download, waits for its turn on d.
func NewLimitedBackend(b chat.Backend, d *Dispatcher) chat.Backend {
	return &limitedBackend{b: b, d: d}
}

func (l *limitedBackend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	if err := l.d.Wait(ctx); err != nil {
		return 0, err
	}
	return l.b.SendText(ctx, text)
}

func (l *limitedBackend) EditMessageText(ctx context.Context, id chat.MessageID, text string) (chat.MessageID, error) {
	if err := l.d.Wait(ctx); err != nil {
		return 0, err
	}
	return l.b.EditMessageText(ctx, id, text)
}

func (l *limitedBackend) SendFile(ctx context.Context, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	if err := l.d.Wait(ctx); err != nil {
		return 0, err
	}
	return l.b.SendFile(ctx, file, caption)
}

func (l *limitedBackend) EditMessageMedia(ctx context.Context, id chat.MessageID, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	if err := l.d.Wait(ctx); err != nil {
		return 0, err
	}
	return l.b.EditMessageMedia(ctx, id, file, caption)
}

func (l *limitedBackend) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	if err := l.d.Wait(ctx); err != nil {
		return nil, err
	}
	return l.b.GetMessages(ctx, ids)
}

func (l *limitedBackend) SearchMessages(ctx context.Context, query string) ([]*chat.Message, error) {
	if err := l.d.Wait(ctx); err != nil {
		return nil, err
	}
	return l.b.SearchMessages(ctx, query)
}

func (l *limitedBackend) GetPinnedMessage(ctx context.Context) (*chat.Message, error) {
	if err := l.d.Wait(ctx); err != nil {
		return nil, err
	}
	return l.b.GetPinnedMessage(ctx)
}

func (l *limitedBackend) PinMessage(ctx context.Context, id chat.MessageID) error {
	if err := l.d.Wait(ctx); err != nil {
		return err
	}
	return l.b.PinMessage(ctx, id)
}

func (l *limitedBackend) SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error {
	if err := l.d.Wait(ctx); err != nil {
		return err
	}
	return l.b.SaveFilePart(ctx, fileID, partIndex, data)
}

func (l *limitedBackend) SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error {
	if err := l.d.Wait(ctx); err != nil {
		return err
	}
	return l.b.SaveBigFilePart(ctx, fileID, partIndex, totalParts, data)
}

func (l *limitedBackend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	if err := l.d.Wait(ctx); err != nil {
		return nil, 0, err
	}
	chunks, size, err := l.b.DownloadFile(ctx, id, chunkSizeKB)
	if err != nil {
		return nil, 0, err
	}

	limited := func(yield func([]byte, error) bool) {
		next, stop := iter.Pull2(chunks)
		defer stop()
		for {
			if err := l.d.Wait(ctx); err != nil {
				yield(nil, err)
				return
			}
			chunk, err, ok := next()
			if !ok {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
	return limited, size, nil
}

func (l *limitedBackend) Lightweight() bool {
	return l.b.Lightweight()
}

var _ chat.Backend = (*limitedBackend)(nil)
