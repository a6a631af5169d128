package testutil

import (
	"context"
	"sync"

	"chanfs/internal/backend"
	"chanfs/internal/chat"
)

// NewTestBackend creates a new in-memory backend for testing.
func NewTestBackend() *backend.MemoryBackend {
	return backend.NewMemoryBackend("test-backend")
}

// CountingBackend wraps a chat.Backend and counts calls per method.
// It can also inject errors: queued errors for a method are returned, in
// order, by its next calls instead of reaching the wrapped backend.
type CountingBackend struct {
	chat.Backend

	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error
	gets     [][]chat.MessageID
}

func NewCountingBackend(b chat.Backend) *CountingBackend {
	return &CountingBackend{
		Backend:  b,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// Calls returns how many times method was invoked, failed calls included.
func (c *CountingBackend) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// GetMessagesArgs returns the id lists passed to GetMessages, in call order.
func (c *CountingBackend) GetMessagesArgs() [][]chat.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]chat.MessageID(nil), c.gets...)
}

// FailNext makes the next len(errs) calls to method return errs in order.
func (c *CountingBackend) FailNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

// record counts a call and pops the next injected failure, if any.
func (c *CountingBackend) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	if queued := c.failures[method]; len(queued) > 0 {
		c.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (c *CountingBackend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	if err := c.record("SendText"); err != nil {
		return 0, err
	}
	return c.Backend.SendText(ctx, text)
}

func (c *CountingBackend) EditMessageText(ctx context.Context, id chat.MessageID, text string) (chat.MessageID, error) {
	if err := c.record("EditMessageText"); err != nil {
		return 0, err
	}
	return c.Backend.EditMessageText(ctx, id, text)
}

func (c *CountingBackend) SendFile(ctx context.Context, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	if err := c.record("SendFile"); err != nil {
		return 0, err
	}
	return c.Backend.SendFile(ctx, file, caption)
}

func (c *CountingBackend) EditMessageMedia(ctx context.Context, id chat.MessageID, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	if err := c.record("EditMessageMedia"); err != nil {
		return 0, err
	}
	return c.Backend.EditMessageMedia(ctx, id, file, caption)
}

func (c *CountingBackend) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	c.mu.Lock()
	c.gets = append(c.gets, append([]chat.MessageID(nil), ids...))
	c.mu.Unlock()
	if err := c.record("GetMessages"); err != nil {
		return nil, err
	}
	return c.Backend.GetMessages(ctx, ids)
}

func (c *CountingBackend) SearchMessages(ctx context.Context, query string) ([]*chat.Message, error) {
	if err := c.record("SearchMessages"); err != nil {
		return nil, err
	}
	return c.Backend.SearchMessages(ctx, query)
}

func (c *CountingBackend) GetPinnedMessage(ctx context.Context) (*chat.Message, error) {
	if err := c.record("GetPinnedMessage"); err != nil {
		return nil, err
	}
	return c.Backend.GetPinnedMessage(ctx)
}

func (c *CountingBackend) PinMessage(ctx context.Context, id chat.MessageID) error {
	if err := c.record("PinMessage"); err != nil {
		return err
	}
	return c.Backend.PinMessage(ctx, id)
}

func (c *CountingBackend) SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error {
	if err := c.record("SaveFilePart"); err != nil {
		return err
	}
	return c.Backend.SaveFilePart(ctx, fileID, partIndex, data)
}

func (c *CountingBackend) SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error {
	if err := c.record("SaveBigFilePart"); err != nil {
		return err
	}
	return c.Backend.SaveBigFilePart(ctx, fileID, partIndex, totalParts, data)
}

func (c *CountingBackend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	if err := c.record("DownloadFile"); err != nil {
		return nil, 0, err
	}
	return c.Backend.DownloadFile(ctx, id, chunkSizeKB)
}

var _ chat.Backend = (*CountingBackend)(nil)
