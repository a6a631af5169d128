package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chanfs/internal/chat"
)

// MaxPartSize is the largest part accepted by SaveFilePart/SaveBigFilePart.
const MaxPartSize = 512 * 1024

// MemoryBackend is an in-memory implementation of the chat.Backend interface.
// It keeps messages, uploaded parts and assembled documents in maps, making it
// useful for testing and for throwaway sessions.
// This implementation is safe for concurrent use.
type MemoryBackend struct {
	name        string
	lightweight bool

	mu        sync.RWMutex
	nextMsgID chat.MessageID
	nextDocID int64
	messages  map[chat.MessageID]*chat.Message
	documents map[int64][]byte         // document id -> content
	parts     map[int64]map[int][]byte // upload file id -> part index -> data
	bigTotals map[int64]int            // upload file id -> declared total parts
	pinned    chat.MessageID
}

// NewMemoryBackend creates a new in-memory backend with the given name.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:      name,
		messages:  make(map[chat.MessageID]*chat.Message),
		documents: make(map[int64][]byte),
		parts:     make(map[int64]map[int][]byte),
		bigTotals: make(map[int64]int),
	}
}

// SetLightweight marks the backend as a lightweight identity.
func (m *MemoryBackend) SetLightweight(lightweight bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lightweight = lightweight
}

func (m *MemoryBackend) Lightweight() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lightweight
}

func (m *MemoryBackend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMsgID++
	id := m.nextMsgID
	m.messages[id] = &chat.Message{ID: id, Text: text}
	return id, nil
}

func (m *MemoryBackend) EditMessageText(ctx context.Context, id chat.MessageID, text string) (chat.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return 0, fmt.Errorf("editing message %d: %w", id, chat.ErrMessageNotFound)
	}
	msg.Text = text
	return id, nil
}

func (m *MemoryBackend) SendFile(ctx context.Context, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.assembleLocked(file)
	if err != nil {
		return 0, err
	}

	m.nextMsgID++
	id := m.nextMsgID
	m.messages[id] = &chat.Message{ID: id, Text: caption, Document: doc}
	return id, nil
}

func (m *MemoryBackend) EditMessageMedia(ctx context.Context, id chat.MessageID, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return 0, fmt.Errorf("editing media of message %d: %w", id, chat.ErrMessageNotFound)
	}

	doc, err := m.assembleLocked(file)
	if err != nil {
		return 0, err
	}
	msg.Text = caption
	msg.Document = doc
	return id, nil
}

// assembleLocked concatenates the saved parts of an upload into a new document.
func (m *MemoryBackend) assembleLocked(file chat.UploadedFile) (*chat.Document, error) {
	parts := m.parts[file.ID]
	if file.Big {
		if total, ok := m.bigTotals[file.ID]; ok && total != file.Parts {
			return nil, fmt.Errorf("upload %d declared %d parts, finalized with %d", file.ID, total, file.Parts)
		}
	}

	var content []byte
	for i := 0; i < file.Parts; i++ {
		part, ok := parts[i]
		if !ok {
			return nil, fmt.Errorf("upload %d: part %d missing", file.ID, i)
		}
		content = append(content, part...)
	}

	m.nextDocID++
	docID := m.nextDocID
	m.documents[docID] = content
	delete(m.parts, file.ID)
	delete(m.bigTotals, file.ID)

	return &chat.Document{ID: docID, Name: file.Name, Size: int64(len(content))}, nil
}

func (m *MemoryBackend) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*chat.Message, len(ids))
	for i, id := range ids {
		if msg, ok := m.messages[id]; ok {
			result[i] = copyMessage(msg)
		}
	}
	return result, nil
}

func (m *MemoryBackend) SearchMessages(ctx context.Context, query string) ([]*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*chat.Message
	for _, msg := range m.messages {
		if strings.Contains(msg.Text, query) {
			result = append(result, copyMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryBackend) GetPinnedMessage(ctx context.Context) (*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[m.pinned]
	if !ok {
		return nil, nil
	}
	return copyMessage(msg), nil
}

func (m *MemoryBackend) PinMessage(ctx context.Context, id chat.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return fmt.Errorf("pinning message %d: %w", id, chat.ErrMessageNotFound)
	}
	m.pinned = id
	return nil
}

func (m *MemoryBackend) SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error {
	return m.savePart(fileID, partIndex, data)
}

func (m *MemoryBackend) SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error {
	if partIndex >= totalParts {
		return fmt.Errorf("part %d out of range for %d parts", partIndex, totalParts)
	}
	m.mu.Lock()
	m.bigTotals[fileID] = totalParts
	m.mu.Unlock()
	return m.savePart(fileID, partIndex, data)
}

func (m *MemoryBackend) savePart(fileID int64, partIndex int, data []byte) error {
	if len(data) > MaxPartSize {
		return fmt.Errorf("part %d is %d bytes: %w", partIndex, len(data), chat.ErrChunkSizeRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parts, ok := m.parts[fileID]
	if !ok {
		parts = make(map[int][]byte)
		m.parts[fileID] = parts
	}
	parts[partIndex] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	m.mu.RLock()
	msg, ok := m.messages[id]
	var content []byte
	if ok && msg.Document != nil {
		content = m.documents[msg.Document.ID]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, 0, fmt.Errorf("downloading message %d: %w", id, chat.ErrMessageNotFound)
	}
	if msg.Document == nil {
		return nil, 0, fmt.Errorf("message %d has no document", id)
	}

	return sliceChunks(ctx, content, chunkSizeKB), int64(len(content)), nil
}

// DeleteMessage removes a message as if it had been deleted out-of-band.
func (m *MemoryBackend) DeleteMessage(id chat.MessageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	if m.pinned == id {
		m.pinned = 0
	}
}

// MessageCount returns the number of messages currently in the channel.
func (m *MemoryBackend) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func copyMessage(msg *chat.Message) *chat.Message {
	c := *msg
	if msg.Document != nil {
		doc := *msg.Document
		c.Document = &doc
	}
	return &c
}

// sliceChunks yields content in chunkSizeKB-kilobyte pieces.
func sliceChunks(ctx context.Context, content []byte, chunkSizeKB int) chat.Chunks {
	chunkSize := chunkSizeKB * 1024
	if chunkSize <= 0 {
		chunkSize = len(content)
	}
	return func(yield func([]byte, error) bool) {
		for offset := 0; offset < len(content); offset += chunkSize {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			end := min(offset+chunkSize, len(content))
			if !yield(append([]byte(nil), content[offset:end]...), nil) {
				return
			}
		}
	}
}

// Compile-time check that MemoryBackend implements chat.Backend interface
var _ chat.Backend = (*MemoryBackend)(nil)
