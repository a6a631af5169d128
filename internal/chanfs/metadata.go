package chanfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"chanfs/internal/chat"
	"chanfs/internal/transfer"
	"chanfs/internal/tree"
)

const (
	metadataName    = "chanfs-metadata.json"
	metadataCaption = "chanfs metadata"
)

// metadataStore keeps the directory tree as the attachment of the pinned
// message.
//
// Before every write the pinned document is fetched again. The local tree
// wins over whatever is there, but a remote change since our last load or
// write is logged, and a pin that moved to another message is adopted as
// the edit target.
type metadataStore struct {
	backend chat.Backend
	engine  *transfer.Engine
	logger  chat.Logger

	messageID chat.MessageID // 0 until loaded or first written
	digest    string         // SHA-256 of the last document read or written
}

// load reads the pinned tree. It returns nil when nothing is pinned yet.
func (m *metadataStore) load(ctx context.Context) (*tree.Tree, error) {
	pinned, err := m.backend.GetPinnedMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching pinned metadata: %w", err)
	}
	if pinned == nil {
		return nil, nil
	}

	data, err := m.fetch(ctx, pinned)
	if err != nil {
		return nil, err
	}
	t, err := tree.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metadata message %d: %w", pinned.ID, err)
	}

	m.messageID = pinned.ID
	m.digest = digest(data)
	return t, nil
}

func (m *metadataStore) fetch(ctx context.Context, msg *chat.Message) ([]byte, error) {
	if msg.Document == nil {
		return nil, fmt.Errorf("pinned message %d has no metadata attachment", msg.ID)
	}
	chunks, _, err := m.engine.Download(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("downloading metadata: %w", err)
	}
	r := transfer.NewReader(chunks)
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading metadata: %w", err)
	}
	return data, nil
}

// merge reconciles our view of the pinned document with the channel before
// a write.
func (m *metadataStore) merge(ctx context.Context) error {
	pinned, err := m.backend.GetPinnedMessage(ctx)
	if err != nil {
		return fmt.Errorf("fetching pinned metadata: %w", err)
	}
	if pinned == nil {
		if m.messageID != 0 {
			m.logger.Warn("metadata pin is gone, the tree will be pinned again", "message_id", m.messageID)
			m.messageID = 0
		}
		return nil
	}

	if pinned.ID != m.messageID {
		if m.messageID != 0 {
			m.logger.Warn("metadata pin moved to another message", "from", m.messageID, "to", pinned.ID)
		}
		m.messageID = pinned.ID
	}

	data, err := m.fetch(ctx, pinned)
	if err != nil {
		m.logger.Warn("could not read pinned metadata before writing", "message_id", pinned.ID, "error", err)
		return nil
	}
	if m.digest != "" && digest(data) != m.digest {
		m.logger.Warn("metadata changed remotely since last sync, overwriting with local tree", "message_id", pinned.ID)
	}
	return nil
}

// persist writes t as the pinned document.
func (m *metadataStore) persist(ctx context.Context, t *tree.Tree) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := m.merge(ctx); err != nil {
		return err
	}

	res, err := m.engine.Upload(ctx, transfer.Request{
		Source:   transfer.NewBufferSource(data),
		Name:     metadataName,
		Finalize: m.finalize,
	})
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	m.messageID = res.MessageID
	m.digest = digest(data)
	m.logger.Info("metadata committed", "message_id", res.MessageID, "bytes", len(data))
	return nil
}

// finalize edits the pinned message in place, or sends and pins a new one
// when there is none to edit.
func (m *metadataStore) finalize(ctx context.Context, b chat.Backend, file chat.UploadedFile) (chat.MessageID, error) {
	if m.messageID != 0 {
		id, err := b.EditMessageMedia(ctx, m.messageID, file, metadataCaption)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, chat.ErrMessageNotFound) {
			return 0, err
		}
		m.logger.Warn("metadata message is gone, sending a new one", "message_id", m.messageID)
	}

	id, err := b.SendFile(ctx, file, metadataCaption)
	if err != nil {
		return 0, err
	}
	if err := b.PinMessage(ctx, id); err != nil {
		return 0, fmt.Errorf("pinning metadata message %d: %w", id, err)
	}
	return id, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
