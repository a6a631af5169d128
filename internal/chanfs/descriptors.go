package chanfs

import (
	"context"
	"errors"
	"fmt"

	"chanfs/internal/chat"
)

// MessageGetter fetches messages by id, nil for ids that do not exist.
// *broker.Broker satisfies it.
type MessageGetter interface {
	GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error)
}

// descriptorStore reads and writes file descriptors, each kept as the text
// of its own message. It is safe for concurrent use.
type descriptorStore struct {
	backend chat.Backend
	getter  MessageGetter
	logger  chat.Logger
}

// load fetches the descriptor in message id and resolves the sizes of its
// versions. A missing message is reported as chat.ErrMessageNotFound.
func (d *descriptorStore) load(ctx context.Context, id chat.MessageID) (*File, error) {
	msgs, err := d.getter.GetMessages(ctx, []chat.MessageID{id})
	if err != nil {
		return nil, fmt.Errorf("fetching descriptor %d: %w", id, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return nil, fmt.Errorf("descriptor %d: %w", id, chat.ErrMessageNotFound)
	}

	f, err := decodeFile(msgs[0].Text)
	if err != nil {
		return nil, fmt.Errorf("descriptor %d: %w", id, err)
	}

	invalidated, err := d.resolveSizes(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("descriptor %d: %w", id, err)
	}
	if invalidated {
		d.writeBack(ctx, id, f)
	}
	return f, nil
}

// resolveSizes copies payload sizes onto versions marked SizeInvalid.
// Versions whose payload is gone become empty placeholders; invalidated
// reports whether that happened.
func (d *descriptorStore) resolveSizes(ctx context.Context, f *File) (invalidated bool, err error) {
	var unresolved []*FileVersion
	var ids []chat.MessageID
	for _, v := range f.Versions {
		if v.Size == SizeInvalid && !v.IsEmpty() {
			unresolved = append(unresolved, v)
			ids = append(ids, v.MessageID)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}

	msgs, err := d.getter.GetMessages(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("resolving version sizes: %w", err)
	}
	for i, v := range unresolved {
		msg := msgs[i]
		if msg == nil || msg.Document == nil {
			d.logger.Warn("version payload is gone, marking version empty",
				"file", f.Name, "version", v.ID, "message_id", v.MessageID)
			v.MessageID = EmptyMessageID
			v.Size = 0
			invalidated = true
			continue
		}
		v.Size = msg.Document.Size
	}
	return invalidated, nil
}

// writeBack stores a corrected descriptor. Failures are only logged; the
// correction is recomputed on the next read.
func (d *descriptorStore) writeBack(ctx context.Context, id chat.MessageID, f *File) {
	text, err := encodeFile(f)
	if err == nil {
		_, err = d.backend.EditMessageText(ctx, id, text)
	}
	if err != nil {
		d.logger.Warn("could not write back corrected descriptor", "message_id", id, "error", err)
	}
}

// create sends f as a new descriptor message.
func (d *descriptorStore) create(ctx context.Context, f *File) (chat.MessageID, error) {
	text, err := encodeFile(f)
	if err != nil {
		return 0, err
	}
	id, err := d.backend.SendText(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("sending descriptor %q: %w", f.Name, err)
	}
	return id, nil
}

// save edits the descriptor in message id. When that message no longer
// exists a new one is sent; the returned id is where f now lives.
func (d *descriptorStore) save(ctx context.Context, id chat.MessageID, f *File) (chat.MessageID, error) {
	text, err := encodeFile(f)
	if err != nil {
		return 0, err
	}
	if _, err := d.backend.EditMessageText(ctx, id, text); err == nil {
		return id, nil
	} else if !errors.Is(err, chat.ErrMessageNotFound) {
		return 0, fmt.Errorf("editing descriptor %d: %w", id, err)
	}

	d.logger.Warn("descriptor message is gone, sending a new one", "file", f.Name, "message_id", id)
	return d.create(ctx, f)
}
