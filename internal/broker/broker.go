// Package broker coalesces concurrent message lookups into batched backend
// calls.
package broker

import (
	"context"
	"sync"
	"time"

	"chanfs/internal/chat"
)

// DefaultWindow is how long a batch stays open for more callers.
const DefaultWindow = 100 * time.Millisecond

// Broker batches GetMessages calls issued within a window into a single
// deduplicated backend call. Each caller receives its own copies of only the
// messages it asked for, in its own order. A failed backend call fails every
// caller in the batch.
type Broker struct {
	backend chat.Backend
	window  time.Duration
	logger  chat.Logger

	mu      sync.Mutex
	pending *batch
}

type batch struct {
	ctx  context.Context
	ids  []chat.MessageID
	seen map[chat.MessageID]struct{}

	done   chan struct{}
	result map[chat.MessageID]*chat.Message
	err    error
}

// New creates a Broker over backend. A non-positive window uses DefaultWindow.
func New(backend chat.Backend, window time.Duration, logger chat.Logger) *Broker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Broker{backend: backend, window: window, logger: logger}
}

// GetMessages returns one entry per id, in order; ids that do not exist map
// to nil. The call blocks until the batch it joined has been fetched or ctx
// is done.
func (b *Broker) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	if len(ids) == 0 {
		return []*chat.Message{}, nil
	}

	bt := b.join(ctx, ids)

	select {
	case <-bt.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if bt.err != nil {
		return nil, bt.err
	}

	out := make([]*chat.Message, len(ids))
	for i, id := range ids {
		out[i] = cloneMessage(bt.result[id])
	}
	return out, nil
}

// cloneMessage gives each caller its own copy of a batch result.
func cloneMessage(msg *chat.Message) *chat.Message {
	if msg == nil {
		return nil
	}
	c := *msg
	if msg.Document != nil {
		doc := *msg.Document
		c.Document = &doc
	}
	return &c
}

// join adds ids to the open batch, opening one if needed.
func (b *Broker) join(ctx context.Context, ids []chat.MessageID) *batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	bt := b.pending
	if bt == nil {
		bt = &batch{
			// The batch outlives the caller that opened it.
			ctx:  context.WithoutCancel(ctx),
			seen: make(map[chat.MessageID]struct{}),
			done: make(chan struct{}),
		}
		b.pending = bt
		time.AfterFunc(b.window, func() { b.flush(bt) })
	}

	for _, id := range ids {
		if _, ok := bt.seen[id]; ok {
			continue
		}
		bt.seen[id] = struct{}{}
		bt.ids = append(bt.ids, id)
	}
	return bt
}

func (b *Broker) flush(bt *batch) {
	b.mu.Lock()
	if b.pending == bt {
		b.pending = nil
	}
	b.mu.Unlock()

	defer close(bt.done)

	b.logger.Debug("fetching coalesced messages", "ids", len(bt.ids))
	msgs, err := b.backend.GetMessages(bt.ctx, bt.ids)
	if err != nil {
		bt.err = err
		return
	}

	bt.result = make(map[chat.MessageID]*chat.Message, len(bt.ids))
	for i, id := range bt.ids {
		if i < len(msgs) && msgs[i] != nil {
			bt.result[id] = msgs[i]
		}
	}
}
