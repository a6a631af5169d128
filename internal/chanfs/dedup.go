package chanfs

import (
	"context"
	"fmt"

	"chanfs/internal/chat"
)

const hashCaptionPrefix = "sha256:"

// hashCaption is the caption that tags a payload message with its content hash.
func hashCaption(sum string) string {
	return hashCaptionPrefix + sum
}

// dedupIndex finds payloads already present in the channel by content hash.
type dedupIndex struct {
	backend chat.Backend
}

// find returns a payload message tagged with sum, or nil.
func (d *dedupIndex) find(ctx context.Context, sum string) (*chat.Message, error) {
	caption := hashCaption(sum)
	msgs, err := d.backend.SearchMessages(ctx, caption)
	if err != nil {
		return nil, fmt.Errorf("searching for %s: %w", caption, err)
	}
	for _, msg := range msgs {
		if msg != nil && msg.Text == caption && msg.Document != nil {
			return msg, nil
		}
	}
	return nil, nil
}
