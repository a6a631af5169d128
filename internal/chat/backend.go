package chat

import (
	"context"
	"iter"
)

// MessageID identifies a message within the channel a Backend is bound to.
// Real message ids are always positive.
type MessageID int64

// Message is a channel message. Text holds the message body, or the caption
// when the message carries a Document.
type Message struct {
	ID       MessageID
	Text     string
	Document *Document
}

// Document is the attachment carried by a file message.
type Document struct {
	ID   int64
	Name string
	Size int64
}

// UploadedFile is the handle produced once every part of an upload has been
// saved with SaveFilePart or SaveBigFilePart. Passing it to SendFile or
// EditMessageMedia assembles the parts into a Document.
type UploadedFile struct {
	ID    int64
	Name  string
	Parts int
	Big   bool
}

// Chunks is a lazy sequence of downloaded byte chunks. It can be ranged over
// once; a non-nil error ends the sequence.
type Chunks = iter.Seq2[[]byte, error]

// Backend is the contract every concrete messaging provider exposes.
// A Backend is bound to a single channel at construction, so channel
// identifiers do not appear in method signatures.
type Backend interface {
	// SendText posts a text message and returns its id.
	SendText(ctx context.Context, text string) (MessageID, error)

	// EditMessageText replaces the body of a text message.
	// Returns ErrMessageNotFound if the message was removed.
	EditMessageText(ctx context.Context, id MessageID, text string) (MessageID, error)

	// SendFile assembles an uploaded file into a new document message.
	SendFile(ctx context.Context, file UploadedFile, caption string) (MessageID, error)

	// EditMessageMedia replaces the document attached to an existing message.
	// Returns ErrMessageNotFound if the message was removed.
	EditMessageMedia(ctx context.Context, id MessageID, file UploadedFile, caption string) (MessageID, error)

	// GetMessages returns one entry per requested id, in order. Ids that do
	// not exist yield nil entries rather than an error.
	GetMessages(ctx context.Context, ids []MessageID) ([]*Message, error)

	// SearchMessages returns messages whose text contains query.
	SearchMessages(ctx context.Context, query string) ([]*Message, error)

	// GetPinnedMessage returns the pinned message, or nil if none is pinned.
	GetPinnedMessage(ctx context.Context) (*Message, error)

	// PinMessage pins the given message, replacing any previous pin.
	PinMessage(ctx context.Context, id MessageID) error

	// SaveFilePart stores one part of a small-file upload.
	SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error

	// SaveBigFilePart stores one part of a big-file upload. totalParts is the
	// number of parts the finished upload will have.
	SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error

	// DownloadFile streams the document attached to a message in chunks of
	// chunkSizeKB kilobytes. The returned size is the document size.
	DownloadFile(ctx context.Context, id MessageID, chunkSizeKB int) (Chunks, int64, error)

	// Lightweight reports whether this identity is limited to small payloads
	// (see LightweightMaxPayload).
	Lightweight() bool
}

// LightweightMaxPayload is the largest payload a lightweight identity may
// upload. Larger payloads must go through a full account.
const LightweightMaxPayload int64 = 50 * 1024 * 1024
