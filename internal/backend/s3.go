package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"chanfs/internal/chat"
)

// S3API is the subset of the S3 client used by S3Backend. *s3.Client
// satisfies it.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Options configures an S3Backend built by NewS3BackendFromOptions.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Backend implements chat.Backend on an S3 bucket. Messages are JSON
// objects, documents are assembled objects and upload parts are staged under
// their own prefix until SendFile/EditMessageMedia assembles them.
//
// Layout under Prefix:
//
//	messages/<id>.json
//	documents/<id>
//	parts/<upload id>/<index>
//	pinned
//
// Message and document ids come from a single in-process sequence seeded from
// the highest id already in the bucket, so one process should own a prefix.
type S3Backend struct {
	name        string
	bucket      string
	prefix      string
	lightweight bool

	client   S3API
	uploader *manager.Uploader

	mu  sync.Mutex
	seq int64
}

// s3Message is the stored form of a chat.Message.
type s3Message struct {
	ID       chat.MessageID `json:"id"`
	Text     string         `json:"text"`
	Document *chat.Document `json:"document,omitempty"`
}

// NewS3BackendFromOptions loads AWS configuration and creates an S3Backend.
// Static credentials are used when AccessKey is set, otherwise the default
// credential chain applies.
func NewS3BackendFromOptions(ctx context.Context, name string, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires s3_bucket to be set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Backend(ctx, name, client, opts.Bucket, opts.Prefix)
}

// NewS3Backend creates an S3Backend over an existing client.
func NewS3Backend(ctx context.Context, name string, client S3API, bucket, prefix string) (*S3Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	b := &S3Backend{
		name:     name,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: manager.NewUploader(client),
	}

	for _, dir := range []string{"messages", "documents"} {
		keys, err := b.listKeys(ctx, b.key(dir)+"/")
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			base := strings.TrimSuffix(path.Base(k), ".json")
			if id, err := strconv.ParseInt(base, 10, 64); err == nil && id > b.seq {
				b.seq = id
			}
		}
	}
	return b, nil
}

// SetLightweight marks the backend as a lightweight identity.
func (b *S3Backend) SetLightweight(lightweight bool) {
	b.lightweight = lightweight
}

func (b *S3Backend) Lightweight() bool {
	return b.lightweight
}

func (b *S3Backend) key(elem ...string) string {
	return path.Join(append([]string{b.prefix}, elem...)...)
}

func (b *S3Backend) messageKey(id chat.MessageID) string {
	return b.key("messages", strconv.FormatInt(int64(id), 10)+".json")
}

func (b *S3Backend) documentKey(id int64) string {
	return b.key("documents", strconv.FormatInt(id, 10))
}

func (b *S3Backend) partKey(fileID int64, index int) string {
	return b.key("parts", strconv.FormatInt(fileID, 10), strconv.Itoa(index))
}

func (b *S3Backend) nextID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func (b *S3Backend) putObject(ctx context.Context, key string, body []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

// getObject returns the object body, or nil and false if the key is absent.
func (b *S3Backend) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, true, nil
}

func (b *S3Backend) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3Backend) readMessage(ctx context.Context, id chat.MessageID) (*s3Message, error) {
	data, ok, err := b.getObject(ctx, b.messageKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var msg s3Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message %d: %w", id, err)
	}
	return &msg, nil
}

func (b *S3Backend) writeMessage(ctx context.Context, msg *s3Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message %d: %w", msg.ID, err)
	}
	return b.putObject(ctx, b.messageKey(msg.ID), data)
}

func (m *s3Message) toChat() *chat.Message {
	out := &chat.Message{ID: m.ID, Text: m.Text}
	if m.Document != nil {
		doc := *m.Document
		out.Document = &doc
	}
	return out
}

func (b *S3Backend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	msg := &s3Message{ID: chat.MessageID(b.nextID()), Text: text}
	if err := b.writeMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("sending text: %w", err)
	}
	return msg.ID, nil
}

func (b *S3Backend) EditMessageText(ctx context.Context, id chat.MessageID, text string) (chat.MessageID, error) {
	msg, err := b.readMessage(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("editing message %d: %w", id, err)
	}
	if msg == nil {
		return 0, fmt.Errorf("editing message %d: %w", id, chat.ErrMessageNotFound)
	}
	msg.Text = text
	if err := b.writeMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("editing message %d: %w", id, err)
	}
	return id, nil
}

func (b *S3Backend) SendFile(ctx context.Context, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	doc, err := b.assemble(ctx, file)
	if err != nil {
		return 0, err
	}
	msg := &s3Message{ID: chat.MessageID(b.nextID()), Text: caption, Document: doc}
	if err := b.writeMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("sending file: %w", err)
	}
	return msg.ID, nil
}

func (b *S3Backend) EditMessageMedia(ctx context.Context, id chat.MessageID, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	msg, err := b.readMessage(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, err)
	}
	if msg == nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, chat.ErrMessageNotFound)
	}

	doc, err := b.assemble(ctx, file)
	if err != nil {
		return 0, err
	}
	msg.Text = caption
	msg.Document = doc
	if err := b.writeMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, err)
	}
	return id, nil
}

// assemble streams the parts of an upload, in order, into a new document
// object through the multipart uploader, then deletes the parts.
func (b *S3Backend) assemble(ctx context.Context, file chat.UploadedFile) (*chat.Document, error) {
	docID := b.nextID()
	pr, pw := io.Pipe()

	var size int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < file.Parts; i++ {
			data, ok, err := b.getObject(ctx, b.partKey(file.ID, i))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if !ok {
				pw.CloseWithError(fmt.Errorf("upload %d: part %d missing", file.ID, i))
				return
			}
			n, err := pw.Write(data)
			size += int64(n)
			if err != nil {
				return
			}
		}
		pw.Close()
	}()

	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.documentKey(docID)),
		Body:   pr,
	})
	// Unblock the writer if the upload stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	<-done
	if err != nil {
		return nil, fmt.Errorf("assembling upload %d: %w", file.ID, err)
	}

	if err := b.deletePrefix(ctx, b.key("parts", strconv.FormatInt(file.ID, 10))+"/"); err != nil {
		return nil, err
	}
	return &chat.Document{ID: docID, Name: file.Name, Size: size}, nil
}

func (b *S3Backend) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.listKeys(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return err
	}
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", prefix, err)
	}
	return nil
}

func (b *S3Backend) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	result := make([]*chat.Message, len(ids))
	for i, id := range ids {
		msg, err := b.readMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			result[i] = msg.toChat()
		}
	}
	return result, nil
}

func (b *S3Backend) SearchMessages(ctx context.Context, query string) ([]*chat.Message, error) {
	keys, err := b.listKeys(ctx, b.key("messages")+"/")
	if err != nil {
		return nil, err
	}

	var result []*chat.Message
	for _, k := range keys {
		data, ok, err := b.getObject(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var msg s3Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", k, err)
		}
		if strings.Contains(msg.Text, query) {
			result = append(result, msg.toChat())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (b *S3Backend) GetPinnedMessage(ctx context.Context) (*chat.Message, error) {
	data, ok, err := b.getObject(ctx, b.key("pinned"))
	if err != nil || !ok {
		return nil, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding pinned message id: %w", err)
	}
	msg, err := b.readMessage(ctx, chat.MessageID(id))
	if err != nil || msg == nil {
		return nil, err
	}
	return msg.toChat(), nil
}

func (b *S3Backend) PinMessage(ctx context.Context, id chat.MessageID) error {
	msg, err := b.readMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("pinning message %d: %w", id, err)
	}
	if msg == nil {
		return fmt.Errorf("pinning message %d: %w", id, chat.ErrMessageNotFound)
	}
	return b.putObject(ctx, b.key("pinned"), []byte(strconv.FormatInt(int64(id), 10)))
}

func (b *S3Backend) SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error {
	if len(data) > MaxPartSize {
		return fmt.Errorf("part %d is %d bytes: %w", partIndex, len(data), chat.ErrChunkSizeRejected)
	}
	return b.putObject(ctx, b.partKey(fileID, partIndex), data)
}

func (b *S3Backend) SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error {
	if partIndex >= totalParts {
		return fmt.Errorf("part %d out of range for %d parts", partIndex, totalParts)
	}
	return b.SaveFilePart(ctx, fileID, partIndex, data)
}

func (b *S3Backend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	msg, err := b.readMessage(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("downloading message %d: %w", id, err)
	}
	if msg == nil {
		return nil, 0, fmt.Errorf("downloading message %d: %w", id, chat.ErrMessageNotFound)
	}
	if msg.Document == nil {
		return nil, 0, fmt.Errorf("message %d has no document", id)
	}

	size := msg.Document.Size
	key := b.documentKey(msg.Document.ID)
	chunkSize := int64(chunkSizeKB) * 1024
	if chunkSize <= 0 {
		chunkSize = max(size, 1)
	}

	chunks := func(yield func([]byte, error) bool) {
		for offset := int64(0); offset < size; offset += chunkSize {
			end := min(offset+chunkSize, size) - 1
			out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
				Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
			})
			if err != nil {
				yield(nil, fmt.Errorf("reading %s at %d: %w", key, offset, err))
				return
			}
			data, err := io.ReadAll(out.Body)
			out.Body.Close()
			if err != nil {
				yield(nil, fmt.Errorf("reading %s at %d: %w", key, offset, err))
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
	return chunks, size, nil
}

// Compile-time check that S3Backend implements chat.Backend interface
var _ chat.Backend = (*S3Backend)(nil)
