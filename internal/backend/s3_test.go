package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"chanfs/internal/chat"
)

// fakeS3 is an in-memory bucket implementing S3API.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart map[string]map[int32][]byte
	nextPart  int
	gets      int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:   make(map[string][]byte),
		multipart: make(map[string]map[int32][]byte),
	}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if r := aws.ToString(in.Range); r != "" {
		var start, end int
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, fmt.Errorf("bad range %q", r)
		}
		data = data[start:min(end+1, len(data))]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPart++
	id := fmt.Sprintf("upload-%d", f.nextPart)
	f.multipart[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multipart[aws.ToString(in.UploadId)][aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(in.PartNumber)))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := f.multipart[aws.ToString(in.UploadId)]
	numbers := make([]int, 0, len(parts))
	for n := range parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	var data []byte
	for _, n := range numbers {
		data = append(data, parts[int32(n)]...)
	}
	f.objects[aws.ToString(in.Key)] = data
	delete(f.multipart, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.multipart, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) keysWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func TestS3Backend_Contract(t *testing.T) {
	testBackendContract(t, func(t *testing.T) chat.Backend {
		b, err := NewS3Backend(context.Background(), "test", newFakeS3(), "bucket", "chan")
		if err != nil {
			t.Fatalf("NewS3Backend() error = %v", err)
		}
		return b
	})
}

func TestS3Backend_Layout(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()

	b, err := NewS3Backend(ctx, "test", client, "bucket", "/chan/")
	if err != nil {
		t.Fatalf("NewS3Backend() error = %v", err)
	}

	file := uploadParts(t, b, 9, []byte("abcdef"), 4, false)
	if got := client.keysWithPrefix("chan/parts/9/"); len(got) != 2 {
		t.Fatalf("staged parts = %v, want 2 keys", got)
	}

	id, err := b.SendFile(ctx, file, "doc")
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	if err := b.PinMessage(ctx, id); err != nil {
		t.Fatalf("PinMessage() error = %v", err)
	}

	if got := client.keysWithPrefix("chan/parts/"); len(got) != 0 {
		t.Errorf("parts left after assembly: %v", got)
	}
	if got := client.keysWithPrefix("chan/documents/"); len(got) != 1 {
		t.Errorf("documents = %v, want 1 key", got)
	}
	if got := client.keysWithPrefix("chan/messages/"); len(got) != 1 {
		t.Errorf("messages = %v, want 1 key", got)
	}
	if got := client.keysWithPrefix("chan/pinned"); len(got) != 1 {
		t.Errorf("pinned = %v, want 1 key", got)
	}
}

func TestS3Backend_SeedsSequenceFromBucket(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()

	first, err := NewS3Backend(ctx, "test", client, "bucket", "chan")
	if err != nil {
		t.Fatalf("NewS3Backend() error = %v", err)
	}
	a, _ := first.SendText(ctx, "a")
	b, _ := first.SendText(ctx, "b")

	second, err := NewS3Backend(ctx, "test", client, "bucket", "chan")
	if err != nil {
		t.Fatalf("NewS3Backend() error = %v", err)
	}
	c, err := second.SendText(ctx, "c")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if c <= a || c <= b {
		t.Errorf("id after reopen = %d, want greater than %d and %d", c, a, b)
	}
}

func TestS3Backend_RangedDownload(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	b, _ := NewS3Backend(ctx, "test", client, "bucket", "")

	content := bytes.Repeat([]byte("z"), 3*1024+10)
	id, err := b.SendFile(ctx, uploadParts(t, b, 1, content, 1024, false), "")
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}

	client.mu.Lock()
	before := client.gets
	client.mu.Unlock()

	got, _ := download(t, b, id, 1)
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(content))
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	// One read for the message, four ranged reads for the document.
	if calls := client.gets - before; calls != 5 {
		t.Errorf("GetObject calls = %d, want 5", calls)
	}
}
