package transfer

import (
	"context"
	"errors"
	"io"
	"testing"

	"chanfs/internal/chat"
	"chanfs/internal/testutil"
)

// brokenDownloadBackend yields its chunks and then fails.
type brokenDownloadBackend struct {
	chat.Backend
	chunks [][]byte
	err    error
}

func (b *brokenDownloadBackend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	seq := func(yield func([]byte, error) bool) {
		for _, c := range b.chunks {
			if !yield(c, nil) {
				return
			}
		}
		yield(nil, b.err)
	}
	return seq, 100, nil
}

func TestEngine_DownloadIsSingleUse(t *testing.T) {
	mem := testutil.NewTestBackend()
	e := testEngine(mem, Options{DownloadChunkKB: 1})

	data := payload(5000)
	res, err := e.Upload(context.Background(), Request{Source: NewBufferSource(data), Name: "once"})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	chunks, size, err := e.Download(context.Background(), res.MessageID)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}

	var n, count int
	for chunk, err := range chunks {
		if err != nil {
			t.Fatalf("chunk error = %v", err)
		}
		if len(chunk) > 1024 {
			t.Errorf("chunk of %d bytes exceeds 1 KiB", len(chunk))
		}
		n += len(chunk)
		count++
	}
	if n != len(data) || count != 5 {
		t.Errorf("received %d bytes in %d chunks, want %d in 5", n, count, len(data))
	}

	for _, err := range chunks {
		if !errors.Is(err, ErrConsumed) {
			t.Errorf("second range error = %v, want ErrConsumed", err)
		}
	}
}

func TestEngine_DownloadMissingMessage(t *testing.T) {
	e := testEngine(testutil.NewTestBackend(), Options{})
	if _, _, err := e.Download(context.Background(), 404); err == nil {
		t.Error("Download() of missing message succeeded, want error")
	}
}

func TestNewReader(t *testing.T) {
	failure := errors.New("connection dropped")

	tests := []struct {
		name    string
		chunks  [][]byte
		wantErr error
	}{
		{"fails after chunks", [][]byte{[]byte("hello "), []byte("world")}, failure},
		{"fails immediately", nil, failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &brokenDownloadBackend{Backend: testutil.NewTestBackend(), chunks: tt.chunks, err: tt.wantErr}
			e := testEngine(b, Options{})

			chunks, _, err := e.Download(context.Background(), 1)
			if err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			r := NewReader(chunks)
			defer r.Close()

			got, err := io.ReadAll(r)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadAll() error = %v, want %v", err, tt.wantErr)
			}
			var want []byte
			for _, c := range tt.chunks {
				want = append(want, c...)
			}
			if string(got) != string(want) {
				t.Errorf("ReadAll() delivered %q before failing, want %q", got, want)
			}
		})
	}
}

func TestNewReader_CloseStopsSequence(t *testing.T) {
	stopped := false
	seq := func(yield func([]byte, error) bool) {
		for {
			if !yield([]byte("x"), nil) {
				stopped = true
				return
			}
		}
	}

	r := NewReader(seq)
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	r.Close()

	if !stopped {
		t.Error("sequence still running after Close()")
	}
	if _, err := r.Read(buf); err == nil {
		t.Error("Read() after Close() succeeded, want error")
	}
}
