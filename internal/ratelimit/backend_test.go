package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"chanfs/internal/backend"
	"chanfs/internal/chat"
)

func TestLimitedBackend_PassesCallsThrough(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher(time.Millisecond)
	defer d.Close()

	mem := backend.NewMemoryBackend("test")
	b := NewLimitedBackend(mem, d)

	content := bytes.Repeat([]byte("q"), 3000)
	for i := 0; i*1024 < len(content); i++ {
		part := content[i*1024 : min((i+1)*1024, len(content))]
		if err := b.SaveFilePart(ctx, 1, i, part); err != nil {
			t.Fatalf("SaveFilePart() error = %v", err)
		}
	}
	id, err := b.SendFile(ctx, chat.UploadedFile{ID: 1, Name: "q", Parts: 3}, "cap")
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	if err := b.PinMessage(ctx, id); err != nil {
		t.Fatalf("PinMessage() error = %v", err)
	}

	pinned, err := b.GetPinnedMessage(ctx)
	if err != nil || pinned == nil || pinned.ID != id {
		t.Fatalf("GetPinnedMessage() = %+v, %v", pinned, err)
	}

	chunks, size, err := b.DownloadFile(ctx, id, 1)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	var got []byte
	for chunk, err := range chunks {
		if err != nil {
			t.Fatalf("chunk error = %v", err)
		}
		got = append(got, chunk...)
	}
	if size != int64(len(content)) || !bytes.Equal(got, content) {
		t.Errorf("downloaded %d of %d bytes", len(got), size)
	}
}

func TestLimitedBackend_ClosedDispatcher(t *testing.T) {
	d := NewDispatcher(time.Millisecond)
	d.Close()

	b := NewLimitedBackend(backend.NewMemoryBackend("test"), d)
	if _, err := b.SendText(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText() error = %v, want ErrClosed", err)
	}
}

// floodingBackend fails SendText with a flood wait a fixed number of times.
type floodingBackend struct {
	chat.Backend
	floods int32
	calls  atomic.Int32
}

func (f *floodingBackend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	if f.calls.Add(1) <= f.floods {
		return 0, &chat.FloodWaitError{Wait: time.Millisecond}
	}
	return f.Backend.SendText(ctx, text)
}

func TestFloodWaitRetry(t *testing.T) {
	tests := []struct {
		name        string
		floods      int32
		maxAttempts int
		wantErr     bool
		wantCalls   int32
	}{
		{"no flood", 0, 3, false, 1},
		{"recovers after floods", 2, 3, false, 3},
		{"gives up", 5, 3, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &floodingBackend{Backend: backend.NewMemoryBackend("test"), floods: tt.floods}
			b := NewFloodWaitRetry(inner, tt.maxAttempts, chat.NewNopLogger())

			_, err := b.SendText(context.Background(), "hi")
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !chat.IsFloodWait(err) {
				t.Errorf("SendText() error = %v, want flood wait", err)
			}
			if got := inner.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestFloodWaitRetry_OtherErrorsNotRetried(t *testing.T) {
	b := NewFloodWaitRetry(backend.NewMemoryBackend("test"), 5, chat.NewNopLogger())

	_, err := b.EditMessageText(context.Background(), 99, "x")
	if !errors.Is(err, chat.ErrMessageNotFound) {
		t.Errorf("EditMessageText() error = %v, want ErrMessageNotFound", err)
	}
}
