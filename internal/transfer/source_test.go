package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chanfs/internal/testutil"
)

func readAll(t *testing.T, src Source, n int) []byte {
	t.Helper()
	var out []byte
	for {
		chunk, err := src.Read(n)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if len(chunk) > n {
			t.Fatalf("Read(%d) returned %d bytes", n, len(chunk))
		}
		out = append(out, chunk...)
	}
}

func TestBufferSource(t *testing.T) {
	data := []byte("0123456789")
	src := NewBufferSource(data)

	if src.Size() != 10 {
		t.Errorf("Size() = %d, want 10", src.Size())
	}
	if got := readAll(t, src, 3); !bytes.Equal(got, data) {
		t.Errorf("read %q, want %q", got, data)
	}

	sum, err := src.SHA256()
	if err != nil || sum != testutil.SHA256Hex(data) {
		t.Errorf("SHA256() = %q, %v, want %q", sum, err, testutil.SHA256Hex(data))
	}
}

func TestPathSource(t *testing.T) {
	data := bytes.Repeat([]byte("path source "), 100)
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	src, err := NewPathSource(path)
	if err != nil {
		t.Fatalf("NewPathSource() error = %v", err)
	}
	defer src.Close()

	if src.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", src.Size(), len(data))
	}

	// Hashing must not move the read position.
	sum, err := src.SHA256()
	if err != nil || sum != testutil.SHA256Hex(data) {
		t.Errorf("SHA256() = %q, %v", sum, err)
	}
	if got := readAll(t, src, 7); !bytes.Equal(got, data) {
		t.Errorf("read %d bytes, want %d identical bytes", len(got), len(data))
	}
}

func TestPathSource_Errors(t *testing.T) {
	if _, err := NewPathSource(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("NewPathSource(missing) succeeded, want error")
	}
	if _, err := NewPathSource(t.TempDir()); err == nil {
		t.Error("NewPathSource(directory) succeeded, want error")
	}
}

func TestStreamSource_ReadsInOrder(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 1000)
	src := NewReaderSource(bytes.NewReader(data), int64(len(data)))
	defer src.Close()

	if got := readAll(t, src, 333); !bytes.Equal(got, data) {
		t.Errorf("read %d bytes, want %d identical bytes", len(got), len(data))
	}
}

func TestStreamSource_Backpressure(t *testing.T) {
	src := NewStreamSource(6)
	defer src.Close()

	var writes atomic.Int32
	go func() {
		for _, p := range []string{"ab", "cd", "ef"} {
			if _, err := src.Write([]byte(p)); err != nil {
				return
			}
			writes.Add(1)
		}
		src.CloseWithError(nil)
	}()

	time.Sleep(20 * time.Millisecond)
	if got := writes.Load(); got != 0 {
		t.Fatalf("producer wrote %d times with no outstanding read, want 0", got)
	}

	chunk, err := src.Read(3)
	if err != nil || string(chunk) != "abc" {
		t.Fatalf("Read(3) = %q, %v, want %q", chunk, err, "abc")
	}

	// "cd" is accepted only up to the missing byte; the rest waits for demand.
	time.Sleep(20 * time.Millisecond)
	if got := writes.Load(); got != 1 {
		t.Errorf("producer finished %d writes after one read, want 1", got)
	}

	chunk, err = src.Read(3)
	if err != nil || string(chunk) != "def" {
		t.Fatalf("Read(3) = %q, %v, want %q", chunk, err, "def")
	}
	if _, err := src.Read(3); !errors.Is(err, io.EOF) {
		t.Errorf("Read() past declared size error = %v, want io.EOF", err)
	}
}

func TestStreamSource_ShortStream(t *testing.T) {
	src := NewReaderSource(bytes.NewReader([]byte("abc")), 10)
	defer src.Close()

	if _, err := src.Read(10); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Read() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestStreamSource_ProducerError(t *testing.T) {
	src := NewStreamSource(10)
	defer src.Close()

	wantErr := errors.New("producer failed")
	src.CloseWithError(wantErr)

	if _, err := src.Read(4); !errors.Is(err, wantErr) {
		t.Errorf("Read() error = %v, want %v", err, wantErr)
	}
}

func TestStreamSource_CloseUnblocksProducer(t *testing.T) {
	src := NewStreamSource(10)

	done := make(chan error, 1)
	go func() {
		_, err := src.Write([]byte("blocked"))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	src.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSourceClosed) {
			t.Errorf("Write() error = %v, want ErrSourceClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write() still blocked after Close()")
	}
}

func TestStreamSource_LargeWriteIsMetered(t *testing.T) {
	// bytes.Reader hands the whole payload to a single Write.
	src := NewReaderSource(bytes.NewReader([]byte("abcdefghij")), 10)
	defer src.Close()

	chunk, err := src.Read(3)
	if err != nil || string(chunk) != "abc" {
		t.Fatalf("Read(3) = %q, %v, want %q", chunk, err, "abc")
	}

	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	buffered := src.buffered
	src.mu.Unlock()
	if buffered != 0 {
		t.Errorf("buffered %d bytes with no outstanding read, want 0", buffered)
	}

	if got := readAll(t, src, 4); string(got) != "defghij" {
		t.Errorf("rest = %q, want %q", got, "defghij")
	}
}

func TestStreamSource_InterruptUnblocksRead(t *testing.T) {
	src := NewStreamSource(10)
	defer src.Close()

	done := make(chan error, 1)
	go func() {
		_, err := src.Read(4)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	src.Interrupt(context.Canceled)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Read() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read() still blocked after Interrupt")
	}

	if _, err := src.Write([]byte("late")); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Write() after Interrupt error = %v, want ErrSourceClosed", err)
	}
}
