package backend

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"chanfs/internal/chat"
)

// testBackendContract exercises the behavior every chat.Backend in this
// package must share.
func testBackendContract(t *testing.T, newBackend func(t *testing.T) chat.Backend) {
	ctx := context.Background()

	t.Run("text messages", func(t *testing.T) {
		b := newBackend(t)

		id, err := b.SendText(ctx, "first")
		if err != nil {
			t.Fatalf("SendText() error = %v", err)
		}
		if id <= 0 {
			t.Errorf("SendText() id = %d, want positive", id)
		}

		if _, err := b.EditMessageText(ctx, id, "edited"); err != nil {
			t.Fatalf("EditMessageText() error = %v", err)
		}

		msgs, err := b.GetMessages(ctx, []chat.MessageID{id, 9999, id})
		if err != nil {
			t.Fatalf("GetMessages() error = %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("len(GetMessages()) = %d, want 3", len(msgs))
		}
		if msgs[0] == nil || msgs[0].Text != "edited" {
			t.Errorf("msgs[0] = %+v, want text %q", msgs[0], "edited")
		}
		if msgs[1] != nil {
			t.Errorf("msgs[1] = %+v, want nil for unknown id", msgs[1])
		}
		if msgs[2] == nil || msgs[2].ID != id {
			t.Errorf("msgs[2] = %+v, want message %d", msgs[2], id)
		}
	})

	t.Run("edit missing message", func(t *testing.T) {
		b := newBackend(t)

		_, err := b.EditMessageText(ctx, 4242, "x")
		if !errors.Is(err, chat.ErrMessageNotFound) {
			t.Errorf("EditMessageText() error = %v, want ErrMessageNotFound", err)
		}
		_, err = b.EditMessageMedia(ctx, 4242, chat.UploadedFile{ID: 1, Name: "x"}, "")
		if !errors.Is(err, chat.ErrMessageNotFound) {
			t.Errorf("EditMessageMedia() error = %v, want ErrMessageNotFound", err)
		}
	})

	t.Run("file upload and download", func(t *testing.T) {
		tests := []struct {
			name    string
			content []byte
			partLen int
			big     bool
		}{
			{"empty", nil, 1024, false},
			{"single part", []byte("hello world"), 1024, false},
			{"several parts", bytes.Repeat([]byte("0123456789"), 500), 1024, false},
			{"big file parts", bytes.Repeat([]byte("abcdefgh"), 1000), 2048, true},
		}

		for i, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := newBackend(t)
				fileID := int64(100 + i)

				file := uploadParts(t, b, fileID, tt.content, tt.partLen, tt.big)
				file.Name = tt.name + ".bin"

				id, err := b.SendFile(ctx, file, "caption "+tt.name)
				if err != nil {
					t.Fatalf("SendFile() error = %v", err)
				}

				msgs, err := b.GetMessages(ctx, []chat.MessageID{id})
				if err != nil {
					t.Fatalf("GetMessages() error = %v", err)
				}
				doc := msgs[0].Document
				if doc == nil {
					t.Fatal("message has no document")
				}
				if doc.Size != int64(len(tt.content)) || doc.Name != file.Name {
					t.Errorf("Document = %+v, want size %d name %q", doc, len(tt.content), file.Name)
				}

				got, size := download(t, b, id, 1)
				if size != int64(len(tt.content)) {
					t.Errorf("DownloadFile() size = %d, want %d", size, len(tt.content))
				}
				if !bytes.Equal(got, tt.content) {
					t.Errorf("downloaded %d bytes, want %d identical bytes", len(got), len(tt.content))
				}
			})
		}
	})

	t.Run("edit media replaces document", func(t *testing.T) {
		b := newBackend(t)

		id, err := b.SendFile(ctx, uploadParts(t, b, 1, []byte("old"), 1024, false), "v1")
		if err != nil {
			t.Fatalf("SendFile() error = %v", err)
		}
		if _, err := b.EditMessageMedia(ctx, id, uploadParts(t, b, 2, []byte("newer"), 1024, false), "v2"); err != nil {
			t.Fatalf("EditMessageMedia() error = %v", err)
		}

		got, _ := download(t, b, id, 1024)
		if string(got) != "newer" {
			t.Errorf("downloaded %q, want %q", got, "newer")
		}
		msgs, _ := b.GetMessages(ctx, []chat.MessageID{id})
		if msgs[0].Text != "v2" {
			t.Errorf("caption = %q, want %q", msgs[0].Text, "v2")
		}
	})

	t.Run("oversized part rejected", func(t *testing.T) {
		b := newBackend(t)

		err := b.SaveFilePart(ctx, 1, 0, make([]byte, MaxPartSize+1))
		if !errors.Is(err, chat.ErrChunkSizeRejected) {
			t.Errorf("SaveFilePart() error = %v, want ErrChunkSizeRejected", err)
		}
	})

	t.Run("missing part fails assembly", func(t *testing.T) {
		b := newBackend(t)

		if err := b.SaveFilePart(ctx, 7, 0, []byte("a")); err != nil {
			t.Fatalf("SaveFilePart() error = %v", err)
		}
		if _, err := b.SendFile(ctx, chat.UploadedFile{ID: 7, Name: "x", Parts: 2}, ""); err == nil {
			t.Error("SendFile() with a missing part succeeded, want error")
		}
	})

	t.Run("search", func(t *testing.T) {
		b := newBackend(t)

		a, _ := b.SendText(ctx, "tag sha256:aaa")
		_, _ = b.SendText(ctx, "unrelated")
		c, _ := b.SendFile(ctx, uploadParts(t, b, 3, []byte("x"), 1024, false), "sha256:aaa")

		got, err := b.SearchMessages(ctx, "sha256:aaa")
		if err != nil {
			t.Fatalf("SearchMessages() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != a || got[1].ID != c {
			t.Errorf("SearchMessages() = %v, want messages %d and %d", ids(got), a, c)
		}
		if got[1].Document == nil {
			t.Error("search result lost its document")
		}
	})

	t.Run("pinning", func(t *testing.T) {
		b := newBackend(t)

		pinned, err := b.GetPinnedMessage(ctx)
		if err != nil || pinned != nil {
			t.Fatalf("GetPinnedMessage() = %+v, %v, want nil, nil", pinned, err)
		}

		if err := b.PinMessage(ctx, 555); !errors.Is(err, chat.ErrMessageNotFound) {
			t.Errorf("PinMessage(unknown) error = %v, want ErrMessageNotFound", err)
		}

		first, _ := b.SendText(ctx, "first")
		second, _ := b.SendText(ctx, "second")
		for _, id := range []chat.MessageID{first, second} {
			if err := b.PinMessage(ctx, id); err != nil {
				t.Fatalf("PinMessage(%d) error = %v", id, err)
			}
		}

		pinned, err = b.GetPinnedMessage(ctx)
		if err != nil {
			t.Fatalf("GetPinnedMessage() error = %v", err)
		}
		if pinned == nil || pinned.ID != second {
			t.Errorf("GetPinnedMessage() = %+v, want message %d", pinned, second)
		}
	})
}

func uploadParts(t *testing.T, b chat.Backend, fileID int64, content []byte, partLen int, big bool) chat.UploadedFile {
	t.Helper()

	total := (len(content) + partLen - 1) / partLen
	for i := 0; i < total; i++ {
		part := content[i*partLen : min((i+1)*partLen, len(content))]
		var err error
		if big {
			err = b.SaveBigFilePart(context.Background(), fileID, i, total, part)
		} else {
			err = b.SaveFilePart(context.Background(), fileID, i, part)
		}
		if err != nil {
			t.Fatalf("saving part %d: %v", i, err)
		}
	}
	return chat.UploadedFile{ID: fileID, Name: "file.bin", Parts: total, Big: big}
}

func download(t *testing.T, b chat.Backend, id chat.MessageID, chunkKB int) ([]byte, int64) {
	t.Helper()

	chunks, size, err := b.DownloadFile(context.Background(), id, chunkKB)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	var buf bytes.Buffer
	for chunk, err := range chunks {
		if err != nil {
			t.Fatalf("download chunk error = %v", err)
		}
		if len(chunk) > chunkKB*1024 {
			t.Errorf("chunk of %d bytes exceeds %d KB", len(chunk), chunkKB)
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), size
}

func ids(msgs []*chat.Message) []chat.MessageID {
	out := make([]chat.MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMemoryBackend_Contract(t *testing.T) {
	testBackendContract(t, func(t *testing.T) chat.Backend {
		return NewMemoryBackend("test")
	})
}

func TestSQLiteBackend_Contract(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			testBackendContract(t, func(t *testing.T) chat.Backend {
				b, err := NewSQLiteBackend("test", ":memory:", compress)
				if err != nil {
					t.Fatalf("NewSQLiteBackend() error = %v", err)
				}
				t.Cleanup(func() { b.Close() })
				return b
			})
		})
	}
}

func TestMemoryBackend_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("test")

	id, _ := b.SendText(ctx, "doomed")
	if err := b.PinMessage(ctx, id); err != nil {
		t.Fatalf("PinMessage() error = %v", err)
	}
	b.DeleteMessage(id)

	if b.MessageCount() != 0 {
		t.Errorf("MessageCount() = %d, want 0", b.MessageCount())
	}
	pinned, _ := b.GetPinnedMessage(ctx)
	if pinned != nil {
		t.Errorf("GetPinnedMessage() = %+v after delete, want nil", pinned)
	}
	if _, _, err := b.DownloadFile(ctx, id, 1); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Errorf("DownloadFile() error = %v, want ErrMessageNotFound", err)
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/channel.db"

	b, err := NewSQLiteBackend("test", path, true)
	if err != nil {
		t.Fatalf("NewSQLiteBackend() error = %v", err)
	}
	content := bytes.Repeat([]byte("persist "), 4096)
	id, err := b.SendFile(ctx, uploadParts(t, b, 1, content, 64*1024, false), "kept")
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	if err := b.PinMessage(ctx, id); err != nil {
		t.Fatalf("PinMessage() error = %v", err)
	}
	b.Close()

	reopened, err := NewSQLiteBackend("test", path, true)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	pinned, err := reopened.GetPinnedMessage(ctx)
	if err != nil || pinned == nil || pinned.ID != id {
		t.Fatalf("GetPinnedMessage() = %+v, %v, want message %d", pinned, err, id)
	}
	got, _ := download(t, reopened, id, 16)
	if !bytes.Equal(got, content) {
		t.Errorf("downloaded %d bytes after reopen, want %d identical bytes", len(got), len(content))
	}
}
