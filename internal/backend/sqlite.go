package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"chanfs/internal/backend/migrations"
	"chanfs/internal/chat"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteBackend implements chat.Backend on a local SQLite file. The database
// plays the role of the channel: every message, document and pending upload
// part is a row.
type SQLiteBackend struct {
	name        string
	path        string
	compress    bool
	lightweight bool

	db *sql.DB

	// parts of one upload may arrive concurrently; assembling must not
	// interleave with them.
	mu sync.Mutex
}

// NewSQLiteBackend opens (creating if needed) the channel database at path
// and migrates it to the latest schema. path can be ":memory:".
func NewSQLiteBackend(name, path string, compress bool) (*SQLiteBackend, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.CheckStatus(db); err != nil {
		if !errors.Is(err, migrations.ErrNoSchemaVersion) {
			db.Close()
			return nil, err
		}
		if err := migrations.MigrateUp(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteBackend{
		name:     name,
		path:     path,
		compress: compress,
		db:       db,
	}, nil
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection so that ":memory:" databases are
// shared by every query.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// SetLightweight marks the backend as a lightweight identity.
func (s *SQLiteBackend) SetLightweight(lightweight bool) {
	s.lightweight = lightweight
}

func (s *SQLiteBackend) Lightweight() bool {
	return s.lightweight
}

// Close closes the underlying database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) SendText(ctx context.Context, text string) (chat.MessageID, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (text, created_at) VALUES (?, ?)", text, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sending text: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sending text: %w", err)
	}
	return chat.MessageID(id), nil
}

func (s *SQLiteBackend) EditMessageText(ctx context.Context, id chat.MessageID, text string) (chat.MessageID, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET text = ? WHERE id = ?", text, id)
	if err != nil {
		return 0, fmt.Errorf("editing message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("editing message %d: %w", id, chat.ErrMessageNotFound)
	}
	return id, nil
}

func (s *SQLiteBackend) SendFile(ctx context.Context, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sending file: %w", err)
	}
	defer tx.Rollback()

	docID, err := s.assemble(ctx, tx, file)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages (text, document_id, created_at) VALUES (?, ?, ?)",
		caption, docID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sending file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sending file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sending file: %w", err)
	}
	return chat.MessageID(id), nil
}

func (s *SQLiteBackend) EditMessageMedia(ctx context.Context, id chat.MessageID, file chat.UploadedFile, caption string) (chat.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("editing media of message %d: %w", id, chat.ErrMessageNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, err)
	}

	docID, err := s.assemble(ctx, tx, file)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET text = ?, document_id = ? WHERE id = ?", caption, docID, id); err != nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("editing media of message %d: %w", id, err)
	}
	return id, nil
}

// assemble concatenates the saved parts of an upload into a documents row
// and removes the parts.
func (s *SQLiteBackend) assemble(ctx context.Context, tx *sql.Tx, file chat.UploadedFile) (int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT part_index, total_parts, data FROM file_parts WHERE file_id = ? ORDER BY part_index", file.ID)
	if err != nil {
		return 0, fmt.Errorf("reading parts of upload %d: %w", file.ID, err)
	}
	defer rows.Close()

	var content []byte
	next := 0
	for rows.Next() {
		var (
			index int
			total sql.NullInt64
			data  []byte
		)
		if err := rows.Scan(&index, &total, &data); err != nil {
			return 0, fmt.Errorf("reading parts of upload %d: %w", file.ID, err)
		}
		if index >= file.Parts {
			break
		}
		if index != next {
			return 0, fmt.Errorf("upload %d: part %d missing", file.ID, next)
		}
		if file.Big && total.Valid && int(total.Int64) != file.Parts {
			return 0, fmt.Errorf("upload %d declared %d parts, finalized with %d", file.ID, total.Int64, file.Parts)
		}
		content = append(content, data...)
		next++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading parts of upload %d: %w", file.ID, err)
	}
	if next != file.Parts {
		return 0, fmt.Errorf("upload %d: part %d missing", file.ID, next)
	}

	stored, compressed := content, false
	if s.compress {
		stored, compressed = compressDocument(content)
	}
	if stored == nil {
		stored = []byte{}
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO documents (name, size, compressed, content) VALUES (?, ?, ?, ?)",
		file.Name, len(content), compressed, stored)
	if err != nil {
		return 0, fmt.Errorf("storing document for upload %d: %w", file.ID, err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storing document for upload %d: %w", file.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM file_parts WHERE file_id = ?", file.ID); err != nil {
		return 0, fmt.Errorf("clearing parts of upload %d: %w", file.ID, err)
	}
	return docID, nil
}

const selectMessage = `
SELECT m.id, m.text, d.id, d.name, d.size
FROM messages m LEFT JOIN documents d ON d.id = m.document_id`

func scanMessage(row interface{ Scan(...any) error }) (*chat.Message, error) {
	var (
		msg     chat.Message
		docID   sql.NullInt64
		docName sql.NullString
		docSize sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.Text, &docID, &docName, &docSize); err != nil {
		return nil, err
	}
	if docID.Valid {
		msg.Document = &chat.Document{ID: docID.Int64, Name: docName.String, Size: docSize.Int64}
	}
	return &msg, nil
}

func (s *SQLiteBackend) GetMessages(ctx context.Context, ids []chat.MessageID) ([]*chat.Message, error) {
	result := make([]*chat.Message, len(ids))
	for i, id := range ids {
		msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage+" WHERE m.id = ?", id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting message %d: %w", id, err)
		}
		result[i] = msg
	}
	return result, nil
}

func (s *SQLiteBackend) SearchMessages(ctx context.Context, query string) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessage+" WHERE instr(m.text, ?) > 0 ORDER BY m.id", query)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var result []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("searching messages: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return result, nil
}

func (s *SQLiteBackend) GetPinnedMessage(ctx context.Context) (*chat.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		selectMessage+" JOIN pinned_message p ON p.message_id = m.id WHERE p.slot = 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pinned message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteBackend) PinMessage(ctx context.Context, id chat.MessageID) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pinning message %d: %w", id, chat.ErrMessageNotFound)
	}
	if err != nil {
		return fmt.Errorf("pinning message %d: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pinned_message (slot, message_id) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET message_id = excluded.message_id`, id)
	if err != nil {
		return fmt.Errorf("pinning message %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteBackend) SaveFilePart(ctx context.Context, fileID int64, partIndex int, data []byte) error {
	return s.savePart(ctx, fileID, partIndex, sql.NullInt64{}, data)
}

func (s *SQLiteBackend) SaveBigFilePart(ctx context.Context, fileID int64, partIndex int, totalParts int, data []byte) error {
	if partIndex >= totalParts {
		return fmt.Errorf("part %d out of range for %d parts", partIndex, totalParts)
	}
	return s.savePart(ctx, fileID, partIndex, sql.NullInt64{Int64: int64(totalParts), Valid: true}, data)
}

func (s *SQLiteBackend) savePart(ctx context.Context, fileID int64, partIndex int, total sql.NullInt64, data []byte) error {
	if len(data) > MaxPartSize {
		return fmt.Errorf("part %d is %d bytes: %w", partIndex, len(data), chat.ErrChunkSizeRejected)
	}
	if data == nil {
		data = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_parts (file_id, part_index, total_parts, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, part_index) DO UPDATE SET data = excluded.data, total_parts = excluded.total_parts`,
		fileID, partIndex, total, data)
	if err != nil {
		return fmt.Errorf("saving part %d of upload %d: %w", partIndex, fileID, err)
	}
	return nil
}

func (s *SQLiteBackend) DownloadFile(ctx context.Context, id chat.MessageID, chunkSizeKB int) (chat.Chunks, int64, error) {
	var (
		docID      sql.NullInt64
		size       sql.NullInt64
		compressed sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.size, d.compressed
		FROM messages m LEFT JOIN documents d ON d.id = m.document_id
		WHERE m.id = ?`, id).Scan(&docID, &size, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("downloading message %d: %w", id, chat.ErrMessageNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("downloading message %d: %w", id, err)
	}
	if !docID.Valid {
		return nil, 0, fmt.Errorf("message %d has no document", id)
	}

	if compressed.Bool {
		var stored []byte
		if err := s.db.QueryRowContext(ctx,
			"SELECT content FROM documents WHERE id = ?", docID.Int64).Scan(&stored); err != nil {
			return nil, 0, fmt.Errorf("downloading message %d: %w", id, err)
		}
		content, err := decompressDocument(stored, size.Int64)
		if err != nil {
			return nil, 0, fmt.Errorf("downloading message %d: %w", id, err)
		}
		return sliceChunks(ctx, content, chunkSizeKB), size.Int64, nil
	}

	return s.rangeChunks(ctx, docID.Int64, size.Int64, chunkSizeKB), size.Int64, nil
}

// rangeChunks reads an uncompressed document one chunk per query.
func (s *SQLiteBackend) rangeChunks(ctx context.Context, docID, size int64, chunkSizeKB int) chat.Chunks {
	chunkSize := int64(chunkSizeKB) * 1024
	if chunkSize <= 0 {
		chunkSize = max(size, 1)
	}
	return func(yield func([]byte, error) bool) {
		for offset := int64(0); offset < size; offset += chunkSize {
			var chunk []byte
			// substr on a blob is 1-indexed and counts bytes.
			err := s.db.QueryRowContext(ctx,
				"SELECT substr(content, ?, ?) FROM documents WHERE id = ?",
				offset+1, chunkSize, docID).Scan(&chunk)
			if err != nil {
				yield(nil, fmt.Errorf("reading document %d at %d: %w", docID, offset, err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Compile-time check that SQLiteBackend implements chat.Backend interface
var _ chat.Backend = (*SQLiteBackend)(nil)
