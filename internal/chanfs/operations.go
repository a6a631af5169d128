package chanfs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chanfs/internal/chat"
	"chanfs/internal/transfer"
	"chanfs/internal/tree"
)

// CreateDirectory creates the directory at p. With parents set, missing
// intermediate directories are created and an existing directory at p is
// not an error.
func (s *Service) CreateDirectory(ctx context.Context, p string, parents bool) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(parts) == 0 {
		if parents {
			return nil
		}
		return newError(ErrAlreadyExists, "/")
	}

	snapshot := s.tree.Serialize()
	created := 0
	cur := s.tree.Root()
	for i, name := range parts {
		here := joinPath(parts[:i+1])
		last := i == len(parts)-1

		if child, ok := s.tree.Child(cur, name); ok {
			if last && !parents {
				return newError(ErrAlreadyExists, here)
			}
			cur = child
			continue
		}
		if _, ok := s.tree.File(cur, name); ok {
			if last {
				return s.abort(snapshot, created, newError(ErrAlreadyExists, here))
			}
			return s.abort(snapshot, created, newError(ErrNotADirectory, here))
		}
		if !last && !parents {
			return newError(ErrPathNotFound, joinPath(parts[:i+1]))
		}

		child, err := s.tree.AddDirectory(cur, name)
		if err != nil {
			return s.abort(snapshot, created, treeError(err, here))
		}
		created++
		cur = child
	}

	if created == 0 {
		return nil
	}
	if err := s.commit(ctx, snapshot); err != nil {
		return err
	}
	s.logger.Debug("directory created", "path", joinPath(parts), "created", created)
	return nil
}

// abort undoes uncommitted tree changes and returns err.
func (s *Service) abort(snapshot tree.Document, changes int, err error) error {
	if changes > 0 {
		s.tree = tree.Deserialize(snapshot)
	}
	return err
}

// RemoveDirectory removes the directory at p. A directory with children or
// files is refused unless recursive is set, in which case its whole subtree
// goes with it.
func (s *Service) RemoveDirectory(ctx context.Context, p string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tg, err := s.resolve(p)
	if err != nil {
		return err
	}
	switch {
	case tg.isFile:
		return newError(ErrNotADirectory, tg.path)
	case !tg.isDir:
		return newError(ErrPathNotFound, tg.path)
	case tg.isRoot():
		return newError(ErrIsRoot, tg.path)
	case !recursive && !s.tree.IsEmpty(tg.dir):
		return newError(ErrDirectoryNotEmpty, tg.path)
	}

	snapshot := s.tree.Serialize()
	if err := s.tree.RemoveDirectory(tg.dir); err != nil {
		return treeError(err, tg.path)
	}
	if err := s.commit(ctx, snapshot); err != nil {
		return err
	}
	s.logger.Debug("directory removed", "path", tg.path, "recursive", recursive)
	return nil
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	// VersionID, when set, names an existing version whose payload is
	// replaced in place. Otherwise a new version is appended.
	VersionID string

	Progress func(sent, total int64)
}

// Upload stores src at p and returns the updated descriptor. The parent
// directory must exist. Finite sources are deduplicated by content hash.
func (s *Service) Upload(ctx context.Context, p string, src transfer.Source, opts UploadOptions) (*File, error) {
	// Validate before spending time on the payload.
	s.mu.Lock()
	tg, err := s.uploadTarget(p, opts.VersionID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	payload, size, err := s.storePayload(ctx, tg, src, opts.Progress)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The tree may have changed while the payload was in flight.
	tg, err = s.uploadTarget(p, opts.VersionID)
	if err != nil {
		return nil, err
	}

	version := &FileVersion{MessageID: payload, Size: size}
	if !tg.isFile {
		return s.createFile(ctx, tg, version)
	}
	return s.updateFile(ctx, tg, version, opts.VersionID)
}

// UploadStream stores size bytes read from r at p. Streams are never
// deduplicated.
func (s *Service) UploadStream(ctx context.Context, p string, r io.Reader, size int64, opts UploadOptions) (*File, error) {
	src := transfer.NewReaderSource(r, size)
	defer src.Close()
	return s.Upload(ctx, p, src, opts)
}

func (s *Service) uploadTarget(p, versionID string) (*target, error) {
	tg, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	switch {
	case tg.isRoot(), tg.isDir:
		return nil, newError(ErrNotAFile, tg.path)
	case !tg.isFile && versionID != "":
		return nil, newError(ErrVersionNotFound, tg.path+"@"+versionID)
	}
	if err := tree.ValidateName(tg.name); err != nil {
		return nil, newError(ErrInvalidName, tg.path)
	}
	return tg, nil
}

// storePayload uploads src unless an identical payload is already in the
// channel, and returns the payload message and its size.
func (s *Service) storePayload(ctx context.Context, tg *target, src transfer.Source, progress func(int64, int64)) (chat.MessageID, int64, error) {
	if src.Size() == 0 {
		return EmptyMessageID, 0, nil
	}

	var caption string
	if h, ok := src.(transfer.Hashable); ok {
		sum, err := h.SHA256()
		if err != nil {
			return 0, 0, fmt.Errorf("hashing %s: %w", tg.path, err)
		}
		caption = hashCaption(sum)

		msg, err := s.dedup.find(ctx, sum)
		if err != nil {
			s.logger.Warn("dedup lookup failed, uploading", "path", tg.path, "error", err)
		} else if msg != nil {
			s.logger.Debug("reusing identical payload", "path", tg.path, "message_id", msg.ID, "size", msg.Document.Size)
			if progress != nil {
				progress(msg.Document.Size, msg.Document.Size)
			}
			return msg.ID, msg.Document.Size, nil
		}
	}

	res, err := s.engine.Upload(ctx, transfer.Request{
		Source:   src,
		Name:     tg.name,
		Caption:  caption,
		Progress: progress,
	})
	if errors.Is(err, transfer.ErrFileTooBig) {
		return 0, 0, &Error{Kind: err, Path: tg.path}
	}
	if err != nil {
		return 0, 0, fmt.Errorf("uploading %s: %w", tg.path, err)
	}
	return res.MessageID, res.Size, nil
}

func (s *Service) createFile(ctx context.Context, tg *target, version *FileVersion) (*File, error) {
	version.ID = s.ids.New()
	version.UpdatedAt = s.clock.Now()
	f := newFile(tg.name, version)
	id, err := s.desc.create(ctx, f)
	if err != nil {
		return nil, err
	}

	snapshot := s.tree.Serialize()
	if err := s.tree.AddFile(tg.parent, tree.FileRef{Name: tg.name, MessageID: id}); err != nil {
		return nil, treeError(err, tg.path)
	}
	if err := s.commit(ctx, snapshot); err != nil {
		return nil, err
	}
	s.logger.Debug("file created", "path", tg.path, "descriptor", id)
	return f, nil
}

func (s *Service) updateFile(ctx context.Context, tg *target, version *FileVersion, versionID string) (*File, error) {
	f, err := s.descriptor(ctx, tg.parent, tg.file)
	if err != nil {
		return nil, err
	}

	// Stamped after the load so the version is newer than any placeholder
	// a heal just created.
	version.UpdatedAt = s.clock.Now()
	if versionID == "" {
		version.ID = s.ids.New()
		f.addVersion(version)
	} else {
		existing := f.Version(versionID)
		if existing == nil {
			return nil, newError(ErrVersionNotFound, tg.path+"@"+versionID)
		}
		existing.MessageID = version.MessageID
		existing.Size = version.Size
		existing.UpdatedAt = version.UpdatedAt
		f.refresh()
	}

	if err := s.writeDescriptor(ctx, tg.parent, tg.name, f); err != nil {
		return nil, err
	}
	return f, nil
}

// writeDescriptor stores f for the ref parent/name. A descriptor shared
// with other refs is forked onto a new message so they keep their view;
// a vanished one is recreated. The ref is repointed and the tree committed
// when the descriptor moves. Callers hold s.mu.
func (s *Service) writeDescriptor(ctx context.Context, parent tree.NodeID, name string, f *File) error {
	ref := s.currentRef(parent, name)

	var id chat.MessageID
	var err error
	if s.refCount(ref.MessageID) > 1 {
		s.logger.Debug("forking shared descriptor", "path", s.filePath(parent, name), "from", ref.MessageID)
		id, err = s.desc.create(ctx, f)
	} else {
		id, err = s.desc.save(ctx, ref.MessageID, f)
	}
	if err != nil {
		return err
	}
	if id == ref.MessageID {
		return nil
	}

	snapshot := s.tree.Serialize()
	if err := s.tree.SetFileMessage(parent, name, id); err != nil {
		return treeError(err, s.filePath(parent, name))
	}
	return s.commit(ctx, snapshot)
}

// Copy places a copy of the file or directory at src at dst. When dst is
// an existing directory the copy goes inside it under the source name.
// Copied refs share descriptors with the originals.
func (s *Service) Copy(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.tree.Serialize()
	if _, err := s.copyLocked(src, dst); err != nil {
		return err
	}
	return s.commit(ctx, snapshot)
}

// Move copies src to dst and then removes src, as one commit.
func (s *Service) Move(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.tree.Serialize()
	from, err := s.copyLocked(src, dst)
	if err != nil {
		return err
	}

	if from.isFile {
		err = s.tree.RemoveFile(from.parent, from.name)
	} else {
		err = s.tree.RemoveDirectory(from.dir)
	}
	if err != nil {
		s.tree = tree.Deserialize(snapshot)
		return treeError(err, from.path)
	}
	return s.commit(ctx, snapshot)
}

// copyLocked performs the tree side of a copy and returns the resolved
// source. On error the tree is unchanged.
func (s *Service) copyLocked(src, dst string) (*target, error) {
	from, err := s.resolve(src)
	if err != nil {
		return nil, err
	}
	switch {
	case !from.exists():
		return nil, newError(ErrPathNotFound, from.path)
	case from.isRoot():
		return nil, newError(ErrIsRoot, from.path)
	}

	to, err := s.resolve(dst)
	if err != nil {
		return nil, err
	}
	parent, name, path := to.parent, to.name, to.path
	switch {
	case to.isDir:
		parent, name = to.dir, from.name
		path = s.filePath(to.dir, from.name)
	case to.isFile:
		return nil, newError(ErrAlreadyExists, to.path)
	}

	if from.isFile {
		err = s.tree.AddFile(parent, tree.FileRef{Name: name, MessageID: from.file.MessageID})
	} else {
		_, err = s.tree.CopyDirectory(from.dir, parent, name)
	}
	if err != nil {
		return nil, treeError(err, path)
	}
	s.logger.Debug("copied", "from", from.path, "to", path)
	return from, nil
}

// Remove deletes the file at p or, when versionID is set, one of its
// versions. Removing the last version removes the file.
func (s *Service) Remove(ctx context.Context, p, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ref, err := s.resolveFile(p)
	if err != nil {
		return err
	}

	if versionID != "" {
		f, err := s.descriptor(ctx, parent, ref)
		if err != nil {
			return err
		}
		if !f.removeVersion(versionID) {
			return newError(ErrVersionNotFound, p+"@"+versionID)
		}
		if len(f.Versions) > 0 {
			return s.writeDescriptor(ctx, parent, ref.Name, f)
		}
	}

	snapshot := s.tree.Serialize()
	if err := s.tree.RemoveFile(parent, ref.Name); err != nil {
		return treeError(err, p)
	}
	if err := s.commit(ctx, snapshot); err != nil {
		return err
	}
	s.logger.Debug("file removed", "path", p)
	return nil
}
