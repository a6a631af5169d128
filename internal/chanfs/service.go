// Package chanfs exposes a hierarchical filesystem stored in a chat channel.
//
// The directory tree lives in the attachment of the pinned message. Each
// file is a descriptor message listing its versions, and each version
// points at a payload message carrying the content.
package chanfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chanfs/internal/chat"
	"chanfs/internal/transfer"
	"chanfs/internal/tree"
)

// Options holds the optional collaborators of a Service.
type Options struct {
	// Getter fetches descriptor and payload messages. Pass a broker to
	// coalesce lookups; the backend is used when nil.
	Getter MessageGetter
	Logger chat.Logger
	Clock  Clock
	IDs    IDGenerator
}

// Service implements the filesystem operations. Operations are serialized;
// payload transfers run outside the lock.
type Service struct {
	backend chat.Backend
	engine  *transfer.Engine
	logger  chat.Logger
	clock   Clock
	ids     IDGenerator

	desc  *descriptorStore
	dedup *dedupIndex
	meta  *metadataStore

	mu   sync.Mutex
	tree *tree.Tree
}

// Open loads the tree pinned in the channel behind backend, creating and
// pinning an empty one on first use.
func Open(ctx context.Context, backend chat.Backend, engine *transfer.Engine, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = chat.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	if opts.Getter == nil {
		opts.Getter = backend
	}

	s := &Service{
		backend: backend,
		engine:  engine,
		logger:  opts.Logger,
		clock:   opts.Clock,
		ids:     opts.IDs,
		desc:    &descriptorStore{backend: backend, getter: opts.Getter, logger: opts.Logger},
		dedup:   &dedupIndex{backend: backend},
		meta:    &metadataStore{backend: backend, engine: engine, logger: opts.Logger},
	}

	t, err := s.meta.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if t == nil {
		s.logger.Info("no metadata pinned, initializing an empty tree")
		t = tree.New()
		if err := s.meta.persist(ctx, t); err != nil {
			return nil, fmt.Errorf("initializing metadata: %w", err)
		}
	}
	s.tree = t
	return s, nil
}

// Entry is one item of a directory listing.
type Entry struct {
	Name  string
	IsDir bool

	// Set for files only.
	MessageID chat.MessageID
	Size      int64
	UpdatedAt time.Time
}

// Listing is the result of List: the entries of a directory, or the
// descriptor of a file.
type Listing struct {
	Path    string
	Entries []Entry
	File    *File
}

// IsDir reports whether the listed path is a directory.
func (l *Listing) IsDir() bool { return l.File == nil }

// List returns the entries of the directory at p, subdirectories first, or
// the descriptor of the file at p.
func (s *Service) List(ctx context.Context, p string) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tg, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	switch {
	case tg.isFile:
		f, err := s.descriptor(ctx, tg.parent, tg.file)
		if err != nil {
			return nil, err
		}
		return &Listing{Path: tg.path, File: f}, nil
	case !tg.isDir:
		return nil, newError(ErrPathNotFound, tg.path)
	}

	listing := &Listing{Path: tg.path, Entries: []Entry{}}
	for _, c := range s.tree.Children(tg.dir) {
		listing.Entries = append(listing.Entries, Entry{Name: s.tree.Name(c), IsDir: true})
	}

	refs := s.tree.Files(tg.dir)
	files, err := s.descriptors(ctx, tg.dir, refs)
	if err != nil {
		return nil, err
	}
	for i, ref := range refs {
		latest := files[i].Latest()
		listing.Entries = append(listing.Entries, Entry{
			Name:      ref.Name,
			MessageID: s.currentRef(tg.dir, ref.Name).MessageID,
			Size:      latest.Size,
			UpdatedAt: latest.UpdatedAt,
		})
	}
	return listing, nil
}

// Versions returns the descriptor of the file at p with its versions
// ordered oldest to newest.
func (s *Service) Versions(ctx context.Context, p string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ref, err := s.resolveFile(p)
	if err != nil {
		return nil, err
	}
	f, err := s.descriptor(ctx, parent, ref)
	if err != nil {
		return nil, err
	}
	f.Versions = f.History()
	return f, nil
}

// Download streams the payload of v. Empty versions yield no chunks.
func (s *Service) Download(ctx context.Context, v *FileVersion) (chat.Chunks, int64, error) {
	if v.IsEmpty() {
		return func(func([]byte, error) bool) {}, 0, nil
	}
	return s.engine.Download(ctx, v.MessageID)
}

// DownloadPath streams a version of the file at p, the latest when
// versionID is empty.
func (s *Service) DownloadPath(ctx context.Context, p, versionID string) (chat.Chunks, *FileVersion, error) {
	s.mu.Lock()
	parent, ref, err := s.resolveFile(p)
	var f *File
	if err == nil {
		f, err = s.descriptor(ctx, parent, ref)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	v := f.Latest()
	if versionID != "" {
		if v = f.Version(versionID); v == nil {
			return nil, nil, newError(ErrVersionNotFound, p+"@"+versionID)
		}
	}
	chunks, _, err := s.Download(ctx, v)
	if err != nil {
		return nil, nil, fmt.Errorf("downloading %s: %w", p, err)
	}
	return chunks, v, nil
}

// descriptor loads the descriptor of parent/ref, recreating it when its
// message is gone. Callers hold s.mu.
func (s *Service) descriptor(ctx context.Context, parent tree.NodeID, ref tree.FileRef) (*File, error) {
	f, err := s.desc.load(ctx, ref.MessageID)
	if errors.Is(err, chat.ErrMessageNotFound) {
		return s.heal(ctx, parent, ref)
	}
	return f, err
}

// descriptors loads the descriptors of refs concurrently so their lookups
// share broker batches. Callers hold s.mu.
func (s *Service) descriptors(ctx context.Context, parent tree.NodeID, refs []tree.FileRef) ([]*File, error) {
	files := make([]*File, len(refs))
	errs := make([]error, len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			files[i], errs[i] = s.desc.load(ctx, ref.MessageID)
		}()
	}
	wg.Wait()

	// Healing mutates the tree, so it runs one ref at a time.
	for i, err := range errs {
		if errors.Is(err, chat.ErrMessageNotFound) {
			files[i], err = s.heal(ctx, parent, refs[i])
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", refs[i].Name, err)
		}
	}
	return files, nil
}

// heal replaces a vanished descriptor with a fresh one holding a single
// empty version and repoints the ref at it. Callers hold s.mu.
func (s *Service) heal(ctx context.Context, parent tree.NodeID, ref tree.FileRef) (*File, error) {
	s.logger.Warn("descriptor message is gone, recreating it",
		"path", s.filePath(parent, ref.Name), "message_id", ref.MessageID)

	f := newFile(ref.Name, s.emptyVersion())
	id, err := s.desc.create(ctx, f)
	if err != nil {
		return nil, err
	}

	snapshot := s.tree.Serialize()
	if err := s.tree.SetFileMessage(parent, ref.Name, id); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, snapshot); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) emptyVersion() *FileVersion {
	return &FileVersion{ID: s.ids.New(), UpdatedAt: s.clock.Now(), MessageID: EmptyMessageID, Size: 0}
}

// commit persists the tree. When that fails the tree is restored to
// snapshot and the mutation is reported as failed. Callers hold s.mu.
func (s *Service) commit(ctx context.Context, snapshot tree.Document) error {
	if err := s.meta.persist(ctx, s.tree); err != nil {
		s.tree = tree.Deserialize(snapshot)
		return fmt.Errorf("persisting metadata: %w", err)
	}
	return nil
}

// currentRef returns the ref parent/name as the tree holds it now.
func (s *Service) currentRef(parent tree.NodeID, name string) tree.FileRef {
	ref, _ := s.tree.File(parent, name)
	return ref
}

func (s *Service) filePath(parent tree.NodeID, name string) string {
	dir := s.tree.Path(parent)
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// refCount counts the refs pointing at descriptor id.
func (s *Service) refCount(id chat.MessageID) int {
	n := 0
	s.tree.Walk(s.tree.Root(), func(dir tree.NodeID) {
		for _, f := range s.tree.Files(dir) {
			if f.MessageID == id {
				n++
			}
		}
	})
	return n
}
