package chanfs

import (
	"errors"

	"chanfs/internal/tree"
)

// target is a resolved path. The directory holding the last component
// must exist; the last component itself may not.
type target struct {
	path   string
	parent tree.NodeID // tree.NoNode for the root
	name   string

	isDir bool
	dir   tree.NodeID

	isFile bool
	file   tree.FileRef
}

func (tg *target) exists() bool { return tg.isDir || tg.isFile }

func (tg *target) isRoot() bool { return tg.parent == tree.NoNode }

// resolve walks p down the tree. Callers hold s.mu.
func (s *Service) resolve(p string) (*target, error) {
	parts, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	tg := &target{path: joinPath(parts)}
	if len(parts) == 0 {
		tg.parent = tree.NoNode
		tg.isDir = true
		tg.dir = s.tree.Root()
		return tg, nil
	}

	cur := s.tree.Root()
	for i, name := range parts[:len(parts)-1] {
		child, ok := s.tree.Child(cur, name)
		if !ok {
			if _, isFile := s.tree.File(cur, name); isFile {
				return nil, newError(ErrNotADirectory, joinPath(parts[:i+1]))
			}
			return nil, newError(ErrPathNotFound, tg.path)
		}
		cur = child
	}

	tg.parent = cur
	tg.name = parts[len(parts)-1]
	if dir, ok := s.tree.Child(cur, tg.name); ok {
		tg.isDir = true
		tg.dir = dir
	} else if ref, ok := s.tree.File(cur, tg.name); ok {
		tg.isFile = true
		tg.file = ref
	}
	return tg, nil
}

// resolveFile resolves p and requires it to be an existing file.
func (s *Service) resolveFile(p string) (tree.NodeID, tree.FileRef, error) {
	tg, err := s.resolve(p)
	if err != nil {
		return tree.NoNode, tree.FileRef{}, err
	}
	switch {
	case tg.isDir:
		return tree.NoNode, tree.FileRef{}, newError(ErrNotAFile, tg.path)
	case !tg.isFile:
		return tree.NoNode, tree.FileRef{}, newError(ErrPathNotFound, tg.path)
	}
	return tg.parent, tg.file, nil
}

// treeError turns a tree mutation failure into a business error for path.
func treeError(err error, path string) error {
	switch {
	case errors.Is(err, tree.ErrNameExists):
		return newError(ErrAlreadyExists, path)
	case errors.Is(err, tree.ErrInvalidName):
		return newError(ErrInvalidName, path)
	case errors.Is(err, tree.ErrIntoSelf):
		return newError(ErrIntoItself, path)
	case errors.Is(err, tree.ErrRootImmutable):
		return newError(ErrIsRoot, path)
	case errors.Is(err, tree.ErrNotFound):
		return newError(ErrPathNotFound, path)
	}
	return err
}
