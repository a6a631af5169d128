// Package fs walks local directories for bulk uploads.
package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalFile is a regular file found under an upload root.
type LocalFile struct {
	Path string // absolute local path
	Rel  string // slash-separated path relative to the root
	Size int64
}

// Tree is the result of walking an upload root: every directory (root
// excluded) and every regular file that is not ignored, parents before
// children.
type Tree struct {
	Root  string
	Dirs  []string // slash-separated, relative to Root
	Files []LocalFile
}

// Walk collects the directories and regular files under root. Ignored
// directories are skipped with their contents. Symlinks, devices, pipes
// and sockets are skipped.
func Walk(root string, ignore *IgnoreMatcher) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", abs)
	}
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}

	t := &Tree{Root: abs}
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == abs {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		if ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			t.Dirs = append(t.Dirs, filepath.ToSlash(rel))
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			t.Files = append(t.Files, LocalFile{Path: p, Rel: filepath.ToSlash(rel), Size: fi.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return t, nil
}

// TotalSize sums the sizes of the files in t.
func (t *Tree) TotalSize() int64 {
	var n int64
	for _, f := range t.Files {
		n += f.Size
	}
	return n
}
