package chanfs

import (
	"path"
	"strings"
)

// splitPath validates an absolute slash-separated path and returns its
// components. The root yields an empty slice.
func splitPath(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, newError(ErrRelativePath, p)
	}
	clean := path.Clean(p)
	if clean == "/" {
		return []string{}, nil
	}
	return strings.Split(clean[1:], "/"), nil
}

// joinPath rebuilds a path from its components.
func joinPath(parts []string) string {
	return "/" + strings.Join(parts, "/")
}
