package chanfs

import (
	"errors"
	"fmt"

	"chanfs/internal/transfer"
)

// Business errors. They are user-correctable and never retried. Use
// errors.Is against these to classify an *Error.
var (
	ErrAlreadyExists     = errors.New("already exists")
	ErrPathNotFound      = errors.New("path not found")
	ErrDirectoryNotEmpty = errors.New("directory is not empty")
	ErrRelativePath      = errors.New("path must be absolute")
	ErrInvalidName       = errors.New("invalid name")
	ErrVersionNotFound   = errors.New("version not found")
	ErrNotAFile          = errors.New("not a file")
	ErrNotADirectory     = errors.New("not a directory")
	ErrIsRoot            = errors.New("operation not allowed on the root directory")
	ErrIntoItself        = errors.New("cannot copy or move a directory into itself")

	// ErrFileTooBig is shared with the transfer engine so that its sizing
	// failures classify as business errors.
	ErrFileTooBig = transfer.ErrFileTooBig
)

var businessKinds = []error{
	ErrAlreadyExists,
	ErrPathNotFound,
	ErrDirectoryNotEmpty,
	ErrRelativePath,
	ErrInvalidName,
	ErrVersionNotFound,
	ErrNotAFile,
	ErrNotADirectory,
	ErrIsRoot,
	ErrIntoItself,
	ErrFileTooBig,
}

// Error is a business error tied to a path.
type Error struct {
	Kind error
	Path string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, path string) *Error {
	return &Error{Kind: kind, Path: path}
}

// IsBusinessError reports whether err is a user-correctable failure.
func IsBusinessError(err error) bool {
	for _, kind := range businessKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
