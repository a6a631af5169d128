package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFileTooBig is returned when the backend refuses the part size, or when
// a payload exceeds what the selected identity may upload.
var ErrFileTooBig = errors.New("file too big")

// ErrConsumed is yielded when a download sequence is ranged over twice.
var ErrConsumed = errors.New("download already consumed")

// AggregatedError carries every error recorded by the upload workers.
type AggregatedError struct {
	Errs []error
}

func (e *AggregatedError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("upload failed with %d worker error(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *AggregatedError) Unwrap() []error {
	return e.Errs
}
