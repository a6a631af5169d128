package chat

import (
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound is returned when an edit or download targets a message
// that no longer exists in the channel.
var ErrMessageNotFound = errors.New("message not found")

// ErrChunkSizeRejected is returned by SaveFilePart/SaveBigFilePart when the
// provider refuses the part size. It is never retried.
var ErrChunkSizeRejected = errors.New("chunk size rejected")

// FloodWaitError is returned when the provider asks the caller to slow down.
// Callers can use errors.As to recover the requested wait:
//
//	var flood *FloodWaitError
//	if errors.As(err, &flood) {
//	    time.Sleep(flood.Wait)
//	}
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Wait)
}

// IsFloodWait reports whether err is a *FloodWaitError.
func IsFloodWait(err error) bool {
	var flood *FloodWaitError
	return errors.As(err, &flood)
}
