package syncer

import (
	"errors"
)

// ErrRemoteRejected marks a mutation the remote store refused outright
// (permission denied, validation failure). Rejected entries move straight to
// the failed bucket and are never retried; retrying cannot help.
var ErrRemoteRejected = errors.New("remote rejected mutation")

// IsTransient reports whether a remote call failure is worth retrying.
// Timeouts are treated identically to network errors; only an explicit
// rejection is permanent. Cancellation is neither a rejection nor a
// retryable failure, so callers check their context before classifying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRemoteRejected)
}
