package vidrelay

import (
	"context"
	"fmt"
	"io/fs"
	"net"

	"github.com/pkg/errors"
)

// Terminal errors reported once a transfer has exhausted its retry budget.
// They wrap the underlying cause so callers can log it, but the sentinel is
// what the orchestrator matches on.
var (
	ErrDownloadFailed = errors.New("download failed after exhausting retries")
	ErrUploadFailed   = errors.New("upload failed after exhausting retries")
)

// Orchestrator-level sentinels for item selection.
var (
	ErrNoEligibleItems  = errors.New("no eligible items remain in the catalog")
	ErrAlreadyPublished = errors.New("item has already been published")
)

// StatusError carries a remote HTTP-style status code so the retry policy
// can distinguish server failures (worth retrying) from client failures
// (not recoverable by resubmission).
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote returned status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("remote returned status %d", e.Status)
}

// Retryable reports whether resubmitting the same request could succeed.
func (e *StatusError) Retryable() bool {
	return e.Status >= 500
}

// isTimeout reports whether err is a transport timeout. Stalled uploads are
// funneled through here as well, since the engine treats them identically.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, errStalled)
}

// isPermanent reports whether err belongs to the non-retryable class:
// remote client errors, caller cancellation, and a missing or unusable
// local file, which no amount of resubmission can produce.
func isPermanent(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errEmptyArtifact) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Retryable()
	}
	return false
}

// errStalled marks an upload whose reported progress stopped advancing.
var errStalled = errors.New("upload stalled with no progress")

// errEmptyArtifact marks a zero-byte local file offered for upload.
var errEmptyArtifact = errors.New("local artifact is empty")
