package sync

import (
	"errors"
)

var (
	// ErrSyncInProgress guards the per-deck mutual exclusion. Callers
	// should back off and retry later.
	ErrSyncInProgress = errors.New("sync already in progress for deck")

	// ErrBatchTooLarge means an outbound suggestion batch exceeds the
	// configured cap. The caller must split across submissions.
	ErrBatchTooLarge = errors.New("suggestion batch too large")

	// ErrNetworkFailure wraps transport errors during fetch or submit.
	// Retryable; the cursor is left at its last committed value.
	ErrNetworkFailure = errors.New("network failure")

	// ErrStorageCommit wraps local persistence failures after a
	// successful fetch. Retryable, same cursor guarantee as network
	// failures.
	ErrStorageCommit = errors.New("storage commit failure")
)
