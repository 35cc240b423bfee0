package cascache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFoundLocally is returned when content is not present in local storage.
	ErrNotFoundLocally = errors.New("not found locally")

	// ErrRemoteNotFound is returned by providers that do not have the requested digest.
	ErrRemoteNotFound = errors.New("remote: not found")

	// ErrRemoteUnavailable is returned when a provider cannot supply a digest.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrDigestMismatch is returned when content does not hash to its declared digest.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrCacheFull is returned when no unreferenced entries remain to make room.
	ErrCacheFull = errors.New("cache full")

	// ErrMalformedTree is returned for structurally invalid directory trees.
	ErrMalformedTree = errors.New("malformed tree")

	// ErrReferenceUnderflow is returned when an entry is released more often than acquired.
	// It always indicates a caller bug.
	ErrReferenceUnderflow = errors.New("reference underflow")

	// ErrInvalidDigest is returned for digests that are not well formed.
	ErrInvalidDigest = errors.New("invalid digest")
)

// DigestMismatchError describes content that failed verification.
type DigestMismatchError struct {
	Expected Digest
	Actual   Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Unwrap allows errors.Is(err, ErrDigestMismatch).
func (e *DigestMismatchError) Unwrap() error {
	return ErrDigestMismatch
}
