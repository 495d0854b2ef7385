package vfscache

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every handler. Failures returned by this module
// wrap exactly one of these so callers can classify them with errors.Is.
var (
	// ErrNotFound is returned when a path resolves to no visible resource.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported is returned for operations a handler does not implement.
	ErrNotSupported = errors.New("operation not supported")

	// ErrBadParameter is returned for malformed paths, unknown selectors and
	// size mismatches.
	ErrBadParameter = errors.New("bad parameter")

	// ErrIntegrity is returned on checksum, trailer or key-check mismatch.
	ErrIntegrity = errors.New("integrity failure")

	// ErrResourceExhausted is returned when an allocation or mapping budget
	// is exceeded.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrConcurrency is returned when an operation would violate a
	// single-writer or single-entry-in-progress rule.
	ErrConcurrency = errors.New("concurrency violation")

	// ErrClosed is returned when a handle is used after Close.
	ErrClosed = errors.New("handle closed")
)

// PathError records the operation and virtual path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// AmbiguousMemberError is returned when an archive path without a member name
// is opened and the archive holds more than one top-level entry.
type AmbiguousMemberError struct {
	Archive string
	Members []string
}

func (e *AmbiguousMemberError) Error() string {
	return fmt.Sprintf("%s contains %d entries, specify one of: %s",
		e.Archive, len(e.Members), strings.Join(e.Members, ", "))
}

// Is reports AmbiguousMemberError as a bad-parameter condition.
func (e *AmbiguousMemberError) Is(target error) bool {
	return target == ErrBadParameter
}
