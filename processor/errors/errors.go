// errors contains types representing download errors.
// It is used in the processor to classify why a download failed and to
// produce the human readable message stored on the record.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a download failure.
type Kind int

const (
	// Internal errors are bugs or unexpected conditions on our side.
	Internal Kind = iota
	// Unreachable covers DNS, connection and non-2xx failures of the source.
	Unreachable
	// Timeout means the soft or the hard deadline elapsed.
	Timeout
	// SizeViolation means the payload was above the ceiling or below the floor.
	SizeViolation
	// Storage covers local disk failures.
	Storage
	// Validation means the payload was rejected by a content check.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case SizeViolation:
		return "size violation"
	case Storage:
		return "storage"
	case Validation:
		return "validation"
	default:
		return "internal"
	}
}

// DownloadError is the interface that encapsulates the behaviour that must be
// met by any download error.
type DownloadError interface {
	Kind() Kind
	IsInternal() bool
	Err() error
	Error() string
}

// downloadError implements the DownloadError interface.
// It encapsulates an error and gives it more context by describing
// the phase in which it occured.
type downloadError struct {
	err   error
	phase string
	kind  Kind
}

// Error returns the message that is stored on the failed record.
func (e downloadError) Error() string {
	return fmt.Sprintf("%s while %s: %s", e.kind, e.phase, e.err)
}

// Kind returns the failure class of e.
func (e downloadError) Kind() Kind {
	return e.kind
}

// IsInternal reports whether e is our fault rather than the source's.
func (e downloadError) IsInternal() bool {
	return e.kind == Internal || e.kind == Storage
}

// Err returns the raw error wrapped by the current downloadError.
func (e downloadError) Err() error {
	return e.err
}

func (e downloadError) Unwrap() error {
	return e.err
}

// E creates and returns a new downloadError of kind k with the given phase
// and err.
func E(k Kind, phase string, err error) DownloadError {
	return downloadError{kind: k, phase: phase, err: err}
}

// Errorf is a convenience function that creates a new downloadError with the
// given kind and phase, formatting the given arguments to its err field.
func Errorf(k Kind, phase string, pattern string, args ...interface{}) DownloadError {
	return E(k, phase, fmt.Errorf(pattern, args...))
}

// KindOf returns the kind of the first DownloadError in err's chain, or
// Internal if there is none.
func KindOf(err error) Kind {
	var de DownloadError
	if stderrors.As(err, &de) {
		return de.Kind()
	}
	return Internal
}
