package docstore

import "errors"

// Errors returned by Store implementations.
//
// Backends wrap them with context; check with errors.Is:
//
//	if errors.Is(err, docstore.ErrNotFound) {
//	    // the user's document was never provisioned
//	}
var (
	// ErrNotFound is returned when the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by CreateDocument for an existing key.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrUnavailable is returned on transport or backend failure. The
	// operation may succeed if repeated.
	ErrUnavailable = errors.New("document store unavailable")

	// ErrFieldType is returned when a field holds something other than an
	// array of objects.
	ErrFieldType = errors.New("field is not an array of objects")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("document store closed")
)

// IsRetryable returns true if repeating the same call may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

// isCallerError reports errors caused by the request rather than the
// backend. They do not count against a circuit breaker.
func isCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrFieldType)
}
