package channels

import (
	"errors"
	"fmt"
)

// InvalidPathError indicates that a document path is empty or malformed.
// It is returned before any network activity takes place.
type InvalidPathError struct {
	path string
	err  error
}

func (e InvalidPathError) Error() string {
	return fmt.Sprintf("invalid document path %q: %v", e.path, e.err)
}

func (e InvalidPathError) Unwrap() error {
	return e.err
}

// Path returns the offending path.
func (e InvalidPathError) Path() string {
	return e.path
}

// NewInvalidPathErr returns a new InvalidPathError
func NewInvalidPathErr(path string, err error) InvalidPathError {
	return InvalidPathError{path: path, err: err}
}

// IsInvalidPathErr returns true if an error is InvalidPathError
func IsInvalidPathErr(err error) bool {
	var e InvalidPathError
	return errors.As(err, &e)
}
