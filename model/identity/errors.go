package identity

import (
	"errors"
	"fmt"
)

// InvalidKeyError indicates that override key material could not be turned into an identity.
type InvalidKeyError struct {
	length int
	err    error
}

func (e InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid identity key (%d bytes): %v", e.length, e.err)
}

func (e InvalidKeyError) Unwrap() error {
	return e.err
}

// NewInvalidKeyErr returns a new InvalidKeyError.
func NewInvalidKeyErr(length int, err error) InvalidKeyError {
	return InvalidKeyError{length: length, err: err}
}

// IsInvalidKeyErr returns true if an error is InvalidKeyError.
func IsInvalidKeyErr(err error) bool {
	var e InvalidKeyError
	return errors.As(err, &e)
}
