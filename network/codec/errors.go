package codec

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a frame, or the payload it decompresses to, exceeds the
// maximum frame size of the codec.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// MalformedFrameError indicates that a frame is structurally invalid: wrong magic, unsupported
// version or flags, an undecodable header or an invalid origin.
type MalformedFrameError struct {
	err error
}

func (e MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.err)
}

func (e MalformedFrameError) Unwrap() error {
	return e.err
}

// NewMalformedFrameErr returns a new MalformedFrameError
func NewMalformedFrameErr(err error) MalformedFrameError {
	return MalformedFrameError{err: err}
}

// NewMalformedFrameErrf returns a new MalformedFrameError with a formatted cause.
func NewMalformedFrameErrf(msg string, args ...interface{}) MalformedFrameError {
	return MalformedFrameError{err: fmt.Errorf(msg, args...)}
}

// IsMalformedFrameErr returns true if an error is MalformedFrameError
func IsMalformedFrameErr(err error) bool {
	var e MalformedFrameError
	return errors.As(err, &e)
}

// TruncatedFrameError indicates that the length a frame declares for a section does not match the
// bytes it carries. The payload length must match exactly.
type TruncatedFrameError struct {
	section  string
	declared uint64
	actual   int
}

func (e TruncatedFrameError) Error() string {
	return fmt.Sprintf("truncated frame: %s declares %d bytes, %d available", e.section, e.declared, e.actual)
}

// NewTruncatedFrameErr returns a new TruncatedFrameError
func NewTruncatedFrameErr(section string, declared uint64, actual int) TruncatedFrameError {
	return TruncatedFrameError{section: section, declared: declared, actual: actual}
}

// IsTruncatedFrameErr returns true if an error is TruncatedFrameError
func IsTruncatedFrameErr(err error) bool {
	var e TruncatedFrameError
	return errors.As(err, &e)
}
