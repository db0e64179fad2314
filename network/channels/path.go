package channels

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxPathLength is the longest document path accepted, in bytes.
const MaxPathLength = 1024

// ValidatePath checks that a document path can be used as a subscription key.
// Paths are opaque strings; they must be non-empty UTF-8 without NUL bytes.
// Returns an InvalidPathError otherwise.
func ValidatePath(path string) error {
	switch {
	case path == "":
		return NewInvalidPathErr(path, fmt.Errorf("path is empty"))
	case len(path) > MaxPathLength:
		return NewInvalidPathErr(path, fmt.Errorf("path is %d bytes long, at most %d allowed", len(path), MaxPathLength))
	case !utf8.ValidString(path):
		return NewInvalidPathErr(path, fmt.Errorf("path is not valid utf-8"))
	case strings.IndexByte(path, 0) >= 0:
		return NewInvalidPathErr(path, fmt.Errorf("path contains a NUL byte"))
	}
	return nil
}
