// Package safeio provides the path-safety and bounded-I/O primitives the
// file-transfer handlers need: a filename or hash resolved against the
// uploads directory must never be allowed to escape it, and a request body
// must never be read unbounded. There is no outbound-request concern here —
// this listener never fetches a user-supplied URL — so only those two
// primitives are provided.
package safeio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// MaxResponseBody caps request/response body reads the listener performs
// on untrusted input (e.g. a POSTed result or file upload), 16 MiB.
const MaxResponseBody int64 = 16 << 20

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("safeio: path traversal detected")

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned joined path (absolute only when base is) or
// ErrPathTraversal. Used by the hosted-file handler to join each
// uploads-directory entry name onto the uploads directory (spec §4.7).
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateIdentifier rejects identifiers that contain characters unsuitable
// for file names or URL path segments (e.g. the md5 hash in a task-path
// GET). Allows alphanumeric, underscore, hyphen, and dot.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("safeio: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("safeio: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safeio: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r, returning an error if the
// limit is exceeded rather than silently truncating.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safeio: body exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
