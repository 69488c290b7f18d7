// Package screenshot is the pluggable post-processing hook the result
// handler invokes when a decoded task result looks like a gzipped image
// blob (spec §4.8, scenario S5). Actual image handling (thumbnailing,
// OCR, storage) is out of scope; this package only defines the interface
// and a passthrough default.
package screenshot

import (
	"context"
	"log/slog"
)

// GzipMagicPrefixes are the base64 prefixes of a gzip stream the result
// handler checks for before invoking the hook: "H4sIAAAA" and "H4sICAAA"
// are the base64 encodings of the two common gzip header byte patterns
// (FLG=0x00 and FLG=0x08, i.e. no name vs. has original filename).
var GzipMagicPrefixes = []string{"H4sIAAAA", "H4sICAAA"}

// LooksLikeGzip reports whether a base64-encoded blob starts with one of
// the recognized gzip magic prefixes.
func LooksLikeGzip(base64Blob string) bool {
	for _, prefix := range GzipMagicPrefixes {
		if len(base64Blob) >= len(prefix) && base64Blob[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Processor is invoked with the raw (still base64-encoded) result blob
// before it is stored against a task id.
type Processor interface {
	Process(ctx context.Context, implantID, taskID, rawBase64 string) error
}

// Passthrough is the default Processor: it logs at debug level and performs
// no transformation, leaving the blob to be stored verbatim.
type Passthrough struct{}

// Process implements Processor.
func (Passthrough) Process(ctx context.Context, implantID, taskID, rawBase64 string) error {
	slog.DebugContext(ctx, "screenshot hook invoked (passthrough)",
		"implant_id", implantID, "task_id", taskID, "bytes", len(rawBase64))
	return nil
}
