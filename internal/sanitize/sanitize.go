// Package sanitize bounds and scrubs everything that crosses the execution
// boundary: submitted code, stdin, attached files, captured output, and the
// error text handed back to clients.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Limits are measured in bytes, not runes. Multi-byte content counts per byte.
const (
	MaxCodeBytes         = 100 * 1024
	MaxStdinBytes        = 10 * 1024
	MaxOutputBytes       = 100 * 1024
	MaxErrorBytes        = 10 * 1024
	MaxAttachedFiles     = 5
	MaxAttachedFileBytes = 10 * 1024
	MaxFilenameLength    = 64
)

const truncationMarker = "\n... (output truncated)"

// ValidateCode rejects empty or oversized source text.
func ValidateCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("code is empty")
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("code exceeds maximum size of %d bytes (got %d)", MaxCodeBytes, len(code))
	}
	return nil
}

// ValidateStdin bounds the stdin payload.
func ValidateStdin(stdin string) error {
	if len(stdin) > MaxStdinBytes {
		return fmt.Errorf("stdin exceeds maximum size of %d bytes (got %d)", MaxStdinBytes, len(stdin))
	}
	return nil
}

// AttachedFile is the name/content pair validated here; the backend packages
// alias their own copy of this shape.
type AttachedFile struct {
	Name    string
	Content string
}

// ValidateAttachedFiles bounds the file count and each file's size.
func ValidateAttachedFiles(files []AttachedFile) error {
	if len(files) > MaxAttachedFiles {
		return fmt.Errorf("too many attached files: maximum is %d (got %d)", MaxAttachedFiles, len(files))
	}
	for _, f := range files {
		if len(f.Content) > MaxAttachedFileBytes {
			return fmt.Errorf("attached file %q exceeds maximum size of %d bytes (got %d)",
				Filename(f.Name), MaxAttachedFileBytes, len(f.Content))
		}
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Filename reduces an attacker-supplied name to a single safe path component:
// directory parts and traversal sequences are stripped, remaining characters
// restricted to [a-zA-Z0-9._-], and the result bounded in length. A name that
// sanitizes to nothing becomes "file.txt".
func Filename(name string) string {
	// Take the last component under either separator convention.
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ReplaceAll(name, "..", "")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file.txt"
	}
	if len(name) > MaxFilenameLength {
		name = name[:MaxFilenameLength]
	}
	return name
}

// TruncateOutput caps s at max bytes, appending a marker when anything was
// dropped. A zero or negative max falls back to MaxOutputBytes.
func TruncateOutput(s string, max int) string {
	if max <= 0 {
		max = MaxOutputBytes
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}

var (
	// `File "/abs/path/to/code.py", line 3` -> `File "<student code>", line 3`
	stackFramePath = regexp.MustCompile(`File "(/[^"]*)"`)
	// `[Errno 13] Permission denied: '/x'` -> `[Error] Permission denied: '/x'`
	errnoPrefix = regexp.MustCompile(`\[Errno \d+\]`)
)

// ErrorMessage scrubs interpreter and OS detail out of an error string before
// it crosses to clients: absolute paths in stack-trace frames become
// "<student code>", errno tags become a generic "[Error]". Everything else
// passes through unchanged, size-bounded.
func ErrorMessage(msg string) string {
	if msg == "" {
		return msg
	}
	msg = stackFramePath.ReplaceAllString(msg, `File "<student code>"`)
	msg = errnoPrefix.ReplaceAllString(msg, "[Error]")
	if len(msg) > MaxErrorBytes {
		msg = msg[:MaxErrorBytes] + truncationMarker
	}
	return msg
}
