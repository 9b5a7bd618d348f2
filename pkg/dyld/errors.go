package dyld

import (
	"fmt"

	"github.com/pkg/errors"
)

// Integrity failure kinds. Use errors.Is against an *IntegrityError.
var (
	ErrUUIDMismatch         = errors.New("UUID mismatch")
	ErrSignatureTooSmall    = errors.New("cache is smaller than its code signature")
	ErrSuperBlobMagic       = errors.New("code signature magic is incorrect")
	ErrCodeDirectoryMissing = errors.New("code signature directory is missing")
	ErrCodeDirectoryBounds  = errors.New("code signature directory is out of bounds")
	ErrCodeDirectoryMagic   = errors.New("code signature directory magic is incorrect")
	ErrSlotCount            = errors.New("code signature directory num slots is incorrect")
	ErrPageHash             = errors.New("code signature for page is incorrect")
)

// ErrUnmapped is returned by accessors once the cache has been closed.
var ErrUnmapped = errors.New("dyld shared cache is unmapped")

// IOError is returned when a cache file cannot be stat'd, opened or read.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed for dyld shared cache at %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// FormatError is returned by some operations if the data does
// not have the correct format for a dyld shared cache.
type FormatError struct {
	Path string
	off  int64
	msg  string
	val  any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	if len(e.Path) > 0 {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	return msg
}

// Offset returns the byte offset the error was detected at.
func (e *FormatError) Offset() int64 { return e.off }

func formatErr(path string, off uint64, msg string, val any) error {
	return &FormatError{Path: path, off: int64(off), msg: msg, val: val}
}

// IntegrityError reports a cache whose contents do not match what the producer
// or signer recorded. Kind is one of the Err* integrity sentinels.
type IntegrityError struct {
	Kind     error
	Path     string
	Page     int    // page index for ErrPageHash, -1 otherwise
	Expected string // expected value (UUID, size, ...)
	Found    string // value actually found
}

func (e *IntegrityError) Error() string {
	msg := e.Kind.Error()
	if e.Page >= 0 {
		msg += fmt.Sprintf(" (page %d)", e.Page)
	}
	if len(e.Expected) > 0 || len(e.Found) > 0 {
		msg += fmt.Sprintf(": expected %s, got %s", e.Expected, e.Found)
	}
	if len(e.Path) > 0 {
		msg += fmt.Sprintf(" in %s", e.Path)
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Kind }

func integrityErr(kind error, path string) *IntegrityError {
	return &IntegrityError{Kind: kind, Path: path, Page: -1}
}

// MappingError reports a failed virtual memory reservation or segment mapping.
// Segment is -1 for the reservation itself.
type MappingError struct {
	Path    string
	Segment int
	Err     error
}

func (e *MappingError) Error() string {
	if e.Segment < 0 {
		return fmt.Sprintf("failed to allocate space to load shared cache file at %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("mmap() of mapping[%d] for shared cache at %s failed: %v", e.Segment, e.Path, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
