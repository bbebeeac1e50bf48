package adapter

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested item does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrUnknownMode is returned for an addressing mode other than personal or site.
	ErrUnknownMode = errors.New("unknown drive mode")

	// ErrSiteInvalid is returned when the configured site cannot be resolved.
	ErrSiteInvalid = errors.New("site is invalid")

	// ErrDriveNotFound is returned when the named site drive does not exist.
	ErrDriveNotFound = errors.New("drive not found")

	// ErrTooLarge is returned when content exceeds an adapter limit.
	ErrTooLarge = errors.New("content too large")
)

// Upload failure sentinels. Every *UploadError matches exactly one of them
// with errors.Is.
var (
	ErrSessionCreation   = errors.New("upload session could not be created")
	ErrSessionExpired    = errors.New("upload session expired")
	ErrTransientService  = errors.New("service unavailable after retries")
	ErrNameConflict      = errors.New("destination name conflict")
	ErrProtocolViolation = errors.New("unexpected upload response")
	ErrShortRead         = errors.New("short read from upload source")
	ErrUploadCancelled   = errors.New("upload cancelled")
)

// UploadErrorKind classifies a terminal upload failure.
type UploadErrorKind int

const (
	KindSessionCreation UploadErrorKind = iota + 1
	KindSessionExpired
	KindTransientService
	KindNameConflict
	KindProtocolViolation
	KindShortRead
	KindCancelled
)

var kindSentinels = map[UploadErrorKind]error{
	KindSessionCreation:   ErrSessionCreation,
	KindSessionExpired:    ErrSessionExpired,
	KindTransientService:  ErrTransientService,
	KindNameConflict:      ErrNameConflict,
	KindProtocolViolation: ErrProtocolViolation,
	KindShortRead:         ErrShortRead,
	KindCancelled:         ErrUploadCancelled,
}

func (k UploadErrorKind) String() string {
	switch k {
	case KindSessionCreation:
		return "session creation"
	case KindSessionExpired:
		return "session expired"
	case KindTransientService:
		return "retry exhausted"
	case KindNameConflict:
		return "name conflict"
	case KindProtocolViolation:
		return "unexpected status"
	case KindShortRead:
		return "short read"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ByteRange is an inclusive, zero-based range of file offsets.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by r.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

func (r ByteRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// UploadError is the terminal failure of a large upload.
type UploadError struct {
	Kind       UploadErrorKind
	Path       string
	StatusCode int
	Range      ByteRange
	Attempts   int
	Err        error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload %q: %s", e.Path, e.Kind)
	if e.Range.End > 0 || e.Range.Start > 0 {
		msg += fmt.Sprintf(" at bytes %s", e.Range)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d retries", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *UploadError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}
