// Package engerrors defines the engine's error taxonomy.
//
// Per-tile and per-job failures are always one of a fixed set of kinds so
// callers can branch on cause (exit codes, retry decisions, result rows)
// without parsing strings. Kinds are sentinel errors; wrap them with
// fmt.Errorf("...: %w", ErrReadFailed) and unwrap with errors.Is/As.
package engerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the fixed engine failure categories.
type Kind int

const (
	// KindNone is the zero value; never attached to a real error.
	KindNone Kind = iota
	KindConfigInvalid
	KindUnsupportedFormat
	KindReadFailed
	KindDetectorFailed
	KindTooManyObjects
	KindDatabaseError
	KindInsufficientResources
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindReadFailed:
		return "ReadFailed"
	case KindDetectorFailed:
		return "DetectorFailed"
	case KindTooManyObjects:
		return "TooManyObjects"
	case KindDatabaseError:
		return "DatabaseError"
	case KindInsufficientResources:
		return "InsufficientResources"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is an engine error carrying a Kind plus structured context fields
// named by spec: path, reason, channel, tile.
type Error struct {
	Kind    Kind
	Path    string
	Channel int32
	Tile    int32
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Channel >= 0 {
		msg = fmt.Sprintf("%s (channel=%d)", msg, e.Channel)
	}
	if e.Tile >= 0 {
		msg = fmt.Sprintf("%s (tile=%d)", msg, e.Tile)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind, so errors.Is(err, engerrors.ErrReadFailed) works.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// Sentinel, kind-only errors usable with errors.Is.
var (
	ErrConfigInvalid          = &Error{Kind: KindConfigInvalid, Channel: -1, Tile: -1}
	ErrUnsupportedFormat      = &Error{Kind: KindUnsupportedFormat, Channel: -1, Tile: -1}
	ErrReadFailed             = &Error{Kind: KindReadFailed, Channel: -1, Tile: -1}
	ErrDetectorFailed         = &Error{Kind: KindDetectorFailed, Channel: -1, Tile: -1}
	ErrTooManyObjects         = &Error{Kind: KindTooManyObjects, Channel: -1, Tile: -1}
	ErrDatabaseError          = &Error{Kind: KindDatabaseError, Channel: -1, Tile: -1}
	ErrInsufficientResources  = &Error{Kind: KindInsufficientResources, Channel: -1, Tile: -1}
	ErrCancelled              = &Error{Kind: KindCancelled, Channel: -1, Tile: -1}
)

// New builds a contextual error of the given kind wrapping cause.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause, Channel: -1, Tile: -1}
}

// WithPath attaches a file path to a copy of e.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithChannel attaches a channel index to a copy of e.
func (e *Error) WithChannel(ch int32) *Error {
	c := *e
	c.Channel = ch
	return &c
}

// WithTile attaches a tile id to a copy of e.
func (e *Error) WithTile(tile int32) *Error {
	c := *e
	c.Tile = tile
	return &c
}

// KindOf extracts the Kind from err, walking the chain. Returns KindNone if
// err is nil or does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// ExitCode maps a Kind to the CLI exit code table: 0 success, 2 usage
// error, 3 read error, 4 write error, 5 job failed, 130 cancelled.
func ExitCode(k Kind) int {
	switch k {
	case KindNone:
		return 0
	case KindConfigInvalid, KindInsufficientResources:
		return 2
	case KindUnsupportedFormat, KindReadFailed:
		return 3
	case KindDatabaseError:
		return 4
	case KindDetectorFailed, KindTooManyObjects:
		return 5
	case KindCancelled:
		return 130
	default:
		return 1
	}
}
