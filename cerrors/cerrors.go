// Package cerrors defines the tagged error taxonomy that lower layers of
// coffer return instead of printing directly. The top-level command
// dispatch is the only place that turns one of these into a user-visible
// message and an exit code.
package cerrors

import "github.com/pkg/errors"

// Tag classifies an error into one of the categories that repair and
// recovery logic need to distinguish from each other.
type Tag int

const (
	// Integrity covers CRC mismatches, MAC failures, id mismatches, and
	// unrecognised segment magic numbers. Non-recoverable for the
	// affected object; repair mode may salvage what surrounds it.
	Integrity Tag = iota
	// Consistency covers a manifest or archive referencing an object
	// that the repository doesn't have.
	Consistency
	// Transient covers I/O errors expected to be retried on the same
	// transport before being promoted to a hard failure.
	Transient
	// Lock covers stale or contested exclusive/shared lock acquisition.
	Lock
	// User covers bad input: unknown archive names, pattern parse
	// failures, unrecognised compression specs.
	User
	// Security covers nonce regression, unexpected unencrypted
	// repositories, and relocation detection.
	Security
)

func (t Tag) String() string {
	switch t {
	case Integrity:
		return "integrity"
	case Consistency:
		return "consistency"
	case Transient:
		return "transient"
	case Lock:
		return "lock"
	case User:
		return "user"
	case Security:
		return "security"
	default:
		return "unknown"
	}
}

// Error is a tagged error. The tag drives what repair/recovery code does
// with it; the wrapped error carries the underlying detail and (via
// github.com/pkg/errors) a stack trace captured at the point of Wrap.
type Error struct {
	Tag   Tag
	Cause error
}

func (e *Error) Error() string {
	return e.Tag.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap tags err with the given category, prefixing its message with msg
// and attaching a stack trace captured at the call site.
func Wrap(tag Tag, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Tag: tag, Cause: errors.Wrap(err, msg)}
}

// New creates a new tagged error from a message, with a stack trace
// attached at the call site.
func New(tag Tag, msg string) error {
	return &Error{Tag: tag, Cause: errors.New(msg)}
}

// Is reports whether err (or something it wraps) carries the given tag.
func Is(err error, tag Tag) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.Tag == tag
}

// ExitCode maps a command run's outcome to the process exit code
// described in spec.md §6: 0 success, 1 warnings only, 2 error. nErrors
// is util.Logger.NErrors as it stood when the command finished — a
// command can log.Error its way past individually bad files (e.g.
// archive.Create skipping an unreadable entry) without that becoming a
// hard failure, but the run should still not look like a clean
// success. Signal deaths (128+N) are handled by the process's own
// signal machinery, not here.
func ExitCode(err error, nErrors int) int {
	if err != nil {
		return 2
	}
	if nErrors > 0 {
		return 1
	}
	return 0
}
