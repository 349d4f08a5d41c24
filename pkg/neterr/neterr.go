// Package neterr defines the single tagged error type used across netboot.
//
// Every fallible operation in the image, protocol and programmer packages
// returns an *Error (or wraps one), so callers can branch on Kind with
// errors.As instead of matching against package-specific sentinel values.
package neterr

import "fmt"

// Kind classifies the failure of a netboot operation.
type Kind int

const (
	// Io covers file and socket send/recv failures at the OS layer.
	Io Kind = iota
	// Format covers malformed ELF/HEX input.
	Format
	// Overlap covers an Image Process call that strictly overlaps an
	// existing Section.
	Overlap
	// Unaligned covers a write/erase address or length that isn't a
	// multiple of the device's sector/page size.
	Unaligned
	// OutOfRange covers an address+length that exceeds device flash or
	// the maximum payload size.
	OutOfRange
	// UnknownDevice covers a device id absent from the descriptor table.
	UnknownDevice
	// NotConnected covers an operation requested before a successful
	// discovery/connect.
	NotConnected
	// ProtocolError covers a malformed or unexpected wire reply.
	ProtocolError
	// Denied covers a target-reported STATUS_INV_SRC/INV_OP/INV_PARAM.
	Denied
	// Timeout covers exhausted retry attempts with no terminal reply.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "Io"
	case Format:
		return "Format"
	case Overlap:
		return "Overlap"
	case Unaligned:
		return "Unaligned"
	case OutOfRange:
		return "OutOfRange"
	case UnknownDevice:
		return "UnknownDevice"
	case NotConnected:
		return "NotConnected"
	case ProtocolError:
		return "ProtocolError"
	case Denied:
		return "Denied"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is the single tagged error type returned by netboot operations.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "image.Process" or
	// "programmer.Write".
	Op string
	// Msg is a human-readable description, used when Cause is nil.
	Msg string
	// Cause is the underlying error, if any.
	Cause error
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error that wraps cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, neterr.KindError(X)) style matching work by
// comparing Kind whenever the target is an *Error. The target's Op, Msg
// and Cause are not compared, so any two *Errors of the same Kind match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindError returns a sentinel *Error carrying only a Kind, suitable for
// use with errors.Is(err, neterr.KindError(neterr.Timeout)).
func KindError(kind Kind) *Error {
	return &Error{Kind: kind}
}
