// Package evoluerr defines the typed error taxonomy shared by every
// layer of the sync engine. Recoverable errors are values, never
// panics; each carries a Kind so callers can route it without string
// matching.
package evoluerr

import "fmt"

// Kind classifies an error by its recovery policy.
type Kind string

const (
	KindClockDrift         Kind = "clock_drift"
	KindClockDuplicateNode Kind = "clock_duplicate_node"
	KindInvalidMnemonic    Kind = "invalid_mnemonic"
	KindDecrypt            Kind = "decrypt_error"
	KindProtocolVersion    Kind = "protocol_version"
	KindProtocolFrame      Kind = "protocol_frame"
	KindStorage            Kind = "storage_error"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindUnauthorized       Kind = "unauthorized"
	KindCounterOverflow    Kind = "timestamp_counter_overflow"
	KindCancelled          Kind = "cancelled"
)

// Error is the concrete typed error carried across package
// boundaries. Internal causes are wrapped with %w so fmt.Errorf chains
// and errors.Is/As keep working.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match by Kind: any *Error target with the same
// Kind matches, e.g. errors.Is(err, evoluerr.New(evoluerr.KindX, "")).
// See KindOf for reading the Kind directly.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}

// Recoverable reports whether err should be swallowed by the sync
// engine after logging (KindDecrypt, KindProtocolFrame, KindCancelled)
// rather than propagated to the caller.
func Recoverable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindDecrypt, KindProtocolFrame, KindCancelled:
		return true
	default:
		return false
	}
}
