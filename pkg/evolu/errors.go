package evolu

import "github.com/evolu-sh/evolu-core/internal/evoluerr"

// Kind classifies a public Error by recovery policy, mirroring
// internal/evoluerr.Kind without exposing the internal package to
// applications.
type Kind string

const (
	KindClockDrift      Kind = "clock_drift"
	KindInvalidMnemonic Kind = "invalid_mnemonic"
	KindDecrypt         Kind = "decrypt_error"
	KindProtocolVersion Kind = "protocol_version"
	KindStorage         Kind = "storage_error"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindUnauthorized    Kind = "unauthorized"
	KindUnknown         Kind = "unknown"
)

// Error is the typed error every Evolu method returns on failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// convertError maps an internal evoluerr.Error to the public Error
// type by Kind.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if pub, ok := err.(*Error); ok {
		return pub
	}
	kind, ok := evoluerr.KindOf(err)
	if !ok {
		return &Error{Kind: KindUnknown, Msg: err.Error()}
	}
	switch kind {
	case evoluerr.KindClockDrift, evoluerr.KindClockDuplicateNode, evoluerr.KindCounterOverflow:
		return &Error{Kind: KindClockDrift, Msg: err.Error()}
	case evoluerr.KindInvalidMnemonic:
		return &Error{Kind: KindInvalidMnemonic, Msg: err.Error()}
	case evoluerr.KindDecrypt:
		return &Error{Kind: KindDecrypt, Msg: err.Error()}
	case evoluerr.KindProtocolVersion, evoluerr.KindProtocolFrame:
		return &Error{Kind: KindProtocolVersion, Msg: err.Error()}
	case evoluerr.KindStorage:
		return &Error{Kind: KindStorage, Msg: err.Error()}
	case evoluerr.KindQuotaExceeded:
		return &Error{Kind: KindQuotaExceeded, Msg: err.Error()}
	case evoluerr.KindUnauthorized:
		return &Error{Kind: KindUnauthorized, Msg: err.Error()}
	default:
		return &Error{Kind: KindUnknown, Msg: err.Error()}
	}
}
