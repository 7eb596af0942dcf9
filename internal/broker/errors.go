package broker

import (
	"errors"

	"github.com/infi-control/gateway-broker/internal/crypto"
)

// Kind classifies a broker failure. The HTTP layer maps each Kind to one status code.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a kind-bearing broker error. Message is safe to return to callers;
// Cause carries internal detail and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	base *Error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether e was derived from the sentinel target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.base == t
}

// with derives an error from a sentinel, optionally overriding the message.
func (e *Error) with(message string, cause error) *Error {
	if message == "" {
		message = e.Message
	}
	return &Error{Kind: e.Kind, Message: message, Cause: cause, base: e}
}

func sentinel(kind Kind, message string) *Error {
	e := &Error{Kind: kind, Message: message}
	e.base = e
	return e
}

var (
	ErrInvalidInput          = sentinel(KindBadRequest, "invalid input")
	ErrUnauthorized          = sentinel(KindUnauthorized, "Missing API key (Authorization: Bearer ...)")
	ErrPairingNotFound       = sentinel(KindNotFound, "Pairing code not found/expired")
	ErrPairingForbidden      = sentinel(KindForbidden, "pairing code not valid for this apiKey")
	ErrNoPendingRegistration = sentinel(KindConflict, "No gateway registered yet. Run the setup command on the gateway host first.")
	ErrConnectionForbidden   = sentinel(KindForbidden, "connectionId not valid for this apiKey")
	ErrConnectionNotFound    = sentinel(KindNotFound, "Connection not found")
	ErrCorruptRecord         = sentinel(KindInternal, "corrupt record")
	ErrServerMisconfigured   = sentinel(KindInternal, "server misconfigured")
	ErrStorage               = sentinel(KindInternal, "storage error")
)

// invalid returns an ErrInvalidInput carrying a caller-facing message.
func invalid(message string) *Error {
	return ErrInvalidInput.with(message, nil)
}

// KindOf classifies any error. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// PublicMessage returns the text that may be shown to an API caller.
func PublicMessage(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Message
	}
	return "internal error"
}

// cryptoError classifies an envelope failure on a stored record.
func cryptoError(message string, err error) *Error {
	if errors.Is(err, crypto.ErrSecretMissing) {
		return ErrServerMisconfigured.with("", err)
	}
	return ErrCorruptRecord.with(message, err)
}

func storageError(err error) *Error {
	return ErrStorage.with("", err)
}
