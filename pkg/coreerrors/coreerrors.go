// Package coreerrors defines the Confidential Storage Core's error
// taxonomy. Every core package returns one of these kinds (wrapped with
// context via fmt.Errorf("...: %w", err) where useful) instead of ad hoc
// strings, matching the teacher's preference for sentinel errors
// (kms.ErrNotImplemented, queue.ErrQueueFull) over bare string errors.
package coreerrors

import "errors"

// Kind identifies a stable error category. Kind implements error so it can
// be returned directly, compared with errors.Is, or wrapped.
type Kind int

const (
	// KindUnknown is never returned; it is the zero value guard.
	KindUnknown Kind = iota
	KindLocked
	KindAccountLocked
	KindInvalidCredentials
	KindDecryptFailed
	KindTampered
	KindConflict
	KindNotFound
	KindRateLimited
	KindServiceUnavailable
	KindTransient
	KindForbidden
	KindInvalidRequest
)

var names = map[Kind]string{
	KindUnknown:            "internal_server_error",
	KindLocked:             "unauthorized",
	KindAccountLocked:      "account_locked",
	KindInvalidCredentials: "invalid_pin",
	KindDecryptFailed:      "invalid_pin",
	KindTampered:           "internal_server_error",
	KindConflict:           "invalid_request",
	KindNotFound:           "not_found",
	KindRateLimited:        "too_many_requests",
	KindServiceUnavailable: "service_unavailable",
	KindTransient:          "internal_server_error",
	KindForbidden:          "forbidden",
	KindInvalidRequest:     "invalid_request",
}

// Code returns the stable string error code from spec.md §6.
func (k Kind) Code() string {
	if c, ok := names[k]; ok {
		return c
	}
	return "internal_server_error"
}

func (k Kind) Error() string { return k.Code() }

// Sentinel errors for errors.Is comparisons. These alias the Kind values so
// `errors.Is(err, coreerrors.ErrLocked)` and `coreerrors.As(err) ==
// coreerrors.KindLocked` both work.
var (
	ErrLocked             error = KindLocked
	ErrAccountLocked       error = KindAccountLocked
	ErrInvalidCredentials  error = KindInvalidCredentials
	ErrDecryptFailed       error = KindDecryptFailed
	ErrTampered            error = KindTampered
	ErrConflict            error = KindConflict
	ErrNotFound            error = KindNotFound
	ErrRateLimited         error = KindRateLimited
	ErrServiceUnavailable  error = KindServiceUnavailable
	ErrTransient           error = KindTransient
	ErrForbidden           error = KindForbidden
	ErrInvalidRequest      error = KindInvalidRequest
)

// As extracts the Kind from err, walking wrapped errors. Returns
// KindUnknown if err does not wrap a Kind.
func As(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}
