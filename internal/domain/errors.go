package domain

import "errors"

var (
	ErrAlreadyConnected     = errors.New("already connected")
	ErrInvalidOrExpiredCode = errors.New("invalid or expired pair code")
	ErrCannotJoinOwnCode    = errors.New("cannot join own pair code")
	ErrNotPaired            = errors.New("not paired")
	ErrInvalidLink          = errors.New("invalid music link")
	ErrNotFound             = errors.New("not found")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrConflict             = errors.New("concurrent update conflict")

	// ErrPairCodeTaken is returned by the store when a pending connection already uses the code.
	ErrPairCodeTaken = errors.New("pair code already pending")
)

// ErrorKind is a machine-readable classification of expected business failures.
type ErrorKind string

const (
	KindUnknown              ErrorKind = "unknown"
	KindAlreadyConnected     ErrorKind = "already_connected"
	KindInvalidOrExpiredCode ErrorKind = "invalid_or_expired_code"
	KindCannotJoinOwnCode    ErrorKind = "cannot_join_own_code"
	KindNotPaired            ErrorKind = "not_paired"
	KindInvalidLink          ErrorKind = "invalid_link"
	KindNotFound             ErrorKind = "not_found"
	KindUnauthenticated      ErrorKind = "unauthenticated"
	KindConflict             ErrorKind = "conflict"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrAlreadyConnected, KindAlreadyConnected},
	{ErrInvalidOrExpiredCode, KindInvalidOrExpiredCode},
	{ErrCannotJoinOwnCode, KindCannotJoinOwnCode},
	{ErrNotPaired, KindNotPaired},
	{ErrInvalidLink, KindInvalidLink},
	{ErrNotFound, KindNotFound},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrConflict, KindConflict},
}

// KindOf returns the kind of a business error, or KindUnknown for infrastructure failures.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
