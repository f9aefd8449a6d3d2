package model

import "errors"

var (
	// ErrNotFound is returned when a row does not exist locally or is
	// tombstoned.
	ErrNotFound = errors.New("not found")

	// ErrLocalStorage wraps every local store failure. It is fatal for the
	// triggering operation and always reaches the caller.
	ErrLocalStorage = errors.New("local storage error")

	// ErrNetwork marks transport failures talking to the backend.
	ErrNetwork = errors.New("network error")

	// ErrDecode marks a malformed server payload.
	ErrDecode = errors.New("decode error")

	// ErrReadOnly is returned when the session user's membership role does
	// not allow writes to the account.
	ErrReadOnly = errors.New("account is read-only for this member")

	// ErrNoAccount is returned when an operation references an account that
	// is not cached locally.
	ErrNoAccount = errors.New("account not cached locally")
)
