package entity

import "errors"

var (
	// ErrAlreadyExists is the expected steady-state outcome of re-creating
	// an entity: the recovery is to proceed straight to authentication with
	// the local key.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrRegistrationFailed carries the server's error text for any
	// non-conflict registration rejection.
	ErrRegistrationFailed = errors.New("entity registration failed")

	// ErrAuthenticationFailed covers server-side rejections of the
	// challenge or signature, and malformed session payloads. Not retryable
	// by this package; callers decide.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNoSession means refresh was asked for an entity that never
	// authenticated or whose session was evicted.
	ErrNoSession = errors.New("no active session")

	// ErrNetwork marks timeouts and connection failures. Retryable, unlike
	// the authentication and crypto categories.
	ErrNetwork = errors.New("network failure")
)
