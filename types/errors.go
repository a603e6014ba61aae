package types

import "errors"

// Sentinel errors for the Taskplane library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).

// Registry errors returned by the task store and orchestrator.
var (
	// ErrInvalidTaskType is returned when a task type has no policy table entry.
	ErrInvalidTaskType = errors.New("unknown task type")

	// ErrTaskNotFound is returned when a task id does not exist in the store,
	// typically because it was deleted between List and a follow-up call.
	// Delegates must treat this as "stop executing this id", not as a fault.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotOwner is returned by the Context call when the caller's delegate
	// id does not match the record's current assignment. It prevents a
	// superseded delegate from pulling fresh execution context.
	ErrNotOwner = errors.New("delegate does not own task")

	// ErrStoreUnavailable indicates a transient task store failure.
	// Callers may retry; the liveness sweep skips the current pass.
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// Authentication errors returned by the delegate channel auth gate.
// These always terminate the RPC immediately and are never retried
// server-side.
var (
	// ErrAccessDenied is returned when the account is unknown or has no
	// account key provisioned.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidToken is returned when the presented token is malformed or
	// fails to decrypt against any known key for the account.
	ErrInvalidToken = errors.New("invalid delegate token")

	// ErrRevokedToken is returned when the presented token decrypts against
	// a token explicitly marked revoked. Distinguished from ErrInvalidToken
	// so operators can spot delegates running with retired credentials.
	ErrRevokedToken = errors.New("revoked delegate token")

	// ErrExpiredToken is returned when the token decrypts successfully but
	// its embedded expiry is in the past.
	ErrExpiredToken = errors.New("expired delegate token")
)

// Connectivity errors shared with the NATS transport layer.
var (
	// ErrConnectivity indicates a NATS/KV connectivity issue. Used to
	// distinguish network failures from application errors.
	ErrConnectivity = errors.New("connectivity issue")
)

// AuthFailure reports whether err is one of the auth gate's terminal
// authentication failures.
func AuthFailure(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrRevokedToken) ||
		errors.Is(err, ErrExpiredToken)
}
