package taskplane

import "errors"

// Sentinel errors returned by the Server.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when the NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrAlreadyStarted is returned when Start is called on a running server.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrNotStarted is returned when Stop is called on a server that has not
	// been started.
	ErrNotStarted = errors.New("server not started")
)
