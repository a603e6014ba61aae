// Package natsutil classifies NATS transport errors for the store layer.
package natsutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskplane/taskplane/types"
)

// IsConnectivityError checks if an error is caused by connectivity issues.
//
// This includes NATS timeouts, connection refused, disconnections, etc.
// Used to classify store failures as retryable infrastructure errors
// rather than application errors.
//
// Kept in internal/natsutil to avoid importing NATS dependencies in the
// types/ package.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, types.ErrConnectivity) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}

// WrapStoreErr decorates a KV operation failure for callers.
//
// Connectivity failures are tagged with types.ErrStoreUnavailable so RPC
// handlers can surface them as retryable and the liveness sweep can skip
// the current pass instead of treating the error as fatal.
func WrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if IsConnectivityError(err) {
		return fmt.Errorf("%s: %w: %w", op, types.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
