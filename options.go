package taskplane

import (
	"github.com/raulk/clock"

	"github.com/taskplane/taskplane/policy"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/types"
)

// Option configures a Server with optional dependencies.
type Option func(*serverOptions)

// serverOptions holds optional Server configuration.
type serverOptions struct {
	logger      types.Logger
	metrics     types.MetricsCollector
	clock       clock.Clock
	table       *policy.Table
	store       store.Store
	credentials types.CredentialSource
}

// WithLogger sets a logger. Defaults to a no-op logger.
func WithLogger(logger types.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// WithMetrics sets a metrics collector. Defaults to no-op metrics.
//
// Example:
//
//	srv, err := taskplane.NewServer(&cfg, conn,
//	    taskplane.WithMetrics(metrics.NewPrometheus(nil, "taskplane")))
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *serverOptions) { o.metrics = m }
}

// WithClock sets the clock driving heartbeat stamping, token expiry checks
// and the sweep. Tests inject a mock clock to control timeout expiry.
func WithClock(c clock.Clock) Option {
	return func(o *serverOptions) { o.clock = c }
}

// WithPolicyTable sets a custom schedule policy table. Defaults to
// policy.Default(). The table is validated during NewServer.
func WithPolicyTable(table *policy.Table) Option {
	return func(o *serverOptions) { o.table = table }
}

// WithStore sets a custom task store, bypassing the NATS KV store the
// server would otherwise build during Start.
func WithStore(st store.Store) Option {
	return func(o *serverOptions) { o.store = st }
}

// WithCredentialSource sets a custom credential source for the auth gate,
// bypassing the NATS KV credential store.
func WithCredentialSource(src types.CredentialSource) Option {
	return func(o *serverOptions) { o.credentials = src }
}
