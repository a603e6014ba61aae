// Package engine implements the assignment and heartbeat core of the
// control plane.
//
// Per task the state machine is driven purely by stored epochs and
// timestamps, never by live socket state: a delegate that stops
// heartbeating is not cancelled, its silence is converted into a
// reassignment by the liveness sweep, and its later heartbeats are
// rejected by the epoch check.
package engine

import (
	"context"
	"fmt"

	"github.com/raulk/clock"

	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/internal/metrics"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/types"
)

// defaultListLimit bounds how many new assignments one List call may claim.
const defaultListLimit = 50

// Option configures optional Engine dependencies.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock used to stamp accepted heartbeats.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithListLimit bounds new assignments per List call.
func WithListLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.listLimit = limit
		}
	}
}

// Engine decides which delegate owns each task and tracks liveness.
//
// It holds no in-process locks: all cross-instance coordination happens
// through the store's atomic conditional updates, so any number of
// control-plane instances can run engines concurrently.
type Engine struct {
	store     store.Store
	listLimit int

	logger  types.Logger
	metrics types.MetricsCollector
	clock   clock.Clock
}

// New creates an engine over the given store.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		listLimit: defaultListLimit,
		logger:    logging.NewNop(),
		metrics:   metrics.NewNop(),
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// AssignToDelegate runs the per-call assignment pass for one polling
// delegate.
//
// It reconfirms records the delegate already owns, then attempts a
// compare-and-assign on a bounded batch of the account's assignable
// records. Only CAS winners are returned: a record lost to another
// delegate's concurrent List call simply does not appear, which is the
// whole exclusivity guarantee. No cross-delegate balancing is attempted.
func (e *Engine) AssignToDelegate(ctx context.Context, accountID, delegateID string) ([]*types.TaskRecord, error) {
	owned, err := e.store.ListDelegate(ctx, accountID, delegateID)
	if err != nil {
		return nil, fmt.Errorf("reconfirm owned tasks: %w", err)
	}

	candidates, err := e.store.ListUnassigned(ctx, accountID, e.listLimit)
	if err != nil {
		return nil, fmt.Errorf("list assignable tasks: %w", err)
	}

	for _, cand := range candidates {
		won, err := e.store.CompareAndAssign(ctx, cand.ID, cand.Epoch, delegateID)
		if err != nil {
			return nil, fmt.Errorf("assign task %s: %w", cand.ID, err)
		}

		if !won {
			e.metrics.RecordAssignmentLost()
			continue
		}

		e.metrics.RecordAssignmentWon(string(cand.Type))
		e.logger.Info("task assigned", "task_id", cand.ID, "delegate", delegateID, "epoch", cand.Epoch+1)

		// Reflect the CAS result locally instead of re-reading: a winning
		// CAS from expectedEpoch always lands on expectedEpoch+1.
		assigned := cand.Clone()
		assigned.State = types.TaskAssigned
		assigned.DelegateID = delegateID
		assigned.Epoch = cand.Epoch + 1

		owned = append(owned, assigned)
	}

	return owned, nil
}

// Heartbeat records delegate liveness for one task.
//
// The accepted timestamp is the control plane's own clock, never the
// delegate's, so skew between delegate clocks cannot affect sweep
// decisions. The caller's account scopes the call: a record belonging
// to another account is treated like a stale claim. A false return means
// the claim did not hold or the record is gone; delegates treat that as
// "stop executing this id", it is not an error.
func (e *Engine) Heartbeat(ctx context.Context, accountID, id, delegateID string, epoch uint64, result []byte) (bool, error) {
	accepted, err := e.store.RecordHeartbeat(ctx, accountID, id, delegateID, epoch, e.clock.Now(), result)
	if err != nil {
		return false, err
	}

	e.metrics.RecordHeartbeat(accepted)

	if !accepted {
		e.logger.Debug("stale heartbeat dropped", "task_id", id, "delegate", delegateID, "epoch", epoch)
	}

	return accepted, nil
}

// TaskContext returns the execution context for a task the delegate owns.
//
// Fails with types.ErrNotOwner when the caller has been superseded or the
// record belongs to another account, so neither a stale delegate nor a
// tenant reusing the same delegate id can pull the parameters. The account
// check matters because delegate ids are caller-chosen and collide across
// accounts.
func (e *Engine) TaskContext(ctx context.Context, accountID, id, delegateID string) (*types.TaskRecord, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.AccountID != accountID || rec.State != types.TaskAssigned || rec.DelegateID != delegateID {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotOwner)
	}

	return rec, nil
}
