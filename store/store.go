// Package store defines the task registry contract.
//
// The store is the single shared mutable resource of the control plane and
// the source of truth for assignment state. Every mutation is a single
// atomic conditional operation keyed by task id; no in-process locks are
// safe because calls may be handled by different control-plane instances.
//
// The production implementation lives in store/natskv, backed by NATS
// JetStream KV with revision-based compare-and-swap.
package store

import (
	"context"
	"time"

	"github.com/taskplane/taskplane/types"
)

// Store is the durable perpetual-task registry.
//
// Implementations must make CompareAndAssign, RecordHeartbeat and
// ForceUnassign atomic conditional updates: concurrent callers racing on
// the same task id are resolved by the store, and exactly one
// CompareAndAssign per epoch can succeed.
type Store interface {
	// Create allocates a new task record in the unassigned pool with epoch 0
	// and returns its id. The schedule is resolved from the policy table at
	// creation time. Idempotent per (accountID, ownerHandle): when the owner
	// already has a live task attached, the existing id is returned and no
	// new record is written.
	//
	// Returns types.ErrInvalidTaskType for a type without a policy entry.
	Create(ctx context.Context, accountID string, taskType types.TaskType, params types.ClientParams, ownerHandle string) (string, error)

	// Get returns the current record for id, or types.ErrTaskNotFound.
	Get(ctx context.Context, id string) (*types.TaskRecord, error)

	// ListUnassigned returns up to limit records in the account's
	// assignable pool (unassigned or rebalancing).
	ListUnassigned(ctx context.Context, accountID string, limit int) ([]*types.TaskRecord, error)

	// ListDelegate returns the records currently assigned to delegateID in
	// the account, used to reconfirm existing ownership on List calls.
	ListDelegate(ctx context.Context, accountID, delegateID string) ([]*types.TaskRecord, error)

	// ListAssigned returns up to limit assigned records whose id hashes into
	// the given shard. Sharding bounds the work of one sweep pass and lets
	// concurrent control-plane instances sweep disjoint slices.
	ListAssigned(ctx context.Context, shard, numShards uint32, limit int) ([]*types.TaskRecord, error)

	// CompareAndAssign atomically assigns the task to delegateID if and only
	// if the record's epoch still equals expectedEpoch and its state is
	// assignable. On success the state becomes assigned and the epoch is
	// bumped. Returns false (no error) when the record changed underneath
	// the caller; this is the normal lost-race outcome.
	CompareAndAssign(ctx context.Context, id string, expectedEpoch uint64, delegateID string) (bool, error)

	// RecordHeartbeat updates the record's last-heartbeat time and optional
	// result payload if and only if the record belongs to accountID, the
	// epoch matches and the record is assigned to delegateID. Returns false
	// (no error) for wrong accounts, stale epochs or wrong delegates; the
	// caller treats that as "superseded".
	RecordHeartbeat(ctx context.Context, accountID, id, delegateID string, epoch uint64, ts time.Time, result []byte) (bool, error)

	// RevokeIfStale returns the record to the rebalancing pool only if it is
	// currently assigned and its heartbeat deadline (last heartbeat plus the
	// schedule timeout) has passed as of now. The staleness check runs
	// against the freshly read record inside the conditional update, so a
	// heartbeat accepted concurrently keeps the assignment. Returns false
	// (no error) when the record is fresh, unassigned or gone.
	RevokeIfStale(ctx context.Context, id string, now time.Time) (bool, error)

	// ForceUnassign clears the delegate and returns the record to the
	// assignable pool with a bumped epoch, regardless of current state.
	// to distinguishes a sweep revocation (TaskRebalancing) from an owner
	// reset (TaskUnassigned) and must be an assignable state. Returns false
	// when the record was already in the requested state with no delegate.
	ForceUnassign(ctx context.Context, id string, to types.TaskState) (bool, error)

	// Delete removes the record and detaches it from its owner. Terminal.
	// Deleting an already-deleted id returns types.ErrTaskNotFound.
	Delete(ctx context.Context, id string) error

	// TasksForOwner returns the ids attached to ownerHandle in the account.
	// An owner with no attached tasks yields an empty slice, not an error.
	TasksForOwner(ctx context.Context, accountID, ownerHandle string) ([]string, error)
}
