package types

import "context"

// LifecycleOrchestrator is the owner-facing API that keeps perpetual tasks
// in sync with the existence of the thing being monitored.
//
// Components reacting to upstream domain events (cluster CRUD, credential
// rotation) should depend only on this interface, never on store internals.
// Callers enforce their own domain policy (per-account caps, feature flags)
// before calling CreateForOwner; the core does not know about such limits.
type LifecycleOrchestrator interface {
	// CreateForOwner creates a perpetual task attached to ownerHandle.
	// Idempotent: if the owner already has an attached task the existing id
	// is returned unchanged, regardless of the params passed.
	CreateForOwner(ctx context.Context, accountID, ownerHandle string, taskType TaskType, params ClientParams) (string, error)

	// ResetForOwner forces every task attached to the owner back to the
	// unassigned pool with a fresh epoch. Used after the monitored entity's
	// credentials or config changed, so no stale delegate keeps acting on
	// old parameters.
	ResetForOwner(ctx context.Context, accountID, ownerHandle string) error

	// DeleteForOwner deletes every task attached to the owner and detaches
	// them. Terminal: no further operations on the deleted ids succeed.
	DeleteForOwner(ctx context.Context, accountID, ownerHandle string) error
}
