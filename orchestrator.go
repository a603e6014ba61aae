package taskplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/types"
)

// Orchestrator is the owner-facing lifecycle façade over the task store.
//
// External owners (cluster lifecycles, account CRUD handlers) call it to
// keep tasks in sync with the entities being monitored. It carries no
// policy of its own: capacity limits and feature gating belong to callers.
type Orchestrator struct {
	store  store.Store
	logger types.Logger
}

// Compile-time assertion that Orchestrator implements the lifecycle API.
var _ types.LifecycleOrchestrator = (*Orchestrator)(nil)

// NewOrchestrator creates an orchestrator over the given store.
func NewOrchestrator(st store.Store, logger types.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Orchestrator{store: st, logger: logger}
}

// CreateForOwner creates a task attached to ownerHandle, or returns the
// already-attached id unchanged. Idempotency lives in the store's atomic
// owner-attachment claim, so concurrent creates across control-plane
// instances still converge on one task.
func (o *Orchestrator) CreateForOwner(ctx context.Context, accountID, ownerHandle string, taskType types.TaskType, params types.ClientParams) (string, error) {
	id, err := o.store.Create(ctx, accountID, taskType, params, ownerHandle)
	if err != nil {
		return "", fmt.Errorf("create task for owner %s: %w", ownerHandle, err)
	}

	return id, nil
}

// ResetForOwner forces every task attached to the owner back to the
// unassigned pool with a fresh epoch.
//
// The currently-assigned delegate learns of the reset only on its next
// heartbeat or context call, when the epoch mismatch tells it to stop;
// detection is eventually consistent, bounded by the delegate's own poll
// interval.
func (o *Orchestrator) ResetForOwner(ctx context.Context, accountID, ownerHandle string) error {
	ids, err := o.store.TasksForOwner(ctx, accountID, ownerHandle)
	if err != nil {
		return fmt.Errorf("list tasks for owner %s: %w", ownerHandle, err)
	}

	for _, id := range ids {
		if _, err := o.store.ForceUnassign(ctx, id, types.TaskUnassigned); err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				continue
			}

			return fmt.Errorf("reset task %s: %w", id, err)
		}

		o.logger.Info("task reset", "task_id", id, "owner", ownerHandle)
	}

	return nil
}

// DeleteForOwner deletes every task attached to the owner and detaches
// them. Terminal; racing deletes are tolerated.
func (o *Orchestrator) DeleteForOwner(ctx context.Context, accountID, ownerHandle string) error {
	ids, err := o.store.TasksForOwner(ctx, accountID, ownerHandle)
	if err != nil {
		return fmt.Errorf("list tasks for owner %s: %w", ownerHandle, err)
	}

	for _, id := range ids {
		if err := o.store.Delete(ctx, id); err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				continue
			}

			return fmt.Errorf("delete task %s: %w", id, err)
		}
	}

	return nil
}
