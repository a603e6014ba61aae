package types

import "time"

// TaskType identifies the kind of perpetual task and determines how its
// client parameters are interpreted by the delegate-side handler.
//
// The schedule policy table maps each type to a poll interval and a
// heartbeat timeout at creation time.
type TaskType string

// Built-in task types covered by the default policy table.
const (
	// TaskTypeK8sWatch watches a Kubernetes cluster's events.
	TaskTypeK8sWatch TaskType = "K8S_WATCH"

	// TaskTypeECSPoll polls an ECS cluster's state against the slower AWS API.
	TaskTypeECSPoll TaskType = "ECS_POLL"
)

// TaskState represents the assignment lifecycle state of a task.
//
// States follow a defined progression during normal operation:
//
//	TaskUnassigned → (assign) → TaskAssigned → (heartbeat timeout) → TaskRebalancing → (assign) → TaskAssigned
//
// ResetForOwner and DeleteForOwner can force any state back to
// TaskUnassigned or remove the record entirely.
type TaskState int

const (
	// TaskUnassigned indicates no delegate currently owns the task.
	TaskUnassigned TaskState = iota

	// TaskAssigned indicates a delegate owns the task and is expected to heartbeat.
	TaskAssigned

	// TaskRebalancing indicates ownership was revoked after a heartbeat timeout
	// and the task is awaiting pickup by the next List call.
	TaskRebalancing
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	switch s {
	case TaskUnassigned:
		return "Unassigned"
	case TaskAssigned:
		return "Assigned"
	case TaskRebalancing:
		return "Rebalancing"
	default:
		return "Unknown"
	}
}

// Assignable reports whether a task in this state may be claimed by a delegate.
//
// Both TaskUnassigned and TaskRebalancing are claimable; TaskRebalancing is
// only a bookkeeping distinction for tasks that lost their owner to a
// heartbeat timeout rather than never having had one.
func (s TaskState) Assignable() bool {
	return s == TaskUnassigned || s == TaskRebalancing
}

// Schedule holds the poll interval and heartbeat timeout for a task.
//
// It is derived from the task type via the policy table at creation time and
// is not recomputed later unless the task is reset.
type Schedule struct {
	// Interval is how often the delegate should execute the task.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Timeout is how long the control plane waits for a heartbeat before
	// revoking ownership.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Param is a single client parameter entry.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ClientParams is an ordered set of opaque string parameters supplied by the
// caller at creation and returned verbatim to the owning delegate.
//
// Order is preserved across storage round-trips, which is why this is a slice
// rather than a map.
type ClientParams []Param

// Get returns the value for key and whether it was present.
func (p ClientParams) Get(key string) (string, bool) {
	for _, e := range p {
		if e.Key == key {
			return e.Value, true
		}
	}

	return "", false
}

// Clone returns a deep copy of the parameter list.
func (p ClientParams) Clone() ClientParams {
	if p == nil {
		return nil
	}

	out := make(ClientParams, len(p))
	copy(out, p)

	return out
}

// TaskRecord is the durable registry record for one perpetual task.
//
// Records are mutated only through Store operations; every mutation that
// changes State or DelegateID bumps Epoch, which imposes a total order on
// ownership transitions and lets the control plane reject stale heartbeats
// without comparing timestamps across skewed clocks.
type TaskRecord struct {
	// ID is the opaque, globally unique task identifier assigned at creation.
	ID string `json:"id"`

	// AccountID scopes the task to a tenant. All operations are implicitly
	// account-scoped.
	AccountID string `json:"account_id"`

	// Type determines the schedule policy and how ClientParams are
	// interpreted downstream.
	Type TaskType `json:"type"`

	// OwnerHandle is an opaque back-reference to the external entity this
	// task monitors (e.g. a cluster record id). The core performs no logic
	// on it beyond exposing it to the lifecycle orchestrator.
	OwnerHandle string `json:"owner_handle"`

	// ClientParams is the opaque parameter blob stored at creation and
	// returned verbatim via the Context call.
	ClientParams ClientParams `json:"client_params,omitempty"`

	// Schedule is the resolved interval/timeout pair for this task.
	Schedule Schedule `json:"schedule"`

	// State is the current assignment lifecycle state.
	State TaskState `json:"state"`

	// DelegateID is the delegate currently owning the task, or empty when
	// the task is unassigned.
	DelegateID string `json:"delegate_id,omitempty"`

	// Epoch is the monotonically increasing assignment epoch. It is bumped
	// on every transition that changes DelegateID or State.
	Epoch uint64 `json:"epoch"`

	// LastHeartbeatAt is the time of the last accepted heartbeat. Zero when
	// no heartbeat has been accepted for the current assignment.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`

	// LastResult is the most recent heartbeat result payload, stored
	// verbatim. Optional.
	LastResult []byte `json:"last_result,omitempty"`

	// CreatedAt is the record creation time.
	CreatedAt time.Time `json:"created_at"`
}

// OwnedBy reports whether the record is currently assigned to delegateID at
// the given epoch.
func (r *TaskRecord) OwnedBy(delegateID string, epoch uint64) bool {
	return r.State == TaskAssigned && r.DelegateID == delegateID && r.Epoch == epoch
}

// Clone returns a deep copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	out := *r
	out.ClientParams = r.ClientParams.Clone()

	if r.LastResult != nil {
		out.LastResult = make([]byte, len(r.LastResult))
		copy(out.LastResult, r.LastResult)
	}

	return &out
}
