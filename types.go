package taskplane

import "github.com/taskplane/taskplane/types"

// Re-export types from the types subpackage.
//
// This file provides a stable public API for the library's core types. It
// uses type aliases to re-export definitions from the `types` subpackage,
// which contains the actual implementations.
//
// This pattern solves the "import cycle" problem by allowing internal
// packages to depend on `types` without depending on the root taskplane
// package, while still providing a convenient `taskplane.TaskRecord`,
// `taskplane.Logger`, etc. for users.
type (
	TaskRecord   = types.TaskRecord
	TaskState    = types.TaskState
	TaskType     = types.TaskType
	Schedule     = types.Schedule
	ClientParams = types.ClientParams
	Param        = types.Param
	CallIdentity = types.CallIdentity
)

// Re-export interfaces from the types subpackage for convenience.
type (
	LifecycleOrchestrator = types.LifecycleOrchestrator
	CredentialSource      = types.CredentialSource
	DelegateToken         = types.DelegateToken
	TokenStatus           = types.TokenStatus
	MetricsCollector      = types.MetricsCollector
	Logger                = types.Logger
)

// Re-export task state constants.
const (
	TaskUnassigned  = types.TaskUnassigned
	TaskAssigned    = types.TaskAssigned
	TaskRebalancing = types.TaskRebalancing
)

// Re-export built-in task types.
const (
	TaskTypeK8sWatch = types.TaskTypeK8sWatch
	TaskTypeECSPoll  = types.TaskTypeECSPoll
)

// Re-export token status constants.
const (
	TokenActive  = types.TokenActive
	TokenRevoked = types.TokenRevoked
)
