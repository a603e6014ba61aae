package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from request handlers and internal goroutines and
// must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	AssignmentMetrics
	SweepMetrics
	AuthMetrics
	RPCMetrics
	StoreMetrics
}

// AssignmentMetrics defines metrics for the assignment and heartbeat engine.
type AssignmentMetrics interface {
	// RecordAssignmentWon records a successful compare-and-assign for a task
	// of the given type.
	RecordAssignmentWon(taskType string)

	// RecordAssignmentLost records a compare-and-assign that lost the race
	// to another delegate's List call.
	RecordAssignmentLost()

	// RecordHeartbeat records a heartbeat outcome. accepted is false when
	// the heartbeat carried a stale epoch or wrong delegate id.
	RecordHeartbeat(accepted bool)
}

// SweepMetrics defines metrics for the liveness sweep.
type SweepMetrics interface {
	// RecordSweepPass records one completed sweep pass.
	//
	// Parameters:
	//   - scanned: Number of assigned records examined
	//   - unassigned: Number of records returned to the unassigned pool
	//   - duration: Pass duration in seconds
	RecordSweepPass(scanned, unassigned int, duration float64)

	// RecordSweepError records a sweep pass skipped due to a store error.
	RecordSweepError()
}

// AuthMetrics defines metrics for the delegate-channel auth gate.
type AuthMetrics interface {
	// RecordAuthOutcome records an authentication attempt result.
	//
	// Parameters:
	//   - outcome: "ok", "access_denied", "invalid", "revoked" or "expired"
	RecordAuthOutcome(outcome string)

	// RecordAuthCache records a hit or miss on one of the gate's TTL caches.
	//
	// Parameters:
	//   - cache: "account_key" or "token_status"
	//   - hit: true on cache hit
	RecordAuthCache(cache string, hit bool)
}

// RPCMetrics defines metrics for the control-plane RPC service.
type RPCMetrics interface {
	// RecordRPCDuration records the handling latency of one RPC.
	//
	// Parameters:
	//   - method: "list", "context" or "heartbeat"
	//   - duration: Time taken in seconds
	RecordRPCDuration(method string, duration float64)
}

// StoreMetrics defines metrics for task store operations.
type StoreMetrics interface {
	// RecordKVOperationDuration records NATS KV operation latency.
	//
	// Parameters:
	//   - operation: Operation type ("get", "put", "update", "delete", "keys")
	//   - duration: Time taken in seconds
	RecordKVOperationDuration(operation string, duration float64)
}
