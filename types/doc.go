// Package types provides core type definitions and interfaces for the Taskplane library.
//
// This package contains shared types that are used across multiple packages in the
// Taskplane library. By keeping these types in a separate package, we avoid import
// cycles between the main taskplane package and its internal implementations.
//
// Key types:
//   - TaskRecord: Durable perpetual-task registry record
//   - TaskState: Task assignment lifecycle state
//   - Schedule: Poll interval and heartbeat timeout for a task type
//   - CredentialSource: Account credential lookup for the auth gate
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
