// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/taskplane/taskplane/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external metrics
// collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordAssignmentWon discards the assignment metric.
func (n *NopMetrics) RecordAssignmentWon(_ string) {}

// RecordAssignmentLost discards the assignment metric.
func (n *NopMetrics) RecordAssignmentLost() {}

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ bool) {}

// RecordSweepPass discards the sweep pass metric.
func (n *NopMetrics) RecordSweepPass(_, _ int, _ float64) {}

// RecordSweepError discards the sweep error metric.
func (n *NopMetrics) RecordSweepError() {}

// RecordAuthOutcome discards the auth outcome metric.
func (n *NopMetrics) RecordAuthOutcome(_ string) {}

// RecordAuthCache discards the auth cache metric.
func (n *NopMetrics) RecordAuthCache(_ string, _ bool) {}

// RecordRPCDuration discards the RPC latency metric.
func (n *NopMetrics) RecordRPCDuration(_ string, _ float64) {}

// RecordKVOperationDuration discards the KV latency metric.
func (n *NopMetrics) RecordKVOperationDuration(_ string, _ float64) {}
