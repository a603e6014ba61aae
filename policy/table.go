// Package policy provides the schedule policy table mapping task types to
// their poll interval and heartbeat timeout.
//
// The table is a plain immutable lookup built at startup and injected into
// the components that need it. An unknown task type is a configuration
// error caught by Validate at startup, not at call time.
package policy

import (
	"fmt"
	"time"

	"github.com/taskplane/taskplane/types"
)

// Table maps task types to schedules. Build it once at startup; it is
// immutable afterwards and safe for concurrent use.
type Table struct {
	schedules map[types.TaskType]types.Schedule
}

// New builds a table from an explicit type → schedule mapping.
//
// The mapping is copied; the caller's map is not retained.
func New(schedules map[types.TaskType]types.Schedule) *Table {
	m := make(map[types.TaskType]types.Schedule, len(schedules))
	for t, s := range schedules {
		m[t] = s
	}

	return &Table{schedules: m}
}

// Default returns the table covering the built-in task types:
//
//	K8S_WATCH: 1-minute interval, 30-second timeout
//	ECS_POLL:  10-minute interval, 3-minute timeout
func Default() *Table {
	return New(map[types.TaskType]types.Schedule{
		types.TaskTypeK8sWatch: {Interval: time.Minute, Timeout: 30 * time.Second},
		types.TaskTypeECSPoll:  {Interval: 10 * time.Minute, Timeout: 3 * time.Minute},
	})
}

// For returns the schedule for taskType and whether the type is known.
func (t *Table) For(taskType types.TaskType) (types.Schedule, bool) {
	s, ok := t.schedules[taskType]
	return s, ok
}

// Types returns all task types the table covers, in no particular order.
func (t *Table) Types() []types.TaskType {
	out := make([]types.TaskType, 0, len(t.schedules))
	for tt := range t.schedules {
		out = append(out, tt)
	}

	return out
}

// Validate checks every entry for usable values. Intended to run at startup
// so a misconfigured table fails fast instead of at task creation.
func (t *Table) Validate() error {
	if len(t.schedules) == 0 {
		return fmt.Errorf("policy table is empty")
	}

	for tt, s := range t.schedules {
		if s.Interval <= 0 {
			return fmt.Errorf("task type %s: interval must be positive, got %v", tt, s.Interval)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("task type %s: timeout must be positive, got %v", tt, s.Timeout)
		}
	}

	return nil
}
