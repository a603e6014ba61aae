package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/types"
)

func TestDefaultTable(t *testing.T) {
	tbl := Default()
	require.NoError(t, tbl.Validate())

	s, ok := tbl.For(types.TaskTypeK8sWatch)
	require.True(t, ok)
	require.Equal(t, time.Minute, s.Interval)
	require.Equal(t, 30*time.Second, s.Timeout)

	s, ok = tbl.For(types.TaskTypeECSPoll)
	require.True(t, ok)
	require.Equal(t, 10*time.Minute, s.Interval)
	require.Equal(t, 3*time.Minute, s.Timeout)
}

func TestUnknownType(t *testing.T) {
	tbl := Default()

	_, ok := tbl.For(types.TaskType("BOGUS"))
	require.False(t, ok)
}

func TestValidateRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name     string
		schedule types.Schedule
	}{
		{"zero interval", types.Schedule{Interval: 0, Timeout: time.Second}},
		{"negative timeout", types.Schedule{Interval: time.Minute, Timeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := New(map[types.TaskType]types.Schedule{"T": tt.schedule})
			require.Error(t, tbl.Validate())
		})
	}
}

func TestValidateRejectsEmptyTable(t *testing.T) {
	require.Error(t, New(nil).Validate())
}

func TestNewCopiesInput(t *testing.T) {
	src := map[types.TaskType]types.Schedule{
		types.TaskTypeK8sWatch: {Interval: time.Minute, Timeout: time.Second},
	}
	tbl := New(src)

	src[types.TaskTypeK8sWatch] = types.Schedule{Interval: time.Hour, Timeout: time.Hour}

	s, ok := tbl.For(types.TaskTypeK8sWatch)
	require.True(t, ok)
	require.Equal(t, time.Minute, s.Interval)
}
