package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskStateString(t *testing.T) {
	require.Equal(t, "Unassigned", TaskUnassigned.String())
	require.Equal(t, "Assigned", TaskAssigned.String())
	require.Equal(t, "Rebalancing", TaskRebalancing.String())
	require.Equal(t, "Unknown", TaskState(99).String())
}

func TestTaskStateAssignable(t *testing.T) {
	require.True(t, TaskUnassigned.Assignable())
	require.True(t, TaskRebalancing.Assignable())
	require.False(t, TaskAssigned.Assignable())
}

func TestClientParams(t *testing.T) {
	params := ClientParams{
		{Key: "endpoint", Value: "https://k8s.example.com"},
		{Key: "namespace", Value: "prod"},
	}

	v, ok := params.Get("namespace")
	require.True(t, ok)
	require.Equal(t, "prod", v)

	_, ok = params.Get("missing")
	require.False(t, ok)

	clone := params.Clone()
	clone[0].Value = "mutated"
	require.Equal(t, "https://k8s.example.com", params[0].Value)

	require.Nil(t, ClientParams(nil).Clone())
}

func TestOwnedBy(t *testing.T) {
	rec := &TaskRecord{State: TaskAssigned, DelegateID: "delegate-a", Epoch: 3}

	require.True(t, rec.OwnedBy("delegate-a", 3))
	require.False(t, rec.OwnedBy("delegate-a", 2))
	require.False(t, rec.OwnedBy("delegate-b", 3))

	rec.State = TaskRebalancing
	require.False(t, rec.OwnedBy("delegate-a", 3))
}

func TestTaskRecordClone(t *testing.T) {
	rec := &TaskRecord{
		ID:           "acme.1",
		ClientParams: ClientParams{{Key: "k", Value: "v"}},
		LastResult:   []byte("result"),
		CreatedAt:    time.Now(),
	}

	clone := rec.Clone()
	clone.ClientParams[0].Value = "mutated"
	clone.LastResult[0] = 'X'

	require.Equal(t, "v", rec.ClientParams[0].Value)
	require.Equal(t, byte('r'), rec.LastResult[0])
}
