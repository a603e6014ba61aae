package natskv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/policy"
	tptest "github.com/taskplane/taskplane/testing"
	"github.com/taskplane/taskplane/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	_, nc := tptest.StartEmbeddedNATS(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	st, err := New(context.Background(), js, policy.Default(), Config{
		TasksBucket:  "test-tasks",
		OwnersBucket: "test-owners",
	}, WithLogger(tptest.NewTestLogger(t)))
	require.NoError(t, err)

	return st
}

func TestCreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	params := types.ClientParams{{Key: "endpoint", Value: "https://k8s.example.com"}}

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, params, "cluster-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)
	require.Equal(t, "acme", rec.AccountID)
	require.Equal(t, types.TaskTypeK8sWatch, rec.Type)
	require.Equal(t, "cluster-1", rec.OwnerHandle)
	require.Equal(t, params, rec.ClientParams)
	require.Equal(t, types.TaskUnassigned, rec.State)
	require.Zero(t, rec.Epoch)
	require.NotZero(t, rec.Schedule.Interval)
	require.NotZero(t, rec.Schedule.Timeout)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestCreateUnknownType(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Create(context.Background(), "acme", "NO_SUCH_TYPE", nil, "cluster-1")
	require.ErrorIs(t, err, types.ErrInvalidTaskType)
}

func TestCreateIdempotentPerOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	second, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)
	require.Equal(t, first, second, "same owner must keep its original task")

	other, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-2")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestCreateIdempotentUnderConcurrency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			id, err := st.Create(ctx, "acme", types.TaskTypeECSPoll, nil, "cluster-1")
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		require.Equal(t, ids[0], id)
	}

	attached, err := st.TasksForOwner(ctx, "acme", "cluster-1")
	require.NoError(t, err)
	require.Len(t, attached, 1)
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Get(context.Background(), "acme.missing")
	require.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestCompareAndAssign(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	won, err := st.CompareAndAssign(ctx, id, 0, "delegate-a")
	require.NoError(t, err)
	require.True(t, won)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskAssigned, rec.State)
	require.Equal(t, "delegate-a", rec.DelegateID)
	require.Equal(t, uint64(1), rec.Epoch)
	require.False(t, rec.LastHeartbeatAt.IsZero(), "assignment must prime the heartbeat clock")

	// Stale epoch and already-assigned state both lose quietly.
	won, err = st.CompareAndAssign(ctx, id, 0, "delegate-b")
	require.NoError(t, err)
	require.False(t, won)

	won, err = st.CompareAndAssign(ctx, id, 1, "delegate-b")
	require.NoError(t, err)
	require.False(t, won)
}

func TestCompareAndAssignSingleWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	const racers = 10
	winners := 0

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			won, err := st.CompareAndAssign(ctx, id, 0, fmt.Sprintf("delegate-%d", i))
			require.NoError(t, err)

			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners, "exactly one racer may win an epoch")

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Epoch)
}

func TestCompareAndAssignMissingTask(t *testing.T) {
	st := newTestStore(t)

	won, err := st.CompareAndAssign(context.Background(), "acme.missing", 0, "delegate-a")
	require.NoError(t, err)
	require.False(t, won)
}

func TestRecordHeartbeat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	_, err = st.CompareAndAssign(ctx, id, 0, "delegate-a")
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := st.RecordHeartbeat(ctx, "acme", id, "delegate-a", 1, ts, []byte(`{"pods":4}`))
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.LastHeartbeatAt.Equal(ts))
	require.Equal(t, []byte(`{"pods":4}`), rec.LastResult)

	// Wrong delegate, foreign account and stale epoch are quiet rejections.
	ok, err = st.RecordHeartbeat(ctx, "acme", id, "delegate-b", 1, ts, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = st.RecordHeartbeat(ctx, "globex", id, "delegate-a", 1, ts, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = st.RecordHeartbeat(ctx, "acme", id, "delegate-a", 0, ts, nil)
	require.NoError(t, err)
	require.False(t, ok)

	// Heartbeat without a result keeps the previous payload.
	ok, err = st.RecordHeartbeat(ctx, "acme", id, "delegate-a", 1, ts.Add(time.Minute), nil)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"pods":4}`), rec.LastResult)
}

func TestForceUnassign(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	_, err = st.CompareAndAssign(ctx, id, 0, "delegate-a")
	require.NoError(t, err)

	changed, err := st.ForceUnassign(ctx, id, types.TaskRebalancing)
	require.NoError(t, err)
	require.True(t, changed)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskRebalancing, rec.State)
	require.Empty(t, rec.DelegateID)
	require.Equal(t, uint64(2), rec.Epoch)
	require.True(t, rec.LastHeartbeatAt.IsZero())

	// Already released in the requested state: nothing to change.
	changed, err = st.ForceUnassign(ctx, id, types.TaskRebalancing)
	require.NoError(t, err)
	require.False(t, changed)

	// Rebalancing to unassigned is still a state change (owner reset).
	changed, err = st.ForceUnassign(ctx, id, types.TaskUnassigned)
	require.NoError(t, err)
	require.True(t, changed)

	// Assigned is not a legal target.
	_, err = st.ForceUnassign(ctx, id, types.TaskAssigned)
	require.Error(t, err)
}

func TestRevokeIfStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	_, err = st.CompareAndAssign(ctx, id, 0, "delegate-a")
	require.NoError(t, err)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	deadline := rec.LastHeartbeatAt.Add(rec.Schedule.Timeout)

	// Inside the window the assignment holds.
	revoked, err := st.RevokeIfStale(ctx, id, deadline)
	require.NoError(t, err)
	require.False(t, revoked)

	rec, err = st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskAssigned, rec.State)
	require.Equal(t, "delegate-a", rec.DelegateID)

	// Past the deadline the record is returned for rebalancing.
	revoked, err = st.RevokeIfStale(ctx, id, deadline.Add(time.Second))
	require.NoError(t, err)
	require.True(t, revoked)

	rec, err = st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskRebalancing, rec.State)
	require.Empty(t, rec.DelegateID)
	require.Equal(t, uint64(2), rec.Epoch)

	// No longer assigned: nothing to revoke.
	revoked, err = st.RevokeIfStale(ctx, id, deadline.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, revoked)

	// A fresh heartbeat read at revoke time keeps the assignment even when
	// the caller decided staleness from an older snapshot.
	_, err = st.CompareAndAssign(ctx, id, 2, "delegate-b")
	require.NoError(t, err)

	now := time.Now().UTC()
	ok, err := st.RecordHeartbeat(ctx, "acme", id, "delegate-b", 3, now, nil)
	require.NoError(t, err)
	require.True(t, ok)

	revoked, err = st.RevokeIfStale(ctx, id, now)
	require.NoError(t, err)
	require.False(t, revoked)

	revoked, err = st.RevokeIfStale(ctx, "acme.missing", now)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	require.NoError(t, st.Delete(ctx, id))

	_, err = st.Get(ctx, id)
	require.ErrorIs(t, err, types.ErrTaskNotFound)

	require.ErrorIs(t, st.Delete(ctx, id), types.ErrTaskNotFound)

	// Owner is detached: a new create for the same owner gets a fresh task.
	attached, err := st.TasksForOwner(ctx, "acme", "cluster-1")
	require.NoError(t, err)
	require.Empty(t, attached)

	fresh, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)
	require.NotEqual(t, id, fresh)
}

func TestListUnassigned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, fmt.Sprintf("cluster-%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// A task in another account must never leak into the listing.
	_, err := st.Create(ctx, "globex", types.TaskTypeK8sWatch, nil, "cluster-x")
	require.NoError(t, err)

	pool, err := st.ListUnassigned(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pool, 3)
	for _, rec := range pool {
		require.Equal(t, "acme", rec.AccountID)
	}

	// Assigned tasks drop out; rebalancing ones come back.
	_, err = st.CompareAndAssign(ctx, ids[0], 0, "delegate-a")
	require.NoError(t, err)

	pool, err = st.ListUnassigned(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pool, 2)

	_, err = st.ForceUnassign(ctx, ids[0], types.TaskRebalancing)
	require.NoError(t, err)

	pool, err = st.ListUnassigned(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pool, 3)

	// Limit caps the batch.
	pool, err = st.ListUnassigned(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, pool, 2)
}

func TestListDelegate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	idA, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)
	idB, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster-2")
	require.NoError(t, err)

	_, err = st.CompareAndAssign(ctx, idA, 0, "delegate-a")
	require.NoError(t, err)
	_, err = st.CompareAndAssign(ctx, idB, 0, "delegate-b")
	require.NoError(t, err)

	owned, err := st.ListDelegate(ctx, "acme", "delegate-a")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, idA, owned[0].ID)
}

func TestListAssignedShards(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const numTasks = 6
	for i := range numTasks {
		id, err := st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, fmt.Sprintf("cluster-%d", i))
		require.NoError(t, err)

		_, err = st.CompareAndAssign(ctx, id, 0, "delegate-a")
		require.NoError(t, err)
	}

	// Disjoint shards partition the assigned set exactly.
	const numShards = 4
	total := 0
	for shard := uint32(0); shard < numShards; shard++ {
		recs, err := st.ListAssigned(ctx, shard, numShards, 0)
		require.NoError(t, err)
		total += len(recs)
	}

	require.Equal(t, numTasks, total)

	all, err := st.ListAssigned(ctx, 0, 1, 0)
	require.NoError(t, err)
	require.Len(t, all, numTasks)
}

func TestCreateRejectsWildcardKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Create(ctx, "acme corp", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.Error(t, err)

	_, err = st.Create(ctx, "acme", types.TaskTypeK8sWatch, nil, "cluster.*")
	require.Error(t, err)
}
