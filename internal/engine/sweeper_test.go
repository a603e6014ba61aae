package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/policy"
	tptest "github.com/taskplane/taskplane/testing"
	"github.com/taskplane/taskplane/types"
)

// sweepFixture is a store with one assigned task and a mock clock.
type sweepFixture struct {
	store *tptest.MemoryStore
	clock *clock.Mock
	id    string
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Unix(100000, 0))

	st := tptest.NewMemoryStore(nil)
	st.SetClock(mock)

	id, err := st.Create(context.Background(), "acme", types.TaskTypeK8sWatch, nil, "cluster-1")
	require.NoError(t, err)

	eng := New(st, WithClock(mock))
	owned, err := eng.AssignToDelegate(context.Background(), "acme", "delegate-a")
	require.NoError(t, err)
	require.Len(t, owned, 1)

	return &sweepFixture{store: st, clock: mock, id: id}
}

func (f *sweepFixture) timeout(t *testing.T) time.Duration {
	t.Helper()

	sched, ok := policy.Default().For(types.TaskTypeK8sWatch)
	require.True(t, ok)

	return sched.Timeout
}

func TestRunOnceLeavesFreshAssignmentAlone(t *testing.T) {
	f := newSweepFixture(t)
	sw := NewSweeper(f.store, SweeperConfig{}, WithSweeperClock(f.clock))

	f.clock.Add(f.timeout(t) - time.Second)

	scanned, released, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, scanned)
	require.Zero(t, released)
	require.Equal(t, types.TaskAssigned, f.store.Snapshot(f.id).State)
}

func TestRunOnceRevokesStaleAssignment(t *testing.T) {
	f := newSweepFixture(t)
	sw := NewSweeper(f.store, SweeperConfig{}, WithSweeperClock(f.clock))

	f.clock.Add(f.timeout(t) + time.Second)

	scanned, released, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, scanned)
	require.Equal(t, 1, released)

	rec := f.store.Snapshot(f.id)
	require.Equal(t, types.TaskRebalancing, rec.State)
	require.Empty(t, rec.DelegateID)
	require.Equal(t, uint64(2), rec.Epoch)
}

func TestRunOnceHeartbeatDefersRevocation(t *testing.T) {
	f := newSweepFixture(t)
	sw := NewSweeper(f.store, SweeperConfig{}, WithSweeperClock(f.clock))
	eng := New(f.store, WithClock(f.clock))

	timeout := f.timeout(t)

	// Heartbeat arrives just before the deadline, resetting it.
	f.clock.Add(timeout - time.Second)
	accepted, err := eng.Heartbeat(context.Background(), "acme", f.id, "delegate-a", 1, nil)
	require.NoError(t, err)
	require.True(t, accepted)

	// The original deadline passes; the refreshed one has not.
	f.clock.Add(2 * time.Second)

	_, released, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, released)
	require.Equal(t, types.TaskAssigned, f.store.Snapshot(f.id).State)
}

func TestRunOnceSkipsOtherShards(t *testing.T) {
	f := newSweepFixture(t)
	f.clock.Add(f.timeout(t) + time.Second)

	// With many shards the single task hashes into exactly one of them;
	// every pass over the others must not touch it.
	const numShards = 8
	touched := 0
	for shard := uint32(0); shard < numShards; shard++ {
		sw := NewSweeper(f.store, SweeperConfig{Shard: shard, NumShards: numShards},
			WithSweeperClock(f.clock))

		scanned, released, err := sw.RunOnce(context.Background())
		require.NoError(t, err)
		if scanned > 0 {
			require.Equal(t, 1, released)
			touched++
		}
	}

	require.Equal(t, 1, touched)
}

func TestRunOnceStoreUnavailable(t *testing.T) {
	f := newSweepFixture(t)
	sw := NewSweeper(f.store, SweeperConfig{}, WithSweeperClock(f.clock))

	f.store.FailWith = types.ErrStoreUnavailable

	_, _, err := sw.RunOnce(context.Background())
	require.ErrorIs(t, err, types.ErrStoreUnavailable)

	// Pass skipped, nothing revoked.
	f.store.FailWith = nil
	require.Equal(t, types.TaskAssigned, f.store.Snapshot(f.id).State)
}

func TestSweeperStartStop(t *testing.T) {
	f := newSweepFixture(t)
	sw := NewSweeper(f.store, SweeperConfig{Interval: time.Minute}, WithSweeperClock(f.clock))

	ctx := context.Background()
	require.NoError(t, sw.Start(ctx))
	require.ErrorIs(t, sw.Start(ctx), ErrSweeperStarted)

	require.NoError(t, sw.Stop(ctx))
	require.ErrorIs(t, sw.Stop(ctx), ErrSweeperNotStarted)
}

func TestSweeperPeriodicRun(t *testing.T) {
	f := newSweepFixture(t)
	sw := NewSweeper(f.store, SweeperConfig{Interval: time.Minute}, WithSweeperClock(f.clock))

	ctx := context.Background()
	require.NoError(t, sw.Start(ctx))
	defer func() { _ = sw.Stop(ctx) }()

	// Jump past the heartbeat timeout, then fire ticker intervals until the
	// background pass revokes the assignment.
	f.clock.Add(f.timeout(t))

	require.Eventually(t, func() bool {
		f.clock.Add(time.Minute)
		return f.store.Snapshot(f.id).State == types.TaskRebalancing
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweeperRevocationIsIdempotent(t *testing.T) {
	f := newSweepFixture(t)
	f.clock.Add(f.timeout(t) + time.Second)

	// Two sweepers covering the full keyspace race on the same record.
	swA := NewSweeper(f.store, SweeperConfig{}, WithSweeperClock(f.clock))
	swB := NewSweeper(f.store, SweeperConfig{}, WithSweeperClock(f.clock))

	_, releasedA, err := swA.RunOnce(context.Background())
	require.NoError(t, err)
	_, releasedB, err := swB.RunOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, releasedA+releasedB)
	require.Equal(t, uint64(2), f.store.Snapshot(f.id).Epoch)
}

func TestRunOnceContinuesAfterPerRecordError(t *testing.T) {
	// A record failing to revoke must not abort the pass; subsequent
	// records are still examined. Simulated with a wrapper store that
	// fails the revoke for one id.
	f := newSweepFixture(t)

	id2, err := f.store.Create(context.Background(), "acme", types.TaskTypeK8sWatch, nil, "cluster-2")
	require.NoError(t, err)

	eng := New(f.store, WithClock(f.clock))
	_, err = eng.AssignToDelegate(context.Background(), "acme", "delegate-b")
	require.NoError(t, err)

	wrapped := &failRevokeStore{MemoryStore: f.store, failID: f.id}
	sw := NewSweeper(wrapped, SweeperConfig{}, WithSweeperClock(f.clock))

	f.clock.Add(f.timeout(t) + time.Second)

	scanned, released, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, scanned)
	require.Equal(t, 1, released)
	require.Equal(t, types.TaskRebalancing, f.store.Snapshot(id2).State)
	require.Equal(t, types.TaskAssigned, f.store.Snapshot(f.id).State)
}

func TestRunOnceHeartbeatAfterListingKeepsAssignment(t *testing.T) {
	// A heartbeat accepted after the sweep has taken its listing snapshot
	// must survive: the revoke re-checks the fresh record, so the stale
	// snapshot alone cannot displace a live delegate.
	f := newSweepFixture(t)

	wrapped := &heartbeatAfterListStore{
		MemoryStore: f.store,
		clock:       f.clock,
		id:          f.id,
	}
	sw := NewSweeper(wrapped, SweeperConfig{}, WithSweeperClock(f.clock))

	f.clock.Add(f.timeout(t) + time.Second)

	scanned, released, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, scanned)
	require.Zero(t, released)

	rec := f.store.Snapshot(f.id)
	require.Equal(t, types.TaskAssigned, rec.State)
	require.Equal(t, "delegate-a", rec.DelegateID)
	require.Equal(t, uint64(1), rec.Epoch)
}

// heartbeatAfterListStore lands a heartbeat right after a listing is taken,
// reproducing a delegate beating the sweep to the record.
type heartbeatAfterListStore struct {
	*tptest.MemoryStore
	clock *clock.Mock
	id    string
}

func (s *heartbeatAfterListStore) ListAssigned(ctx context.Context, shard, numShards uint32, limit int) ([]*types.TaskRecord, error) {
	records, err := s.MemoryStore.ListAssigned(ctx, shard, numShards, limit)
	if err != nil {
		return nil, err
	}

	if _, err := s.MemoryStore.RecordHeartbeat(ctx, "acme", s.id, "delegate-a", 1, s.clock.Now(), nil); err != nil {
		return nil, err
	}

	return records, nil
}

type failRevokeStore struct {
	*tptest.MemoryStore
	failID string
}

func (s *failRevokeStore) RevokeIfStale(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == s.failID {
		return false, errors.New("injected revoke failure")
	}

	return s.MemoryStore.RevokeIfStale(ctx, id, now)
}
