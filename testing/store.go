package testing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/zeebo/xxh3"

	"github.com/taskplane/taskplane/policy"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/types"
)

// MemoryStore is an in-memory store.Store with the same conditional-update
// semantics as the NATS KV implementation: epoch checks, state checks and
// idempotent owner attachment all behave identically, just under a single
// process mutex instead of KV revision CAS.
//
// Intended for unit tests of the engine, sweep and RPC layers; integration
// tests should still run against the real store over an embedded server.
type MemoryStore struct {
	mu     sync.Mutex
	table  *policy.Table
	clock  clock.Clock
	tasks  map[string]*types.TaskRecord
	owners map[string][]string // accountID+"/"+ownerHandle -> ids

	// FailWith, when set, makes every operation return that error. Tests
	// use it to simulate store outages.
	FailWith error
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store resolving schedules from
// the given policy table. A nil table means policy.Default().
func NewMemoryStore(table *policy.Table) *MemoryStore {
	if table == nil {
		table = policy.Default()
	}

	return &MemoryStore{
		table:  table,
		clock:  clock.New(),
		tasks:  make(map[string]*types.TaskRecord),
		owners: make(map[string][]string),
	}
}

// SetClock replaces the clock used for CreatedAt and heartbeat priming.
func (m *MemoryStore) SetClock(c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

// Put seeds a record directly, bypassing Create. The record is cloned.
func (m *MemoryStore) Put(rec *types.TaskRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = rec.Clone()
}

// Snapshot returns a clone of the current record for id, or nil.
func (m *MemoryStore) Snapshot(id string) *types.TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[id]
	if !ok {
		return nil
	}

	return rec.Clone()
}

func (m *MemoryStore) Create(ctx context.Context, accountID string, taskType types.TaskType, params types.ClientParams, ownerHandle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return "", m.FailWith
	}

	sched, ok := m.table.For(taskType)
	if !ok {
		return "", types.ErrInvalidTaskType
	}

	key := accountID + "/" + ownerHandle
	if ids := m.owners[key]; len(ids) > 0 {
		return ids[0], nil
	}

	id := accountID + "." + uuid.NewString()
	m.tasks[id] = &types.TaskRecord{
		ID:           id,
		AccountID:    accountID,
		Type:         taskType,
		OwnerHandle:  ownerHandle,
		ClientParams: params.Clone(),
		Schedule:     sched,
		State:        types.TaskUnassigned,
		CreatedAt:    m.clock.Now(),
	}
	m.owners[key] = append(m.owners[key], id)

	return id, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	rec, ok := m.tasks[id]
	if !ok {
		return nil, types.ErrTaskNotFound
	}

	return rec.Clone(), nil
}

func (m *MemoryStore) ListUnassigned(ctx context.Context, accountID string, limit int) ([]*types.TaskRecord, error) {
	return m.list(accountID, limit, func(rec *types.TaskRecord) bool {
		return rec.State.Assignable()
	})
}

func (m *MemoryStore) ListDelegate(ctx context.Context, accountID, delegateID string) ([]*types.TaskRecord, error) {
	return m.list(accountID, 0, func(rec *types.TaskRecord) bool {
		return rec.State == types.TaskAssigned && rec.DelegateID == delegateID
	})
}

func (m *MemoryStore) ListAssigned(ctx context.Context, shard, numShards uint32, limit int) ([]*types.TaskRecord, error) {
	if numShards == 0 {
		numShards = 1
	}

	return m.list("", limit, func(rec *types.TaskRecord) bool {
		return rec.State == types.TaskAssigned &&
			uint32(xxh3.HashString(rec.ID)%uint64(numShards)) == shard
	})
}

func (m *MemoryStore) list(accountID string, limit int, keep func(*types.TaskRecord) bool) ([]*types.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	var out []*types.TaskRecord
	for _, rec := range m.tasks {
		if accountID != "" && rec.AccountID != accountID {
			continue
		}
		if !keep(rec) {
			continue
		}

		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (m *MemoryStore) CompareAndAssign(ctx context.Context, id string, expectedEpoch uint64, delegateID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return false, m.FailWith
	}

	rec, ok := m.tasks[id]
	if !ok {
		return false, nil
	}

	if rec.Epoch != expectedEpoch || !rec.State.Assignable() {
		return false, nil
	}

	rec.State = types.TaskAssigned
	rec.DelegateID = delegateID
	rec.Epoch++
	rec.LastHeartbeatAt = m.clock.Now()
	rec.LastResult = nil

	return true, nil
}

func (m *MemoryStore) RecordHeartbeat(ctx context.Context, accountID, id, delegateID string, epoch uint64, ts time.Time, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return false, m.FailWith
	}

	rec, ok := m.tasks[id]
	if !ok {
		// Vanished records are a quiet false, matching the KV store.
		return false, nil
	}

	if rec.AccountID != accountID || !rec.OwnedBy(delegateID, epoch) {
		return false, nil
	}

	rec.LastHeartbeatAt = ts
	if result != nil {
		rec.LastResult = append([]byte(nil), result...)
	}

	return true, nil
}

func (m *MemoryStore) RevokeIfStale(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return false, m.FailWith
	}

	rec, ok := m.tasks[id]
	if !ok {
		return false, nil
	}

	if rec.State != types.TaskAssigned {
		return false, nil
	}
	if !now.After(rec.LastHeartbeatAt.Add(rec.Schedule.Timeout)) {
		return false, nil
	}

	rec.State = types.TaskRebalancing
	rec.DelegateID = ""
	rec.Epoch++
	rec.LastHeartbeatAt = time.Time{}

	return true, nil
}

func (m *MemoryStore) ForceUnassign(ctx context.Context, id string, to types.TaskState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return false, m.FailWith
	}

	rec, ok := m.tasks[id]
	if !ok {
		return false, nil
	}

	if rec.State == to && rec.DelegateID == "" {
		return false, nil
	}

	rec.State = to
	rec.DelegateID = ""
	rec.Epoch++
	rec.LastHeartbeatAt = time.Time{}

	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}

	rec, ok := m.tasks[id]
	if !ok {
		return types.ErrTaskNotFound
	}

	delete(m.tasks, id)

	key := rec.AccountID + "/" + rec.OwnerHandle
	ids := m.owners[key]
	for i, owned := range ids {
		if owned == id {
			m.owners[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	return nil
}

func (m *MemoryStore) TasksForOwner(ctx context.Context, accountID, ownerHandle string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return nil, m.FailWith
	}

	ids := m.owners[accountID+"/"+ownerHandle]

	return append([]string(nil), ids...), nil
}
