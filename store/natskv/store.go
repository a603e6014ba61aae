// Package natskv implements the task registry on NATS JetStream KeyValue
// buckets.
//
// One key per task record, JSON-encoded. Every conditional mutation is a
// get-entry, check, Update-with-revision sequence: the JetStream revision
// check makes the read-modify-write atomic across control-plane instances,
// so racing callers are resolved by the KV server rather than by local
// locks. A second bucket holds the owner-attachment index backing
// idempotent task creation.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"
	"github.com/zeebo/xxh3"

	"github.com/taskplane/taskplane/internal/kvutil"
	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/internal/metrics"
	"github.com/taskplane/taskplane/internal/natsutil"
	"github.com/taskplane/taskplane/policy"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/types"
)

const (
	taskKeyPrefix  = "task."
	ownerKeyPrefix = "owner."

	// defaultCASRetries bounds how many times a conditional update is
	// re-attempted after a revision conflict before reporting a lost race.
	defaultCASRetries = 4
)

// Config configures the KV buckets backing the store.
type Config struct {
	// TasksBucket is the bucket name for task records.
	TasksBucket string

	// OwnersBucket is the bucket name for the owner-attachment index.
	OwnersBucket string

	// Replicas is the JetStream replica count for both buckets.
	Replicas int
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.TasksBucket == "" {
		c.TasksBucket = "taskplane-tasks"
	}
	if c.OwnersBucket == "" {
		c.OwnersBucket = "taskplane-owners"
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
}

// Option configures optional Store dependencies.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the metrics collector. Defaults to no-op metrics.
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock sets the clock used for creation timestamps and assignment
// heartbeat priming. Defaults to the real clock; tests inject a mock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store is the NATS KV task registry.
//
// Safe for concurrent use; all coordination happens through JetStream
// revision checks.
type Store struct {
	tasks  jetstream.KeyValue
	owners jetstream.KeyValue
	table  *policy.Table

	logger     types.Logger
	metrics    types.MetricsCollector
	clock      clock.Clock
	casRetries int
}

// Compile-time assertion that Store implements the registry contract.
var _ store.Store = (*Store)(nil)

// New creates or opens the backing buckets and returns the store.
//
// Parameters:
//   - ctx: Context for bucket creation
//   - js: JetStream context
//   - table: Schedule policy table, validated by the caller at startup
//   - cfg: Bucket configuration
//   - opts: Optional logger, metrics, clock
func New(ctx context.Context, js jetstream.JetStream, table *policy.Table, cfg Config, opts ...Option) (*Store, error) {
	if table == nil {
		return nil, fmt.Errorf("policy table is required")
	}

	cfg.SetDefaults()

	s := &Store{
		table:      table,
		logger:     logging.NewNop(),
		metrics:    metrics.NewNop(),
		clock:      clock.New(),
		casRetries: defaultCASRetries,
	}
	for _, opt := range opts {
		opt(s)
	}

	tasks, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   cfg.TasksBucket,
		Replicas: cfg.Replicas,
		Storage:  jetstream.FileStorage,
	}, 0)
	if err != nil {
		return nil, natsutil.WrapStoreErr("open tasks bucket", err)
	}

	owners, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:   cfg.OwnersBucket,
		Replicas: cfg.Replicas,
		Storage:  jetstream.FileStorage,
	}, 0)
	if err != nil {
		return nil, natsutil.WrapStoreErr("open owners bucket", err)
	}

	s.tasks = tasks
	s.owners = owners

	return s, nil
}

// taskKey maps a task id to its bucket key. The id embeds the account
// (<accountID>.<uuid>), which keeps direct gets O(1) and account-scoped
// listing a single wildcard filter, without a secondary index.
func taskKey(id string) string {
	return taskKeyPrefix + id
}

func ownerKey(accountID, ownerHandle string) string {
	return ownerKeyPrefix + accountID + "." + ownerHandle
}

// validKeyPart rejects values that would break KV subject mapping.
func validKeyPart(s string) bool {
	if s == "" {
		return false
	}

	return !strings.ContainsAny(s, " \t*>")
}

// Create allocates a task record with epoch 0 in the unassigned pool.
//
// The owner attachment is claimed first with an atomic KV Create; a second
// Create for the same owner loses that race (or finds the earlier claim)
// and returns the already-attached id, which is what makes creation
// idempotent across control-plane instances.
func (s *Store) Create(ctx context.Context, accountID string, taskType types.TaskType, params types.ClientParams, ownerHandle string) (string, error) {
	sched, ok := s.table.For(taskType)
	if !ok {
		return "", fmt.Errorf("task type %q: %w", taskType, types.ErrInvalidTaskType)
	}

	if !validKeyPart(accountID) || !validKeyPart(ownerHandle) {
		return "", fmt.Errorf("invalid account id or owner handle")
	}

	id := accountID + "." + uuid.NewString()

	attached, err := json.Marshal([]string{id})
	if err != nil {
		return "", fmt.Errorf("encode owner attachment: %w", err)
	}

	oKey := ownerKey(accountID, ownerHandle)

	start := time.Now()
	_, err = s.owners.Create(ctx, oKey, attached)
	s.metrics.RecordKVOperationDuration("create", time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return "", natsutil.WrapStoreErr("claim owner attachment", err)
		}

		existing, err := s.TasksForOwner(ctx, accountID, ownerHandle)
		if err != nil {
			return "", err
		}
		if len(existing) > 0 {
			s.logger.Debug("owner already has attached task", "owner", ownerHandle, "task_id", existing[0])
			return existing[0], nil
		}

		// Attachment key exists but holds no ids (interrupted delete);
		// take it over for the new task.
		if err := s.putOwnerIDs(ctx, accountID, ownerHandle, []string{id}); err != nil {
			return "", err
		}
	}

	rec := &types.TaskRecord{
		ID:           id,
		AccountID:    accountID,
		Type:         taskType,
		OwnerHandle:  ownerHandle,
		ClientParams: params.Clone(),
		Schedule:     sched,
		State:        types.TaskUnassigned,
		Epoch:        0,
		CreatedAt:    s.clock.Now().UTC(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode task record: %w", err)
	}

	start = time.Now()
	_, err = s.tasks.Create(ctx, taskKey(id), data)
	s.metrics.RecordKVOperationDuration("create", time.Since(start).Seconds())

	if err != nil {
		// Roll back the attachment so the owner is not stuck pointing at a
		// record that was never written.
		if derr := s.owners.Delete(ctx, oKey); derr != nil {
			s.logger.Warn("failed to roll back owner attachment", "owner", ownerHandle, "error", derr)
		}

		return "", natsutil.WrapStoreErr("create task record", err)
	}

	s.logger.Info("task created", "task_id", id, "type", taskType, "owner", ownerHandle)

	return id, nil
}

// Get returns the current record for id.
func (s *Store) Get(ctx context.Context, id string) (*types.TaskRecord, error) {
	rec, _, err := s.getEntry(ctx, id)
	return rec, err
}

// getEntry fetches and decodes a record along with its KV revision.
func (s *Store) getEntry(ctx context.Context, id string) (*types.TaskRecord, uint64, error) {
	start := time.Now()
	entry, err := s.tasks.Get(ctx, taskKey(id))
	s.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("task %s: %w", id, types.ErrTaskNotFound)
		}

		return nil, 0, natsutil.WrapStoreErr("get task record", err)
	}

	var rec types.TaskRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode task record %s: %w", id, err)
	}

	return &rec, entry.Revision(), nil
}

// update writes a mutated record conditioned on revision.
func (s *Store) update(ctx context.Context, rec *types.TaskRecord, revision uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}

	start := time.Now()
	_, err = s.tasks.Update(ctx, taskKey(rec.ID), data, revision)
	s.metrics.RecordKVOperationDuration("update", time.Since(start).Seconds())

	return err
}

// CompareAndAssign atomically claims the task for delegateID.
//
// The condition (epoch matches, state assignable) is re-checked on every
// revision conflict, so exhausting the retry budget means another caller
// kept winning, which is reported as an ordinary lost race.
func (s *Store) CompareAndAssign(ctx context.Context, id string, expectedEpoch uint64, delegateID string) (bool, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		rec, rev, err := s.getEntry(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				// Deleted between listing and CAS; an ordinary lost race.
				return false, nil
			}

			return false, err
		}

		if rec.Epoch != expectedEpoch || !rec.State.Assignable() {
			return false, nil
		}

		rec.State = types.TaskAssigned
		rec.DelegateID = delegateID
		rec.Epoch++
		// Prime the heartbeat clock so a fresh assignee gets a full timeout
		// window before the sweep may revoke it.
		rec.LastHeartbeatAt = s.clock.Now().UTC()

		err = s.update(ctx, rec, rev)
		if err == nil {
			return true, nil
		}

		if natsutil.IsConnectivityError(err) {
			return false, natsutil.WrapStoreErr("assign task", err)
		}
		// Revision conflict: someone else mutated the record. Re-check.
	}

	return false, nil
}

// RecordHeartbeat updates liveness if the caller still owns the record at
// the presented epoch. A vanished record, a foreign account or a stale
// claim is a quiet false.
func (s *Store) RecordHeartbeat(ctx context.Context, accountID, id, delegateID string, epoch uint64, ts time.Time, result []byte) (bool, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		rec, rev, err := s.getEntry(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				return false, nil
			}

			return false, err
		}

		if rec.AccountID != accountID || !rec.OwnedBy(delegateID, epoch) {
			return false, nil
		}

		rec.LastHeartbeatAt = ts.UTC()
		if result != nil {
			rec.LastResult = result
		}

		err = s.update(ctx, rec, rev)
		if err == nil {
			return true, nil
		}

		if natsutil.IsConnectivityError(err) {
			return false, natsutil.WrapStoreErr("record heartbeat", err)
		}
	}

	return false, nil
}

// RevokeIfStale revokes an assignment only when the freshly read record is
// still assigned and past its heartbeat deadline. A heartbeat accepted
// between the caller's listing and this call bumps the KV revision, so the
// conditional update fails and the retry sees the new timestamp; the
// assignment then survives.
func (s *Store) RevokeIfStale(ctx context.Context, id string, now time.Time) (bool, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		rec, rev, err := s.getEntry(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				return false, nil
			}

			return false, err
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

		err = s.update(ctx, rec, rev)
		if err == nil {
			return true, nil
		}

		if natsutil.IsConnectivityError(err) {
			return false, natsutil.WrapStoreErr("revoke stale assignment", err)
		}
	}

	return false, fmt.Errorf("revoke stale assignment %s: retries exhausted", id)
}

// ForceUnassign revokes ownership and returns the record to the assignable
// pool in the requested state, bumping the epoch so any in-flight heartbeat
// from the previous assignee is rejected.
func (s *Store) ForceUnassign(ctx context.Context, id string, to types.TaskState) (bool, error) {
	if !to.Assignable() {
		return false, fmt.Errorf("force unassign target state %s is not assignable", to)
	}

	for attempt := 0; attempt < s.casRetries; attempt++ {
		rec, rev, err := s.getEntry(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				return false, nil
			}

			return false, err
		}

		if rec.State == to && rec.DelegateID == "" {
			return false, nil
		}

		rec.State = to
		rec.DelegateID = ""
		rec.Epoch++
		rec.LastHeartbeatAt = time.Time{}

		err = s.update(ctx, rec, rev)
		if err == nil {
			return true, nil
		}

		if natsutil.IsConnectivityError(err) {
			return false, natsutil.WrapStoreErr("force unassign", err)
		}
	}

	return false, fmt.Errorf("force unassign %s: retries exhausted", id)
}

// Delete removes the record and detaches it from its owner.
func (s *Store) Delete(ctx context.Context, id string) error {
	rec, _, err := s.getEntry(ctx, id)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.tasks.Purge(ctx, taskKey(id))
	s.metrics.RecordKVOperationDuration("delete", time.Since(start).Seconds())

	if err != nil {
		return natsutil.WrapStoreErr("delete task record", err)
	}

	if err := s.detachOwner(ctx, rec.AccountID, rec.OwnerHandle, id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "task_id", id, "owner", rec.OwnerHandle)

	return nil
}

// TasksForOwner returns the ids attached to the owner, empty when none.
func (s *Store) TasksForOwner(ctx context.Context, accountID, ownerHandle string) ([]string, error) {
	start := time.Now()
	entry, err := s.owners.Get(ctx, ownerKey(accountID, ownerHandle))
	s.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, natsutil.WrapStoreErr("get owner attachment", err)
	}

	var ids []string
	if err := json.Unmarshal(entry.Value(), &ids); err != nil {
		return nil, fmt.Errorf("decode owner attachment: %w", err)
	}

	return ids, nil
}

func (s *Store) putOwnerIDs(ctx context.Context, accountID, ownerHandle string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode owner attachment: %w", err)
	}

	start := time.Now()
	_, err = s.owners.Put(ctx, ownerKey(accountID, ownerHandle), data)
	s.metrics.RecordKVOperationDuration("put", time.Since(start).Seconds())

	if err != nil {
		return natsutil.WrapStoreErr("put owner attachment", err)
	}

	return nil
}

// detachOwner removes id from the owner's attached set, purging the key
// when the set becomes empty.
func (s *Store) detachOwner(ctx context.Context, accountID, ownerHandle, id string) error {
	key := ownerKey(accountID, ownerHandle)

	for attempt := 0; attempt < s.casRetries; attempt++ {
		entry, err := s.owners.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return nil
			}

			return natsutil.WrapStoreErr("get owner attachment", err)
		}

		var ids []string
		if err := json.Unmarshal(entry.Value(), &ids); err != nil {
			return fmt.Errorf("decode owner attachment: %w", err)
		}

		kept := ids[:0]
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}

		if len(kept) == 0 {
			if err := s.owners.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return natsutil.WrapStoreErr("purge owner attachment", err)
			}

			return nil
		}

		data, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("encode owner attachment: %w", err)
		}

		_, err = s.owners.Update(ctx, key, data, entry.Revision())
		if err == nil {
			return nil
		}

		if natsutil.IsConnectivityError(err) {
			return natsutil.WrapStoreErr("update owner attachment", err)
		}
	}

	return fmt.Errorf("detach owner %s: retries exhausted", ownerHandle)
}

// ListUnassigned returns up to limit assignable records for the account.
func (s *Store) ListUnassigned(ctx context.Context, accountID string, limit int) ([]*types.TaskRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	return s.listFiltered(ctx, taskKeyPrefix+accountID+".*", limit, func(rec *types.TaskRecord) bool {
		return rec.State.Assignable()
	})
}

// ListDelegate returns the records currently assigned to delegateID in the
// account.
func (s *Store) ListDelegate(ctx context.Context, accountID, delegateID string) ([]*types.TaskRecord, error) {
	return s.listFiltered(ctx, taskKeyPrefix+accountID+".*", 0, func(rec *types.TaskRecord) bool {
		return rec.State == types.TaskAssigned && rec.DelegateID == delegateID
	})
}

// ListAssigned returns up to limit assigned records in the given shard.
//
// Shard membership is xxh3(id) mod numShards, so concurrent sweepers with
// distinct shard slices never contend on the same records.
func (s *Store) ListAssigned(ctx context.Context, shard, numShards uint32, limit int) ([]*types.TaskRecord, error) {
	if numShards == 0 {
		numShards = 1
	}

	return s.listFiltered(ctx, taskKeyPrefix+">", limit, func(rec *types.TaskRecord) bool {
		if rec.State != types.TaskAssigned {
			return false
		}

		return uint32(xxh3.HashString(rec.ID)%uint64(numShards)) == shard
	})
}

// listFiltered walks keys matching filter and returns decoded records that
// pass keep, up to limit (0 = unbounded).
func (s *Store) listFiltered(ctx context.Context, filter string, limit int, keep func(*types.TaskRecord) bool) ([]*types.TaskRecord, error) {
	start := time.Now()
	lister, err := s.tasks.ListKeysFiltered(ctx, filter)
	s.metrics.RecordKVOperationDuration("keys", time.Since(start).Seconds())

	if err != nil {
		return nil, natsutil.WrapStoreErr("list task keys", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []*types.TaskRecord

	for key := range lister.Keys() {
		id := strings.TrimPrefix(key, taskKeyPrefix)

		rec, _, err := s.getEntry(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrTaskNotFound) {
				// Deleted while listing.
				continue
			}

			return nil, err
		}

		if !keep(rec) {
			continue
		}

		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}
