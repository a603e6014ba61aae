package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/internal/metrics"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/types"
)

// Sweeper errors.
var (
	ErrSweeperStarted    = errors.New("sweeper already started")
	ErrSweeperNotStarted = errors.New("sweeper not started")
)

// SweeperConfig tunes the liveness sweep.
type SweeperConfig struct {
	// Interval is the time between sweep passes.
	Interval time.Duration

	// Shard and NumShards restrict a pass to the slice of task ids hashing
	// into Shard. Control-plane instances with distinct shards never race
	// on the same records; overlapping shards are still safe because the
	// underlying revoke is conditional and idempotent.
	Shard     uint32
	NumShards uint32

	// BatchLimit bounds the records examined per pass.
	BatchLimit int
}

// SetDefaults fills in missing configuration values.
func (c *SweeperConfig) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.NumShards == 0 {
		c.NumShards = 1
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
}

// Sweeper is the periodic background pass that detects stale ownership.
//
// It runs off the RPC request path and holds no lock shared with request
// handling; its only contention point is the store's atomic updates.
type Sweeper struct {
	store store.Store
	cfg   SweeperConfig

	logger  types.Logger
	metrics types.MetricsCollector
	clock   clock.Clock

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SweeperOption configures optional Sweeper dependencies.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger types.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweeperMetrics sets the metrics collector.
func WithSweeperMetrics(m types.MetricsCollector) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweeperClock sets the clock. Tests inject a mock to drive timeout
// expiry deterministically.
func WithSweeperClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(st store.Store, cfg SweeperConfig, opts ...SweeperOption) *Sweeper {
	cfg.SetDefaults()

	s := &Sweeper{
		store:   st,
		cfg:     cfg,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
		clock:   clock.New(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the periodic sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSweeperStarted
	}
	s.started = true

	go s.run(ctx)

	return nil
}

// Stop stops the sweep and waits for the in-flight pass to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrSweeperNotStarted
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.RunOnce(ctx); err != nil {
				// Transient store trouble: skip this pass, the next
				// scheduled run retries.
				s.metrics.RecordSweepError()
				s.logger.Warn("sweep pass skipped", "error", err)
			}
		}
	}
}

// RunOnce executes a single sweep pass and returns how many assigned
// records were scanned and how many were returned to the assignable pool.
//
// Exported so tests and operational tooling can drive passes directly.
func (s *Sweeper) RunOnce(ctx context.Context) (scanned, released int, err error) {
	start := time.Now()

	records, err := s.store.ListAssigned(ctx, s.cfg.Shard, s.cfg.NumShards, s.cfg.BatchLimit)
	if err != nil {
		return 0, 0, err
	}

	now := s.clock.Now()

	for _, rec := range records {
		scanned++

		deadline := rec.LastHeartbeatAt.Add(rec.Schedule.Timeout)
		if !now.After(deadline) {
			continue
		}

		// The snapshot deadline is only a prefilter; RevokeIfStale re-checks
		// the freshly read record, so a heartbeat accepted after the listing
		// keeps the assignment.
		changed, err := s.store.RevokeIfStale(ctx, rec.ID, now)
		if err != nil {
			// Keep sweeping the rest; this record gets another look next pass.
			s.logger.Warn("failed to revoke stale assignment", "task_id", rec.ID, "error", err)
			continue
		}

		if changed {
			released++
			s.logger.Info("stale assignment revoked",
				"task_id", rec.ID, "delegate", rec.DelegateID,
				"last_heartbeat", rec.LastHeartbeatAt, "timeout", rec.Schedule.Timeout)
		}
	}

	s.metrics.RecordSweepPass(scanned, released, time.Since(start).Seconds())

	return scanned, released, nil
}
