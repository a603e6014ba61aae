package taskplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"

	"github.com/taskplane/taskplane/internal/authgate"
	"github.com/taskplane/taskplane/internal/engine"
	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/internal/metrics"
	"github.com/taskplane/taskplane/internal/rpcserver"
	"github.com/taskplane/taskplane/policy"
	"github.com/taskplane/taskplane/store"
	"github.com/taskplane/taskplane/store/natskv"
	"github.com/taskplane/taskplane/types"
)

// Server is one control-plane instance.
//
// It wires the task store, schedule policy table, auth gate, assignment
// engine, liveness sweep and the delegate-facing RPC service. Instances
// are stateless: run as many as needed behind the same NATS cluster; they
// coordinate purely through the store's atomic conditional updates and
// share RPC load via a queue group.
//
// Lifecycle:
//   - Create with NewServer()
//   - Call Start() to open buckets, begin sweeping and serve RPCs
//   - Use Lifecycle() from owner-facing code to create/reset/delete tasks
//   - Call Stop() for graceful shutdown
type Server struct {
	cfg  Config
	conn *nats.Conn

	logger  types.Logger
	metrics types.MetricsCollector
	clock   clock.Clock
	table   *policy.Table

	// Injected or built during Start.
	store       store.Store
	credentials types.CredentialSource

	gate    *authgate.Gate
	engine  *engine.Engine
	sweeper *engine.Sweeper
	rpc     *rpcserver.Server
	orch    *Orchestrator

	mu      sync.Mutex
	started bool
}

// NewServer creates a control-plane instance with the provided
// configuration.
//
// Returns a concrete *Server following the "accept interfaces, return
// structs" principle; consumers can define minimal interfaces for mocking.
//
// Parameters:
//   - cfg: Runtime configuration; defaults are filled in
//   - conn: NATS connection shared by the store and the RPC service
//   - opts: Optional logger, metrics, clock, policy table, store,
//     credential source
func NewServer(cfg *Config, conn *nats.Conn, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &serverOptions{}
	for _, opt := range opts {
		opt(options)
	}

	s := &Server{
		cfg:         *cfg,
		conn:        conn,
		logger:      options.logger,
		metrics:     options.metrics,
		clock:       options.clock,
		table:       options.table,
		store:       options.store,
		credentials: options.credentials,
	}

	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.table == nil {
		s.table = policy.Default()
	}

	// An unknown task type must be a startup failure, never a call-time one.
	if err := s.table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return s, nil
}

// Start opens the KV buckets (unless a store and credential source were
// injected), then starts the liveness sweep and the RPC service.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if s.store == nil || s.credentials == nil {
		js, err := jetstream.New(s.conn)
		if err != nil {
			return fmt.Errorf("init JetStream: %w", err)
		}

		if s.store == nil {
			st, err := natskv.New(ctx, js, s.table, natskv.Config{
				TasksBucket:  s.cfg.Buckets.Tasks,
				OwnersBucket: s.cfg.Buckets.Owners,
				Replicas:     s.cfg.Buckets.Replicas,
			},
				natskv.WithLogger(s.logger),
				natskv.WithMetrics(s.metrics),
				natskv.WithClock(s.clock),
			)
			if err != nil {
				return err
			}

			s.store = st
		}

		if s.credentials == nil {
			creds, err := natskv.NewCredentialStore(ctx, js, natskv.CredentialConfig{
				Bucket:   s.cfg.Buckets.Credentials,
				Replicas: s.cfg.Buckets.Replicas,
			})
			if err != nil {
				return err
			}

			s.credentials = creds
		}
	}

	s.gate = authgate.New(s.credentials, authgate.Config{
		AccountKeyTTL:  s.cfg.Auth.AccountKeyTTL,
		TokenStatusTTL: s.cfg.Auth.TokenStatusTTL,
		CacheSize:      s.cfg.Auth.CacheSize,
	},
		authgate.WithLogger(s.logger),
		authgate.WithMetrics(s.metrics),
		authgate.WithClock(s.clock),
	)

	s.engine = engine.New(s.store,
		engine.WithLogger(s.logger),
		engine.WithMetrics(s.metrics),
		engine.WithClock(s.clock),
		engine.WithListLimit(s.cfg.RPC.ListLimit),
	)

	s.sweeper = engine.NewSweeper(s.store, engine.SweeperConfig{
		Interval:   s.cfg.Sweep.Interval,
		Shard:      s.cfg.Sweep.Shard,
		NumShards:  s.cfg.Sweep.NumShards,
		BatchLimit: s.cfg.Sweep.BatchLimit,
	},
		engine.WithSweeperLogger(s.logger),
		engine.WithSweeperMetrics(s.metrics),
		engine.WithSweeperClock(s.clock),
	)

	s.rpc = rpcserver.New(s.conn, s.gate, s.engine, rpcserver.Config{
		SubjectPrefix:  s.cfg.RPC.SubjectPrefix,
		QueueGroup:     s.cfg.RPC.QueueGroup,
		HandlerTimeout: s.cfg.RPC.HandlerTimeout,
	},
		rpcserver.WithLogger(s.logger),
		rpcserver.WithMetrics(s.metrics),
	)

	s.orch = NewOrchestrator(s.store, s.logger)

	if err := s.sweeper.Start(ctx); err != nil {
		return err
	}

	if err := s.rpc.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RPC.HandlerTimeout)
		defer cancel()

		_ = s.sweeper.Stop(stopCtx)

		return err
	}

	s.started = true
	s.logger.Info("control plane started",
		"sweep_interval", s.cfg.Sweep.Interval,
		"sweep_shard", s.cfg.Sweep.Shard,
		"sweep_shards", s.cfg.Sweep.NumShards,
	)

	return nil
}

// Stop shuts down the RPC service and the sweep.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	s.started = false

	if err := s.rpc.Stop(); err != nil {
		s.logger.Warn("rpc stop failed", "error", err)
	}

	if err := s.sweeper.Stop(ctx); err != nil {
		return err
	}

	s.logger.Info("control plane stopped")

	return nil
}

// Lifecycle returns the owner-facing task lifecycle API.
//
// Available after Start.
func (s *Server) Lifecycle() types.LifecycleOrchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.orch
}

// Store returns the underlying task store. Available after Start.
func (s *Server) Store() store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store
}

// Credentials returns the credential source in use. When the server built
// its own, the returned value is a *natskv.CredentialStore with
// provisioning helpers. Available after Start.
func (s *Server) Credentials() types.CredentialSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.credentials
}
