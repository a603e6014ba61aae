// Package rpcserver hosts the three-call delegate protocol over NATS
// request/reply.
//
// Handlers stay thin: authenticate via the gate, then orchestrate the
// assignment engine. A queue-group subscription spreads calls across
// horizontally-scaled control-plane instances.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskplane/taskplane/internal/authgate"
	"github.com/taskplane/taskplane/internal/engine"
	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/internal/metrics"
	"github.com/taskplane/taskplane/rpc"
	"github.com/taskplane/taskplane/types"
)

// Server errors.
var (
	ErrAlreadyStarted = errors.New("rpc server already started")
	ErrNotStarted     = errors.New("rpc server not started")
)

// Config tunes the RPC service.
type Config struct {
	// SubjectPrefix is the subject namespace, rpc.DefaultSubjectPrefix by
	// default.
	SubjectPrefix string

	// QueueGroup is the NATS queue group shared by control-plane instances.
	QueueGroup string

	// HandlerTimeout bounds the store work of one call.
	HandlerTimeout time.Duration
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = rpc.DefaultSubjectPrefix
	}
	if c.QueueGroup == "" {
		c.QueueGroup = "taskplane-ctl"
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the delegate-facing control-plane RPC service.
type Server struct {
	conn   *nats.Conn
	gate   *authgate.Gate
	engine *engine.Engine
	cfg    Config

	logger  types.Logger
	metrics types.MetricsCollector

	mu      sync.Mutex
	started bool
	subs    []*nats.Subscription
}

// New creates the RPC service. Call Start to begin serving.
func New(conn *nats.Conn, gate *authgate.Gate, eng *engine.Engine, cfg Config, opts ...Option) *Server {
	cfg.SetDefaults()

	s := &Server{
		conn:    conn,
		gate:    gate,
		engine:  eng,
		cfg:     cfg,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start subscribes the three call subjects on the configured queue group.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	handlers := map[string]nats.MsgHandler{
		rpc.SubjectList:      s.handleList,
		rpc.SubjectContext:   s.handleContext,
		rpc.SubjectHeartbeat: s.handleHeartbeat,
	}

	for suffix, handler := range handlers {
		subject := s.cfg.SubjectPrefix + "." + suffix

		sub, err := s.conn.QueueSubscribe(subject, s.cfg.QueueGroup, handler)
		if err != nil {
			s.unsubscribeLocked()
			return err
		}

		s.subs = append(s.subs, sub)
	}

	s.started = true
	s.logger.Info("rpc service started", "prefix", s.cfg.SubjectPrefix, "queue", s.cfg.QueueGroup)

	return nil
}

// Stop unsubscribes all call subjects.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	s.unsubscribeLocked()
	s.started = false

	return nil
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

// authenticate pulls identity from headers and runs it through the gate.
func (s *Server) authenticate(ctx context.Context, msg *nats.Msg) (types.CallIdentity, error) {
	accountID := msg.Header.Get(rpc.HeaderAccount)
	delegateID := msg.Header.Get(rpc.HeaderDelegate)
	token := msg.Header.Get(rpc.HeaderToken)

	if delegateID == "" {
		return types.CallIdentity{}, types.ErrAccessDenied
	}

	return s.gate.Authenticate(ctx, accountID, delegateID, token)
}

func (s *Server) handleList(msg *nats.Msg) {
	start := time.Now()
	defer func() { s.metrics.RecordRPCDuration(rpc.SubjectList, time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	defer cancel()

	identity, err := s.authenticate(ctx, msg)
	if err != nil {
		s.respond(msg, rpc.ListResponse{Error: rpc.CodeFor(err)})
		return
	}

	records, err := s.engine.AssignToDelegate(ctx, identity.AccountID, identity.DelegateID)
	if err != nil {
		s.logger.Error("list call failed", "account", identity.AccountID, "delegate", identity.DelegateID, "error", err)
		s.respond(msg, rpc.ListResponse{Error: rpc.CodeFor(err)})

		return
	}

	refs := make([]rpc.TaskRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, rpc.TaskRef{ID: rec.ID, Type: rec.Type, Epoch: rec.Epoch})
	}

	s.respond(msg, rpc.ListResponse{OK: true, Tasks: refs})
}

func (s *Server) handleContext(msg *nats.Msg) {
	start := time.Now()
	defer func() { s.metrics.RecordRPCDuration(rpc.SubjectContext, time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	defer cancel()

	identity, err := s.authenticate(ctx, msg)
	if err != nil {
		s.respond(msg, rpc.ContextResponse{Error: rpc.CodeFor(err)})
		return
	}

	var req rpc.ContextRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ID == "" {
		s.respond(msg, rpc.ContextResponse{Error: rpc.CodeBadRequest})
		return
	}

	rec, err := s.engine.TaskContext(ctx, identity.AccountID, req.ID, identity.DelegateID)
	if err != nil {
		s.respond(msg, rpc.ContextResponse{Error: rpc.CodeFor(err)})
		return
	}

	s.respond(msg, rpc.ContextResponse{OK: true, Params: rec.ClientParams, Schedule: rec.Schedule})
}

func (s *Server) handleHeartbeat(msg *nats.Msg) {
	start := time.Now()
	defer func() { s.metrics.RecordRPCDuration(rpc.SubjectHeartbeat, time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	defer cancel()

	identity, err := s.authenticate(ctx, msg)
	if err != nil {
		s.respond(msg, rpc.HeartbeatResponse{Error: rpc.CodeFor(err)})
		return
	}

	var req rpc.HeartbeatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ID == "" {
		s.respond(msg, rpc.HeartbeatResponse{Error: rpc.CodeBadRequest})
		return
	}

	accepted, err := s.engine.Heartbeat(ctx, identity.AccountID, req.ID, identity.DelegateID, req.Epoch, req.Result)
	if err != nil {
		s.logger.Error("heartbeat call failed", "task_id", req.ID, "delegate", identity.DelegateID, "error", err)
		s.respond(msg, rpc.HeartbeatResponse{Error: rpc.CodeFor(err)})

		return
	}

	// The call itself succeeded; accepted=false is informational.
	s.respond(msg, rpc.HeartbeatResponse{OK: true, Accepted: accepted})
}

func (s *Server) respond(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode rpc response", "subject", msg.Subject, "error", err)
		return
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Warn("respond failed", "subject", msg.Subject, "error", err)
	}
}
