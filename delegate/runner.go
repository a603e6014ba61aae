package delegate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/taskplane/taskplane/internal/logging"
	"github.com/taskplane/taskplane/rpc"
	"github.com/taskplane/taskplane/types"
)

// Runner errors.
var (
	ErrRunnerStarted    = errors.New("runner already started")
	ErrRunnerNotStarted = errors.New("runner not started")
	ErrHandlerRequired  = errors.New("task handler is required")
)

// TaskSpec is everything a handler gets about one owned task.
type TaskSpec struct {
	// Ref identifies the task and the epoch this delegate owns it at.
	Ref rpc.TaskRef

	// Params is the opaque parameter blob supplied at task creation.
	Params types.ClientParams

	// Schedule is the resolved execution interval and heartbeat timeout.
	Schedule types.Schedule
}

// TaskHandler executes one iteration of a perpetual task.
//
// It is called on the task's schedule interval for as long as this
// delegate owns the task. The returned payload, if any, rides on the next
// heartbeat and is stored by the control plane as the task's last result.
// Handler errors are logged and do not stop the task; a task stops only
// when ownership is lost or the runner shuts down.
type TaskHandler func(ctx context.Context, spec TaskSpec) ([]byte, error)

// RunnerConfig tunes the polling loop.
type RunnerConfig struct {
	// PollInterval is how often the runner calls List.
	PollInterval time.Duration `yaml:"pollInterval"`

	// HeartbeatInterval overrides the per-task heartbeat cadence. When
	// zero, a third of the task's timeout is used so two heartbeats can be
	// lost before the sweep revokes ownership.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// SetDefaults fills in missing configuration values.
func (c *RunnerConfig) SetDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// RunnerOption configures optional Runner dependencies.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger types.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// Runner is the delegate-side execution loop.
//
// It polls the control plane for its work list, runs the handler for each
// owned task on that task's schedule, and heartbeats each task. Loss of
// ownership is detected two ways, both pull-based: a heartbeat comes back
// not accepted, or the task disappears from a List response.
type Runner struct {
	client  *Client
	handler TaskHandler
	cfg     RunnerConfig
	logger  types.Logger

	tasks *xsync.Map[string, *taskRun]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// taskRun is the in-flight state of one owned task. spec is immutable
// after startTask; the epoch the control plane last confirmed lives in its
// own atomic because the poll goroutine advances it while the execute and
// heartbeat goroutines read it.
type taskRun struct {
	spec   TaskSpec
	cancel context.CancelFunc

	epoch atomic.Uint64

	mu         sync.Mutex
	lastResult []byte
}

// currentSpec returns the spec with the latest confirmed epoch.
func (t *taskRun) currentSpec() TaskSpec {
	spec := t.spec
	spec.Ref.Epoch = t.epoch.Load()

	return spec
}

func (t *taskRun) setResult(result []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastResult = result
}

// takeResult returns the pending result payload and clears it, so each
// execution's output is delivered on exactly one heartbeat.
func (t *taskRun) takeResult() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := t.lastResult
	t.lastResult = nil

	return result
}

// restoreResult puts back a payload whose heartbeat failed, unless a newer
// execution already produced one.
func (t *taskRun) restoreResult(result []byte) {
	if result == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastResult == nil {
		t.lastResult = result
	}
}

// NewRunner creates a runner around client, invoking handler for every
// owned task.
func NewRunner(client *Client, handler TaskHandler, cfg RunnerConfig, opts ...RunnerOption) (*Runner, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	cfg.SetDefaults()

	r := &Runner{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  logging.NewNop(),
		tasks:   xsync.NewMap[string, *taskRun](),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Start launches the poll loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.pollLoop(ctx)

	return nil
}

// Stop cancels all task loops and waits for them to exit.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRunnerNotStarted
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OwnedTasks returns the ids currently executing on this runner.
func (r *Runner) OwnedTasks() []string {
	var ids []string
	r.tasks.Range(func(id string, _ *taskRun) bool {
		ids = append(ids, id)
		return true
	})

	return ids
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// First poll immediately so a fresh delegate picks up work without
	// waiting a full interval.
	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	refs, err := r.client.List(ctx)
	if err != nil {
		r.logger.Warn("list poll failed", "error", err)
		return
	}

	current := make(map[string]rpc.TaskRef, len(refs))
	for _, ref := range refs {
		current[ref.ID] = ref
	}

	// Drop tasks the control plane no longer confirms as ours.
	r.tasks.Range(func(id string, run *taskRun) bool {
		if _, ok := current[id]; !ok {
			r.logger.Info("task no longer owned, stopping", "task_id", id)
			r.stopTask(id)
		}

		return true
	})

	for _, ref := range refs {
		if run, ok := r.tasks.Load(ref.ID); ok {
			// Reconfirmed. Track epoch in case the server view advanced.
			run.epoch.Store(ref.Epoch)
			continue
		}

		r.startTask(ctx, ref)
	}
}

func (r *Runner) startTask(ctx context.Context, ref rpc.TaskRef) {
	params, schedule, err := r.client.TaskContext(ctx, ref.ID)
	if err != nil {
		// NotOwner/NotFound here means we lost the task between List and
		// Context; anything else is transient and retried next poll.
		r.logger.Warn("task context fetch failed", "task_id", ref.ID, "error", err)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	run := &taskRun{
		spec:   TaskSpec{Ref: ref, Params: params, Schedule: schedule},
		cancel: cancel,
	}
	run.epoch.Store(ref.Epoch)

	r.tasks.Store(ref.ID, run)
	r.logger.Info("task started", "task_id", ref.ID, "type", ref.Type, "interval", schedule.Interval)

	r.wg.Add(2)
	go r.executeLoop(taskCtx, run)
	go r.heartbeatLoop(taskCtx, run)
}

func (r *Runner) stopTask(id string) {
	if run, ok := r.tasks.LoadAndDelete(id); ok {
		run.cancel()
	}
}

func (r *Runner) executeLoop(ctx context.Context, run *taskRun) {
	defer r.wg.Done()

	ticker := time.NewTicker(run.spec.Schedule.Interval)
	defer ticker.Stop()

	r.executeOnce(ctx, run)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.executeOnce(ctx, run)
		}
	}
}

func (r *Runner) executeOnce(ctx context.Context, run *taskRun) {
	execCtx, cancel := context.WithTimeout(ctx, run.spec.Schedule.Timeout)
	defer cancel()

	result, err := r.handler(execCtx, run.currentSpec())
	if err != nil {
		r.logger.Warn("task execution failed", "task_id", run.spec.Ref.ID, "error", err)
		return
	}

	if result != nil {
		run.setResult(result)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, run *taskRun) {
	defer r.wg.Done()

	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = run.spec.Schedule.Timeout / 3
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := run.takeResult()

			accepted, err := r.client.Heartbeat(ctx, run.spec.Ref.ID, run.epoch.Load(), result)
			if err != nil {
				// The payload was never delivered; let it ride the next beat.
				run.restoreResult(result)
				r.logger.Warn("heartbeat failed", "task_id", run.spec.Ref.ID, "error", err)

				continue
			}

			if !accepted {
				// Superseded: another delegate owns this task now.
				r.logger.Info("heartbeat rejected, stopping task", "task_id", run.spec.Ref.ID)
				r.stopTask(run.spec.Ref.ID)

				return
			}
		}
	}
}
