package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
	"github.com/payos/taskcore/internal/strategies"
	"github.com/payos/taskcore/internal/tracing"
)

// Scheduler is the worker's claim loop: it polls the store for claimable
// tasks, runs each under its own goroutine with a heartbeat, and decides
// between retry, dead-letter, and handoff when a strategy returns.
//
// Coordination between workers lives entirely in the store's claim
// transaction; schedulers on different hosts never talk to each other.
type Scheduler struct {
	store      *store.Store
	strategies *strategies.Set
	publisher  *events.Publisher
	trail      *audit.Logger
	notifier   *Notifier
	cfg        config.SchedulerConfig
	logger     *zap.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// procBase parents every task's processing context. It is detached from
	// the run context so a shutdown signal does not abort in-flight tasks;
	// procCancel fires only after the shutdown grace period.
	procBase   context.Context
	procCancel context.CancelFunc
}

func New(
	st *store.Store,
	set *strategies.Set,
	pub *events.Publisher,
	trail *audit.Logger,
	notifier *Notifier,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	procBase, procCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		strategies: set,
		publisher:  pub,
		trail:      trail,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		stopCh:     make(chan struct{}),
		procBase:   procBase,
		procCancel: procCancel,
	}
}

// Run polls until the context is cancelled, then drains in-flight tasks
// within the shutdown grace period and explicitly releases stragglers.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("claim loop started",
		zap.String("worker_id", s.cfg.WorkerID),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
	)

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweepLoop(ctx)
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			<-sweepDone
			return
		case <-ticker.C:
			s.claimBatch(ctx)
		}
	}
}

// claimBatch claims tasks up to the local concurrency ceiling. Claiming
// stops on the first miss so an empty pool costs one query per poll.
func (s *Scheduler) claimBatch(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // ceiling reached
		}

		task, err := s.store.ClaimNext(ctx, s.cfg.WorkerID, s.cfg.MaxPerTenant)
		if err != nil {
			<-s.sem
			s.logger.Error("claim failed", zap.Error(err))
			return
		}
		if task == nil {
			<-s.sem
			return
		}

		s.wg.Add(1)
		go func(t *models.Task) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runTask(ctx, t)
		}(task)
	}
}

// runTask supervises one claimed task: heartbeat ticker, processing timeout,
// and outcome handling.
func (s *Scheduler) runTask(ctx context.Context, task *models.Task) {
	agent, err := s.store.AgentConfig(ctx, task.AgentID)
	if err != nil {
		s.fail(ctx, task, err, models.FailureConfiguration)
		return
	}
	metrics.TasksClaimed.WithLabelValues(string(agent.Mode)).Inc()
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()
	start := time.Now()

	strategy, err := s.strategies.For(agent.Mode)
	if err != nil {
		s.fail(ctx, task, err, models.FailureConfiguration)
		return
	}

	// Processing survives run-context cancellation: stragglers at shutdown
	// are released back to the pool, not aborted into the dead letter queue.
	procCtx, cancel := context.WithTimeout(s.procBase, s.cfg.MaxProcessingDuration)
	defer cancel()
	procCtx, span := tracing.StartTaskSpan(procCtx, "task.process", task.ID.String(), string(agent.Mode))
	defer span.End()

	hbStop := make(chan struct{})
	hbLost := make(chan struct{})
	go s.heartbeat(task, hbStop, hbLost, cancel)
	defer close(hbStop)

	err = strategy.Process(procCtx, task, agent)
	metrics.TaskDuration.WithLabelValues(string(agent.Mode)).Observe(time.Since(start).Seconds())

	select {
	case <-hbLost:
		// The sweeper took the claim away; another worker may already own the
		// task, so this one must not touch it again.
		s.logger.Warn("claim lost mid-processing, abandoning task",
			zap.String("task_id", task.ID.String()))
		s.trail.Forget(task.ID)
		return
	default:
	}

	// Outcome handling runs on its own context: by the time a straggler
	// comes back the run context may already be done.
	outCtx, outCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer outCancel()
	if err != nil {
		s.handleFailure(outCtx, task, agent, err)
		return
	}
	s.handleSuccess(outCtx, task, agent)
}

// handleSuccess inspects the stable state the strategy left behind.
func (s *Scheduler) handleSuccess(ctx context.Context, task *models.Task, agent *models.AgentConfig) {
	current, err := s.store.Get(ctx, task.ID)
	if err != nil {
		s.logger.Error("post-processing state read failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}

	switch {
	case current.State == models.StateWorking:
		// Delegated/queued handoff: the claim ends here, the external
		// runtime finishes the task through the update API.
		if err := s.store.Disown(ctx, task.ID, s.cfg.WorkerID); err != nil {
			s.logger.Error("disown failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		}
	case current.State.Terminal():
		metrics.TasksCompleted.WithLabelValues(string(agent.Mode), string(current.State)).Inc()
		s.finishTerminal(ctx, current)
	case current.State == models.StateNeedsInput:
		metrics.TasksCompleted.WithLabelValues(string(agent.Mode), string(current.State)).Inc()
		s.trail.Forget(task.ID)
	}
}

// handleFailure decides between requeue-with-backoff and dead-lettering.
// A cancellation during shutdown is neither: the claim goes back to the pool
// untouched so another worker resumes from durable history.
func (s *Scheduler) handleFailure(ctx context.Context, task *models.Task, agent *models.AgentConfig, procErr error) {
	if errors.Is(procErr, context.Canceled) && s.stopping() {
		if err := s.store.Release(ctx, task.ID, s.cfg.WorkerID, 0, false); err != nil {
			s.logger.Error("shutdown release failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			return
		}
		s.logger.Info("in-flight task released on shutdown",
			zap.String("task_id", task.ID.String()))
		s.trail.Forget(task.ID)
		return
	}

	s.trail.Error(ctx, task.ID, procErr, "processing failed")

	if audit.Retriable(procErr) && task.RetryCount < s.cfg.MaxRetries {
		backoff := audit.Backoff(2*time.Second, task.RetryCount)
		if err := s.store.Release(ctx, task.ID, s.cfg.WorkerID, backoff, true); err != nil {
			s.logger.Error("release for retry failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			return
		}
		s.logger.Info("task released for retry",
			zap.String("task_id", task.ID.String()),
			zap.Int("retry_count", task.RetryCount+1),
			zap.Duration("backoff", backoff),
		)
		s.trail.Forget(task.ID)
		return
	}

	class := audit.Classify(procErr, task.RetryCount, s.cfg.MaxRetries)
	s.fail(ctx, task, procErr, class)
	metrics.TasksCompleted.WithLabelValues(string(agent.Mode), string(models.StateFailed)).Inc()
}

// fail drives the task to failed from whatever non-terminal state it is in
// and snapshots it to the dead letter queue.
func (s *Scheduler) fail(ctx context.Context, task *models.Task, cause error, class models.FailureClass) {
	current, err := s.store.Get(ctx, task.ID)
	if err != nil {
		s.logger.Error("failed-task read failed",
			zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}
	if !current.State.Terminal() {
		if err := s.store.Transition(ctx, task.ID, current.State, models.StateFailed, cause.Error()); err != nil {
			s.logger.Error("transition to failed failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			return
		}
		s.trail.StateChange(ctx, task.ID, current.State, models.StateFailed, string(class))
		current.State = models.StateFailed
		current.ErrorDetails = cause.Error()
	}

	s.trail.DeadLetter(ctx, current, class, cause)
	s.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:     events.TypeError,
		State:    string(models.StateFailed),
		Message:  cause.Error(),
		Terminal: true,
	})
	s.finishTerminal(ctx, current)
}

// finishTerminal runs the post-terminal housekeeping: webhook notification,
// audit counter eviction, replay history teardown.
func (s *Scheduler) finishTerminal(ctx context.Context, task *models.Task) {
	if task.NotifyEndpoint != "" && s.notifier != nil {
		s.notifier.NotifyTerminal(ctx, task)
	}
	s.trail.Forget(task.ID)
	s.publisher.Bus().Forget(task.ID.String())
}

// heartbeat renews the claim lease until stopped. Losing the lease cancels
// processing: the sweeper has already handed the task to the pool.
func (s *Scheduler) heartbeat(task *models.Task, stop <-chan struct{}, lost chan<- struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.store.Heartbeat(ctx, task.ID, s.cfg.WorkerID)
			done()
			if err == store.ErrNotOwner {
				close(lost)
				cancel()
				return
			}
			if err != nil {
				s.logger.Warn("heartbeat failed",
					zap.String("task_id", task.ID.String()), zap.Error(err))
			}
		}
	}
}

// sweepLoop periodically returns stale claims to the pool. Staleness is
// measured in missed heartbeats, not processing time: long tasks stay claimed
// as long as their worker is alive.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	staleAfter := 3 * s.cfg.HeartbeatInterval
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ids, err := s.store.SweepStale(sweepCtx, staleAfter)
			cancel()
			if err != nil {
				s.logger.Error("stale claim sweep failed", zap.Error(err))
				continue
			}
			for _, id := range ids {
				metrics.StaleClaimsReleased.Inc()
				s.logger.Warn("stale claim released", zap.String("task_id", id.String()))
				s.publisher.Publish(ctx, id.String(), events.Event{
					Type:    events.TypeStateChange,
					State:   string(models.StateSubmitted),
					Message: "claim expired, task requeued",
				})
			}
		}
	}
}

// shutdown waits out the grace period, then cancels the stragglers'
// processing contexts so each releases its own claim, and finally sweeps
// whatever is still owned as a backstop.
func (s *Scheduler) shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.logger.Info("claim loop stopping, draining in-flight tasks",
		zap.Duration("grace", s.cfg.ShutdownGrace))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all in-flight tasks drained")
		return
	case <-time.After(s.cfg.ShutdownGrace):
	}

	// Grace elapsed: cancel processing. Each straggler's strategy returns
	// context.Canceled and handleFailure hands the claim back to the pool.
	s.procCancel()
	select {
	case <-done:
		s.logger.Info("straggler claims released")
		return
	case <-time.After(10 * time.Second):
	}

	// Backstop for workers stuck past cancellation: force the claims back so
	// another worker can resume from durable history.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	released, err := s.releaseOwned(ctx)
	if err != nil {
		s.logger.Error("straggler release failed", zap.Error(err))
		return
	}
	s.logger.Warn("released straggler claims on shutdown", zap.Int("count", released))
}

// stopping reports whether shutdown has begun.
func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) releaseOwned(ctx context.Context) (int, error) {
	ids, err := s.store.ReleaseAllOwned(ctx, s.cfg.WorkerID)
	if err != nil {
		return 0, fmt.Errorf("release owned claims: %w", err)
	}
	for _, id := range ids {
		s.trail.Forget(id)
	}
	return len(ids), nil
}
