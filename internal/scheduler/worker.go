package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/collector"
	"github.com/agentflow/runner/internal/control"
	"github.com/agentflow/runner/internal/db"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/errs"
	"github.com/agentflow/runner/internal/mediator"
	"github.com/agentflow/runner/internal/metrics"
	"github.com/agentflow/runner/internal/supervisor"
	"github.com/agentflow/runner/internal/task"
	"github.com/agentflow/runner/internal/tracing"
)

const (
	leaseTTL       = 60 * time.Second
	leaseHeartbeat = 20 * time.Second
	popTimeout     = 5 * time.Second
)

// Worker pulls task ids off the queue and drives each execution end to
// end: claim, launch, mediate input, stop on cancel or deadline,
// collect results, journal the terminal status.
type Worker struct {
	store     *db.Client
	bus       *bus.Bus
	sup       *supervisor.Supervisor
	collector *collector.Collector
	grace     time.Duration
	slots     int
	logger    *zap.Logger
}

// NewWorker creates a pool with the given concurrency.
func NewWorker(store *db.Client, b *bus.Bus, sup *supervisor.Supervisor, col *collector.Collector, grace time.Duration, slots int, logger *zap.Logger) *Worker {
	return &Worker{
		store:     store,
		bus:       b,
		sup:       sup,
		collector: col,
		grace:     grace,
		slots:     slots,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled. Each slot loops on the queue; a
// running task is stopped gracefully when ctx ends.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	logger := w.logger.With(zap.Int("slot", slot))
	for ctx.Err() == nil {
		res, err := w.bus.Client().BRPop(ctx, popTimeout, bus.QueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		w.runTask(ctx, res[1], logger)
	}
}

// runTask executes one task. Every exit path lands the task in a
// terminal status or leaves it for the reconciler (lease expiry).
func (w *Worker) runTask(ctx context.Context, taskID string, logger *zap.Logger) {
	logger = logger.With(zap.String("task_id", taskID))
	ctx, span := tracing.StartTaskSpan(ctx, "task.run", taskID)
	defer span.End()

	t, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("Claimed unknown task", zap.Error(err))
		return
	}
	if t.Status != task.StatusPending {
		// Duplicate queue entry; someone else owns it.
		logger.Debug("Skipping non-pending task", zap.String("status", string(t.Status)))
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	lease := bus.LeaseKey(t.ID)
	if err := w.bus.Client().Set(runCtx, lease, "1", leaseTTL).Err(); err != nil {
		logger.Warn("Lease acquire failed", zap.Error(err))
		return
	}
	defer w.bus.Client().Del(context.Background(), lease)
	go w.heartbeat(runCtx, lease)

	machine := task.NewMachine(t.ID, t.Status, w.store, w.bus, logger)
	machineCtx, stopMachine := context.WithCancel(context.Background())
	defer stopMachine()
	go machine.Run(machineCtx)

	started := time.Now().UTC()
	if _, err := machine.Transition(runCtx, task.StatusRunning, task.Patch{
		StartedAt: &started,
	}); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			logger.Debug("Task claimed elsewhere", zap.Error(err))
			return
		}
		logger.Error("Claim transition failed", zap.Error(err))
		return
	}
	metrics.TasksStarted.Inc()
	metrics.RunningTasks.Inc()
	defer metrics.RunningTasks.Dec()

	// The mediator must be subscribed before the child can prompt.
	med := mediator.New(t.ID, time.Duration(t.InputTimeout)*time.Second, machine, w.bus, logger)
	go med.Run(runCtx)
	select {
	case <-med.Ready():
	case <-runCtx.Done():
		return
	}

	handle, err := w.sup.Launch(runCtx, t)
	if err != nil {
		logger.Error("Launch failed", zap.Error(err))
		w.finish(runCtx, machine, t, nil, task.StatusFailed, task.ReasonInfrastructure, nil, started)
		return
	}

	ctrl := control.New(t.ID, handle, w.bus, w.grace, time.Duration(t.MaxDuration)*time.Second, logger)
	go ctrl.Run(runCtx)
	select {
	case <-ctrl.Ready():
		// A cancel journaled before our subscription landed has no
		// frame for us; honor the durable intent now.
		if requested, err := w.store.CancelRequested(runCtx, t.ID); err == nil && requested {
			logger.Info("Cancel was requested before the controller attached")
			ctrl.Cancel(runCtx)
		}
	case <-runCtx.Done():
	}

	var violation string
	select {
	case <-handle.Done():
	case v := <-med.Violations():
		logger.Warn("Input protocol violated, stopping child", zap.String("detail", v.Detail))
		violation = v.Detail
		ctrl.StopWith(runCtx, supervisor.StopProtocol)
		<-handle.Done()
	case <-ctx.Done():
		// Worker shutdown: stop the child and wait it out.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.grace+10*time.Second)
		defer cancel()
		ctrl.Cancel(shutdownCtx)
		select {
		case <-handle.Done():
		case <-shutdownCtx.Done():
		}
		runCtx = shutdownCtx
	}

	exitCode, waitErr := handle.Wait(runCtx)
	if waitErr != nil {
		logger.Error("Wait failed", zap.Error(waitErr))
	}
	status, reason := handle.Outcome(exitCode)
	results := w.collector.Collect(runCtx, t.ClientID, t.ID, handle.WorkDir(), handle.Stderr(), exitCode, violation)
	w.finish(runCtx, machine, t, results, status, reason, handle, started)
}

// finish journals the terminal transition and appends the termination
// frame consumers use to end their tails.
func (w *Worker) finish(ctx context.Context, machine *task.Machine, t *task.Task, results []byte, status task.Status, reason string, handle *supervisor.Handle, started time.Time) {
	logger := w.logger.With(zap.String("task_id", t.ID))
	if _, err := machine.Transition(ctx, status, task.Patch{
		Results: results,
		Reason:  reason,
	}); err != nil {
		// Cancelled or failed by another writer; the journal won.
		logger.Warn("Terminal transition rejected", zap.Error(err))
	} else {
		metrics.TasksFinished.WithLabelValues(string(status)).Inc()
		metrics.TaskDuration.Observe(time.Since(started).Seconds())
	}

	term := envelope.MustNew(envelope.TypeTermination, t.ID, map[string]string{
		"status": string(status),
		"reason": reason,
	})
	if err := bus.WithRetry(ctx, logger, "append termination", func() error {
		return w.bus.AppendOutput(ctx, term)
	}); err != nil {
		logger.Error("Termination append failed", zap.Error(err))
	}

	if handle != nil {
		handle.Cleanup()
	}
	logger.Info("Task finished",
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
}

func (w *Worker) heartbeat(ctx context.Context, lease string) {
	ticker := time.NewTicker(leaseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.bus.Client().Expire(ctx, lease, leaseTTL).Err(); err != nil && ctx.Err() == nil {
				w.logger.Warn("Lease refresh failed", zap.Error(err))
			}
		}
	}
}
