// Package scheduler admits submissions and runs them. The Scheduler
// handles the admission path (quota, policy, persistence, enqueue);
// the Worker pool pulls from the queue and drives a task end to end.
package scheduler

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/config"
	"github.com/agentflow/runner/internal/control"
	"github.com/agentflow/runner/internal/db"
	"github.com/agentflow/runner/internal/errs"
	"github.com/agentflow/runner/internal/metrics"
	"github.com/agentflow/runner/internal/policy"
	"github.com/agentflow/runner/internal/storage"
	"github.com/agentflow/runner/internal/task"
	"github.com/agentflow/runner/internal/tracing"
)

// Submission is a validated request to run a flow file.
type Submission struct {
	ClientID     string
	FlowID       string
	Filename     string
	File         io.Reader
	InputTimeout int // seconds; 0 uses the configured default
	MaxDuration  int // seconds; 0 uses the configured default
}

// Scheduler admits tasks into the queue.
type Scheduler struct {
	store   *db.Client
	bus     *bus.Bus
	objects *storage.Local
	policy  *policy.Engine
	limits  *config.Manager
	logger  *zap.Logger
}

// New wires the admission path.
func New(store *db.Client, b *bus.Bus, objects *storage.Local, pol *policy.Engine, limits *config.Manager, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		bus:     b,
		objects: objects,
		policy:  pol,
		limits:  limits,
		logger:  logger,
	}
}

// Submit admits one submission: quota, then policy, then persist the
// flow file and the task row, then enqueue. The task is returned in
// PENDING; the queue push is best effort because the reconciler
// re-enqueues stale PENDING rows.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (*task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "task.submit")
	defer span.End()

	if sub.Filename == "" || path.Base(sub.Filename) != sub.Filename {
		return nil, errs.Newf(errs.KindValidationFailed, "invalid filename %q", sub.Filename)
	}

	lim := s.limits.Current()
	active, err := s.store.CountActive(ctx, sub.ClientID)
	if err != nil {
		return nil, err
	}
	if active >= lim.ClientTaskLimit {
		metrics.SubmissionsRejected.WithLabelValues("quota").Inc()
		return nil, errs.Newf(errs.KindQuotaExceeded,
			"client %s has %d active tasks (limit %d)", sub.ClientID, active, lim.ClientTaskLimit)
	}

	decision := s.policy.MayRun(ctx, policy.Input{
		ClientID: sub.ClientID,
		FlowID:   sub.FlowID,
		Active:   active,
	})
	if !decision.Allow {
		metrics.SubmissionsRejected.WithLabelValues("policy").Inc()
		return nil, errs.Newf(errs.KindPermissionDenied, "submission denied: %s", decision.Reason)
	}

	t := &task.Task{
		ID:           uuid.NewString(),
		ClientID:     sub.ClientID,
		FlowID:       sub.FlowID,
		Filename:     sub.Filename,
		Status:       task.StatusPending,
		CreatedAt:    time.Now().UTC(),
		InputTimeout: sub.InputTimeout,
		MaxDuration:  sub.MaxDuration,
	}
	if t.InputTimeout <= 0 {
		t.InputTimeout = lim.InputTimeoutSec
	}
	if t.MaxDuration <= 0 {
		t.MaxDuration = lim.MaxDurationSec
	}

	key := path.Join(t.ClientID, t.ID, t.Filename)
	if err := s.objects.Put(ctx, key, sub.File); err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		// Leave no orphan object behind.
		_ = s.objects.Delete(ctx, path.Join(t.ClientID, t.ID))
		return nil, err
	}

	if err := s.bus.Client().LPush(ctx, bus.QueueKey, t.ID).Err(); err != nil {
		s.logger.Warn("Enqueue failed; reconciler will requeue",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
	}
	metrics.SubmissionsAccepted.Inc()
	s.logger.Info("Task submitted",
		zap.String("task_id", t.ID),
		zap.String("client_id", t.ClientID),
		zap.String("flow_id", t.FlowID),
	)
	return t, nil
}

// Cancel requests cancellation of a task the caller owns. PENDING tasks
// are cancelled directly; running tasks get a cancel frame for the
// owning worker. Repeat cancels of a terminal task are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, t *task.Task) error {
	switch {
	case t.Status.Terminal():
		if t.Status == task.StatusCancelled {
			return nil
		}
		return errs.Newf(errs.KindConflict, "task %s already %s", t.ID, t.Status)
	case t.Status == task.StatusPending:
		now := time.Now().UTC()
		_, err := s.store.UpdateStatus(ctx, t.ID, task.StatusPending, task.StatusCancelled, task.Patch{
			EndedAt: &now,
			Reason:  task.ReasonCancelled,
		})
		if errs.IsKind(err, errs.KindConflict) {
			// A worker claimed it in the meantime; fall through to the frame.
			break
		}
		if err != nil {
			return err
		}
		metrics.TasksFinished.WithLabelValues(string(task.StatusCancelled)).Inc()
		return nil
	}
	// Record the intent durably before signalling, so a lost frame is
	// recovered: the worker checks the flag once subscribed and the
	// reconciler re-publishes frames for flagged tasks.
	if err := s.store.RequestCancel(ctx, t.ID); err != nil {
		return err
	}
	if err := bus.WithRetry(ctx, s.logger, "publish cancel", func() error {
		return s.bus.Publish(ctx, bus.CancelChannel(t.ID), control.CancelEnvelope(t.ID))
	}); err != nil {
		s.logger.Warn("Cancel frame publish failed; reconciler will redeliver",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
	}
	return nil
}

// Delete soft-deletes a task. Active tasks require force, which cancels
// first; the retention reaper removes the backing data later.
func (s *Scheduler) Delete(ctx context.Context, t *task.Task, force bool) error {
	if t.Status.Active() {
		if !force {
			return errs.Newf(errs.KindConflict, "task %s is active; use force", t.ID)
		}
		if err := s.Cancel(ctx, t); err != nil && !errs.IsKind(err, errs.KindConflict) {
			return err
		}
	}
	return s.store.SoftDelete(ctx, t.ID, force)
}
