package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/control"
	"github.com/agentflow/runner/internal/db"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/metrics"
	"github.com/agentflow/runner/internal/storage"
	"github.com/agentflow/runner/internal/task"
)

// Reconciler is the background janitor: it fails tasks whose worker
// died, re-enqueues submissions whose queue entry was lost, and purges
// tasks past their retention window.
type Reconciler struct {
	store     *db.Client
	bus       *bus.Bus
	objects   *storage.Local
	logger    *zap.Logger
	interval  time.Duration
	retention func() time.Duration
}

// NewReconciler wires the janitor. retention is read per sweep so the
// hot-reloaded setting takes effect without restart.
func NewReconciler(store *db.Client, b *bus.Bus, objects *storage.Local, interval time.Duration, retention func() time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		bus:       b,
		objects:   objects,
		logger:    logger,
		interval:  interval,
		retention: retention,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all reconciliation jobs.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.reapOrphans(ctx)
	r.requeuePending(ctx)
	r.redeliverCancels(ctx)
	r.purgeExpired(ctx)
}

// reapOrphans fails active tasks whose worker lease has expired. The
// lease key carries a TTL refreshed by the owning worker; absence
// after the grace cutoff means the worker is gone.
func (r *Reconciler) reapOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-2 * time.Minute)
	candidates, err := r.store.OrphanCandidates(ctx, cutoff)
	if err != nil {
		r.logger.Warn("Orphan scan failed", zap.Error(err))
		return
	}
	for _, t := range candidates {
		exists, err := r.bus.Client().Exists(ctx, bus.LeaseKey(t.ID)).Result()
		if err != nil {
			r.logger.Warn("Lease check failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if exists > 0 {
			continue
		}
		now := time.Now().UTC()
		if _, err := r.store.UpdateStatus(ctx, t.ID, t.Status, task.StatusFailed, task.Patch{
			EndedAt: &now,
			Reason:  task.ReasonInfrastructure,
		}); err != nil {
			r.logger.Warn("Orphan fail transition rejected",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		metrics.OrphansReaped.Inc()
		r.logger.Warn("Orphaned task failed", zap.String("task_id", t.ID))

		term := envelope.MustNew(envelope.TypeTermination, t.ID, map[string]string{
			"status": string(task.StatusFailed),
			"reason": task.ReasonInfrastructure,
		})
		if err := r.bus.AppendOutput(ctx, term); err != nil {
			r.logger.Warn("Orphan termination append failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := r.bus.Publish(ctx, bus.StatusChannel(t.ID), term); err != nil {
			r.logger.Warn("Orphan status publish failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// requeuePending pushes stale PENDING tasks back on the queue. Workers
// claim via compare-and-swap, so a duplicate entry is harmless.
func (r *Reconciler) requeuePending(ctx context.Context) {
	pending, err := r.store.OldestPending(ctx, 50)
	if err != nil {
		r.logger.Warn("Pending scan failed", zap.Error(err))
		return
	}
	stale := time.Now().Add(-5 * time.Minute)
	for _, t := range pending {
		if t.CreatedAt.After(stale) {
			continue
		}
		if err := r.bus.Client().LPush(ctx, bus.QueueKey, t.ID).Err(); err != nil {
			r.logger.Warn("Requeue failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		r.logger.Info("Stale pending task requeued", zap.String("task_id", t.ID))
	}
}

// redeliverCancels re-publishes cancel frames for active tasks whose
// cancel intent is journaled. Covers frames lost to pub/sub: the
// owning worker acts on the first frame it sees and ignores repeats.
func (r *Reconciler) redeliverCancels(ctx context.Context) {
	flagged, err := r.store.PendingCancels(ctx, 50)
	if err != nil {
		r.logger.Warn("Cancel intent scan failed", zap.Error(err))
		return
	}
	for _, t := range flagged {
		if err := r.bus.Publish(ctx, bus.CancelChannel(t.ID), control.CancelEnvelope(t.ID)); err != nil {
			r.logger.Warn("Cancel redelivery failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		r.logger.Info("Cancel frame redelivered", zap.String("task_id", t.ID))
	}
}

// purgeExpired removes terminal tasks past retention: streams first,
// then stored objects, then the row.
func (r *Reconciler) purgeExpired(ctx context.Context) {
	cutoff := time.Now().Add(-r.retention())
	expired, err := r.store.ExpiredTasks(ctx, cutoff)
	if err != nil {
		r.logger.Warn("Retention scan failed", zap.Error(err))
		return
	}
	for _, t := range expired {
		if err := r.bus.Delete(ctx, bus.OutputStream(t.ID)); err != nil {
			r.logger.Warn("Stream delete failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if err := r.objects.Delete(ctx, t.ClientID+"/"+t.ID); err != nil {
			r.logger.Warn("Object delete failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if err := r.store.PurgeTask(ctx, t.ID); err != nil {
			r.logger.Warn("Row purge failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		metrics.TasksPurged.Inc()
		r.logger.Info("Expired task purged", zap.String("task_id", t.ID))
	}
}
