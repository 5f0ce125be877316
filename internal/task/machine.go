package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/errs"
)

// Store is the persistence contract the machine journals through.
// UpdateStatus compares-and-swaps on the prior status and returns a
// Conflict error when the row moved underneath the caller.
type Store interface {
	UpdateStatus(ctx context.Context, id string, from, to Status, patch Patch) (*Task, error)
}

// Machine serializes every status transition for one task through a
// single goroutine, journaling to the store before notifying observers
// on the status channel. The owning worker runs the loop; the mediator
// and the cancellation controller submit requests to it.
type Machine struct {
	taskID string
	store  Store
	bus    *bus.Bus
	logger *zap.Logger

	current Status
	reqCh   chan transitionReq
	doneCh  chan struct{}
}

type transitionReq struct {
	to    Status
	patch Patch
	reply chan transitionResult
}

type transitionResult struct {
	task *Task
	err  error
}

// NewMachine creates a machine for a task currently in `current`.
func NewMachine(taskID string, current Status, store Store, b *bus.Bus, logger *zap.Logger) *Machine {
	return &Machine{
		taskID:  taskID,
		store:   store,
		bus:     b,
		logger:  logger.With(zap.String("task_id", taskID)),
		current: current,
		reqCh:   make(chan transitionReq),
		doneCh:  make(chan struct{}),
	}
}

// Run processes transition requests until ctx is cancelled or the task
// reaches a terminal state. Always invoked by exactly one goroutine.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.reqCh:
			result := m.apply(ctx, req.to, req.patch)
			req.reply <- result
			if result.err == nil && req.to.Terminal() {
				return
			}
		}
	}
}

// Transition requests a status change and waits for the journaled
// outcome. Safe to call from any goroutine.
func (m *Machine) Transition(ctx context.Context, to Status, patch Patch) (*Task, error) {
	req := transitionReq{to: to, patch: patch, reply: make(chan transitionResult, 1)}
	select {
	case m.reqCh <- req:
	case <-m.doneCh:
		return nil, errs.Newf(errs.KindConflict, "task %s already terminal", m.taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.task, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the last status observed by the machine's loop. Only
// meaningful to the owning worker between Transition calls.
func (m *Machine) Current() Status { return m.current }

func (m *Machine) apply(ctx context.Context, to Status, patch Patch) transitionResult {
	from := m.current
	if from == to && to.Terminal() {
		// Idempotent repeat (e.g. second cancel); nothing to journal.
		return transitionResult{}
	}
	if !CanTransition(from, to) {
		return transitionResult{err: errs.Newf(errs.KindConflict,
			"illegal transition %s -> %s", from, to)}
	}
	if to.Terminal() && patch.EndedAt == nil {
		now := time.Now().UTC()
		patch.EndedAt = &now
	}

	// Journal before observers: retried until success or the hard
	// deadline, after which the task is failed as infrastructure.
	var updated *Task
	journal := func() error {
		var err error
		journalCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		updated, err = m.store.UpdateStatus(journalCtx, m.taskID, from, to, patch)
		return err
	}
	if err := bus.WithRetry(ctx, m.logger, "journal status", journal); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			return transitionResult{err: err}
		}
		return transitionResult{err: errs.Wrap(errs.KindPersistenceUnavailable,
			"journal transition", err)}
	}

	m.current = to
	m.logger.Info("Task transitioned",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	// Best effort notify; the journal is the source of truth.
	env := envelope.MustNew(envelope.TypeStatus, m.taskID, map[string]string{
		"status": string(to),
		"reason": patch.Reason,
	})
	if err := m.bus.Publish(ctx, bus.StatusChannel(m.taskID), env); err != nil {
		m.logger.Warn("Status publish failed", zap.Error(err))
	}
	return transitionResult{task: updated}
}
