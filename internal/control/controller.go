// Package control stops running children: user cancellation relayed
// over the bus and the max-duration deadline both land here. Stopping
// is SIGTERM, a grace window, then SIGKILL to the whole process group.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/supervisor"
)

// CancelAction is the data payload of a control frame requesting a stop.
const CancelAction = "cancel"

// CancelEnvelope builds the frame the gateway publishes to stop a task.
func CancelEnvelope(taskID string) envelope.Envelope {
	return envelope.MustNew(envelope.TypeStatus, taskID, map[string]string{
		"action": CancelAction,
	})
}

// Controller watches one running child and delivers its demise.
type Controller struct {
	taskID      string
	handle      *supervisor.Handle
	bus         *bus.Bus
	logger      *zap.Logger
	grace       time.Duration
	maxDuration time.Duration

	ready    chan struct{}
	stopOnce sync.Once
}

// New creates a controller. maxDuration zero means no deadline.
func New(taskID string, handle *supervisor.Handle, b *bus.Bus, grace, maxDuration time.Duration, logger *zap.Logger) *Controller {
	return &Controller{
		taskID:      taskID,
		handle:      handle,
		bus:         b,
		logger:      logger.With(zap.String("task_id", taskID)),
		grace:       grace,
		maxDuration: maxDuration,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the cancel channel subscription is confirmed;
// cancel frames published after that point cannot be lost.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Run blocks until the child exits or ctx is cancelled, acting on
// cancel frames and the max-duration deadline along the way.
func (c *Controller) Run(ctx context.Context) {
	frames, stop := c.bus.Subscribe(ctx, bus.CancelChannel(c.taskID))
	defer stop()
	close(c.ready)

	var deadline <-chan time.Time
	if c.maxDuration > 0 {
		t := time.NewTimer(c.maxDuration)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.handle.Done():
			return
		case env, ok := <-frames:
			if !ok {
				return
			}
			if !isCancelFrame(env) {
				continue
			}
			c.logger.Info("Cancel requested")
			c.handle.MarkStopped(supervisor.StopCancel)
			c.stop(ctx)
		case <-deadline:
			c.logger.Warn("Max duration exceeded, stopping child",
				zap.Duration("max_duration", c.maxDuration))
			c.handle.MarkStopped(supervisor.StopMaxDuration)
			c.stop(ctx)
		}
	}
}

// Cancel stops the child directly; used on worker shutdown.
func (c *Controller) Cancel(ctx context.Context) {
	c.StopWith(ctx, supervisor.StopCancel)
}

// StopWith stops the child recording the given disposition, e.g. a
// protocol violation reported by the mediator.
func (c *Controller) StopWith(ctx context.Context, reason supervisor.StopReason) {
	c.handle.MarkStopped(reason)
	c.stop(ctx)
}

// stop escalates SIGTERM -> grace window -> SIGKILL. Idempotent: the
// second stop request rides on the first escalation.
func (c *Controller) stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		if err := c.handle.Signal(syscall.SIGTERM); err != nil {
			c.logger.Warn("SIGTERM delivery failed", zap.Error(err))
		}
		go func() {
			select {
			case <-c.handle.Done():
				return
			case <-time.After(c.grace):
			}
			c.logger.Warn("Grace window elapsed, killing child group",
				zap.Duration("grace", c.grace))
			if err := c.handle.Signal(syscall.SIGKILL); err != nil {
				c.logger.Error("SIGKILL delivery failed", zap.Error(err))
			}
		}()
	})
}

func isCancelFrame(env envelope.Envelope) bool {
	if env.Type != envelope.TypeStatus {
		return false
	}
	var data struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return false
	}
	return data.Action == CancelAction
}
