// Package mediator arbitrates the interactive input flow for one
// running task. The child publishes input_request frames; users answer
// over HTTP or WebSocket, which the gateway relays as input_response
// frames. The mediator is the single writer for the
// RUNNING <-> WAITING_FOR_INPUT flips and enforces the one-outstanding-
// prompt protocol.
package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/metrics"
	"github.com/agentflow/runner/internal/task"
)

// timeoutAnswer is fed to the child when no response arrives in time,
// matching the blank-line convention interactive prompts expect.
const timeoutAnswer = "\n"

// Violation describes a protocol breach by the child; the worker fails
// the task, stops the process, and records Detail in the results.
type Violation struct {
	Reason string
	Detail string
}

type pendingInput struct {
	requestID string
	timer     *time.Timer
	expired   <-chan time.Time
}

// Mediator runs the input protocol for a single task. One instance per
// running task, owned by the executing worker.
type Mediator struct {
	taskID       string
	inputTimeout time.Duration
	machine      *task.Machine
	bus          *bus.Bus
	logger       *zap.Logger

	violationCh chan Violation
	ready       chan struct{}
	pending     *pendingInput
	seen        map[string]struct{}
}

// New creates a mediator for a task whose prompts time out after
// inputTimeout.
func New(taskID string, inputTimeout time.Duration, machine *task.Machine, b *bus.Bus, logger *zap.Logger) *Mediator {
	return &Mediator{
		taskID:       taskID,
		inputTimeout: inputTimeout,
		machine:      machine,
		bus:          b,
		logger:       logger.With(zap.String("task_id", taskID)),
		violationCh:  make(chan Violation, 1),
		ready:        make(chan struct{}),
		seen:         make(map[string]struct{}),
	}
}

// Violations signals protocol breaches to the owning worker.
func (m *Mediator) Violations() <-chan Violation { return m.violationCh }

// Ready is closed once both input subscriptions are confirmed. The
// worker must wait on it before launching the child so no prompt is
// lost.
func (m *Mediator) Ready() <-chan struct{} { return m.ready }

// Run subscribes to the task's input channels and arbitrates until ctx
// is cancelled.
func (m *Mediator) Run(ctx context.Context) {
	requests, stopReq := m.bus.Subscribe(ctx, bus.InputRequestChannel(m.taskID))
	defer stopReq()
	responses, stopResp := m.bus.Subscribe(ctx, bus.InputResponseChannel(m.taskID))
	defer stopResp()
	close(m.ready)

	for {
		var expired <-chan time.Time
		if m.pending != nil {
			expired = m.pending.expired
		}
		select {
		case <-ctx.Done():
			m.disarm()
			return
		case env, ok := <-requests:
			if !ok {
				return
			}
			m.handleRequest(ctx, env)
		case env, ok := <-responses:
			if !ok {
				return
			}
			m.handleResponse(ctx, env)
		case <-expired:
			m.handleTimeout(ctx)
		}
	}
}

func (m *Mediator) handleRequest(ctx context.Context, env envelope.Envelope) {
	if _, dup := m.seen[env.DedupeKey()]; dup {
		return
	}
	m.seen[env.DedupeKey()] = struct{}{}

	if m.pending != nil {
		outstanding := m.pending.requestID
		m.logger.Warn("Second prompt while one is outstanding",
			zap.String("pending_request_id", outstanding),
			zap.String("request_id", env.RequestID),
		)
		m.disarm()
		select {
		case m.violationCh <- Violation{
			Reason: task.ReasonProtocol,
			Detail: fmt.Sprintf("prompt %s issued while prompt %s was outstanding",
				env.RequestID, outstanding),
		}:
		default:
		}
		return
	}

	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	reqID := env.RequestID

	if _, err := m.machine.Transition(ctx, task.StatusWaitingForInput, task.Patch{
		InputReqID: &reqID,
	}); err != nil {
		// Terminal or cancelled underneath us; the prompt dies with the task.
		m.logger.Warn("Prompt arrived for non-running task", zap.Error(err))
		return
	}

	// Surface the prompt to stream consumers so replay shows it too.
	if err := bus.WithRetry(ctx, m.logger, "append prompt", func() error {
		return m.bus.AppendOutput(ctx, env)
	}); err != nil {
		m.logger.Error("Prompt append failed", zap.Error(err))
	}

	timer := time.NewTimer(m.inputTimeout)
	m.pending = &pendingInput{requestID: reqID, timer: timer, expired: timer.C}
	metrics.InputRequests.Inc()
	m.logger.Info("Awaiting input",
		zap.String("request_id", reqID),
		zap.Duration("timeout", m.inputTimeout),
	)
}

func (m *Mediator) handleResponse(ctx context.Context, env envelope.Envelope) {
	if m.pending == nil {
		m.logger.Debug("Response with no prompt outstanding",
			zap.String("request_id", env.RequestID))
		return
	}
	if env.RequestID != m.pending.requestID {
		m.logger.Warn("Response for stale request",
			zap.String("request_id", env.RequestID),
			zap.String("pending_request_id", m.pending.requestID),
		)
		return
	}
	m.resolve(ctx, env, false)
}

func (m *Mediator) handleTimeout(ctx context.Context) {
	if m.pending == nil {
		return
	}
	reqID := m.pending.requestID
	m.logger.Info("Input timed out, answering blank", zap.String("request_id", reqID))

	env := envelope.MustNew(envelope.TypeInputResponse, m.taskID, timeoutAnswer)
	env.RequestID = reqID
	// Unblock the child, then fall through to the same resolution path.
	if err := bus.WithRetry(ctx, m.logger, "publish timeout answer", func() error {
		return m.bus.Publish(ctx, bus.InputResponseChannel(m.taskID), env)
	}); err != nil {
		m.logger.Error("Timeout answer publish failed", zap.Error(err))
	}
	m.resolve(ctx, env, true)

	// Request-scoped termination hint: lets consumers distinguish a
	// timed-out prompt from an answered one. The task itself keeps
	// running.
	hint := envelope.MustNew(envelope.TypeTermination, m.taskID, map[string]string{
		"reason": "input_timeout",
	})
	hint.RequestID = reqID
	if err := bus.WithRetry(ctx, m.logger, "append timeout hint", func() error {
		return m.bus.AppendOutput(ctx, hint)
	}); err != nil {
		m.logger.Error("Timeout hint append failed", zap.Error(err))
	}
}

// resolve closes the outstanding prompt: stop the timer, flip back to
// RUNNING, and echo the answer into the output stream. First matching
// response wins; everything after is ignored by the pending == nil
// check upstream.
func (m *Mediator) resolve(ctx context.Context, env envelope.Envelope, timedOut bool) {
	m.disarm()

	if _, err := m.machine.Transition(ctx, task.StatusRunning, task.Patch{
		ClearInput: true,
	}); err != nil {
		m.logger.Warn("Resume transition failed", zap.Error(err))
		return
	}

	echo := env
	if env.Password != nil && *env.Password {
		redacted, _ := json.Marshal("********")
		echo.Data = redacted
	}
	if err := bus.WithRetry(ctx, m.logger, "append answer", func() error {
		return m.bus.AppendOutput(ctx, echo)
	}); err != nil {
		m.logger.Error("Answer append failed", zap.Error(err))
	}
	outcome := "answered"
	if timedOut {
		outcome = "timeout"
	}
	metrics.InputResolved.WithLabelValues(outcome).Inc()
	m.logger.Info("Input resolved",
		zap.String("request_id", env.RequestID),
		zap.Bool("timed_out", timedOut),
	)
}

func (m *Mediator) disarm() {
	if m.pending == nil {
		return
	}
	m.pending.timer.Stop()
	m.pending = nil
}
