// Package supervisor owns child processes: it provisions an isolated
// working directory per task, launches the flow interpreter in its own
// process group, forwards signals, and interprets exit status.
//
// The supervisor never parses child stdout/stderr for domain I/O; that
// travels over the stream bus. stderr is captured only as an opaque
// failure diagnostic.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/storage"
	"github.com/agentflow/runner/internal/task"
)

// Signal dispositions recorded when we deliberately kill a child, used
// to map the observed exit into a terminal status.
type StopReason int

const (
	StopNone StopReason = iota
	StopCancel
	StopMaxDuration
	StopProtocol
)

// Supervisor launches and tracks child processes.
type Supervisor struct {
	workRoot    string
	flowCommand string
	redisURL    string
	store       *storage.Local
	logger      *zap.Logger
}

// New creates a supervisor rooted at workRoot.
func New(workRoot, flowCommand, redisURL string, store *storage.Local, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		workRoot:    workRoot,
		flowCommand: flowCommand,
		redisURL:    redisURL,
		store:       store,
		logger:      logger,
	}
}

// Handle controls one running child.
type Handle struct {
	taskID  string
	workDir string
	taskDir string
	cmd     *exec.Cmd
	stderr  *boundedBuffer
	logger  *zap.Logger

	mu     sync.Mutex
	reason StopReason

	waitOnce sync.Once
	waitRes  waitResult
	waitCh   chan struct{}
}

type waitResult struct {
	exitCode int
	err      error
}

// Launch provisions the environment and starts the child. The flow
// file is materialized from object storage under a fresh working
// directory; the child is told where to find the stream bus via its
// environment.
func (s *Supervisor) Launch(ctx context.Context, t *task.Task) (*Handle, error) {
	taskDir := filepath.Join(s.workRoot, t.ClientID, t.ID)
	workDir := filepath.Join(taskDir, "app")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	flowKey := filepath.Join(t.ClientID, t.ID, t.Filename)
	if err := s.store.CopyTo(ctx, flowKey, filepath.Join(workDir, t.Filename)); err != nil {
		os.RemoveAll(taskDir)
		return nil, fmt.Errorf("materialize flow file: %w", err)
	}

	cmd := exec.Command(s.flowCommand, "--task-id", t.ID, t.Filename)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"FLOW_TASK_ID="+t.ID,
		"FLOW_REDIS_URL="+s.redisURL,
		fmt.Sprintf("FLOW_INPUT_TIMEOUT=%d", t.InputTimeout),
	)
	stderr := newBoundedBuffer(64 * 1024)
	cmd.Stdout = nil
	cmd.Stderr = stderr
	// Own process group so signals reach descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(taskDir)
		return nil, fmt.Errorf("start child: %w", err)
	}

	h := &Handle{
		taskID:  t.ID,
		workDir: workDir,
		taskDir: taskDir,
		cmd:     cmd,
		stderr:  stderr,
		logger:  s.logger.With(zap.String("task_id", t.ID)),
		waitCh:  make(chan struct{}),
	}
	go h.wait()

	s.logger.Info("Child started",
		zap.String("task_id", t.ID),
		zap.Int("pid", cmd.Process.Pid),
	)
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	res := waitResult{}
	if err == nil {
		res.exitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			// Conventional 128+signal encoding for signal deaths.
			res.exitCode = 128 + int(status.Signal())
		} else {
			res.exitCode = exitErr.ExitCode()
		}
	} else {
		res.exitCode = -1
		res.err = err
	}
	h.waitOnce.Do(func() {
		h.waitRes = res
		close(h.waitCh)
	})
}

// Signal delivers sig to the child's process group.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("child not started")
	}
	// Negative pid addresses the process group.
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal child group: %w", err)
	}
	return nil
}

// MarkStopped records why we are killing the child; the first reason
// recorded wins.
func (h *Handle) MarkStopped(reason StopReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == StopNone {
		h.reason = reason
	}
}

func (h *Handle) stopReason() StopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Wait blocks until the child exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.waitCh:
		return h.waitRes.exitCode, h.waitRes.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once the child has exited.
func (h *Handle) Done() <-chan struct{} { return h.waitCh }

// Stderr returns the captured failure diagnostic.
func (h *Handle) Stderr() string { return h.stderr.String() }

// WorkDir is the child's isolated working directory.
func (h *Handle) WorkDir() string { return h.workDir }

// TaskDir is the per-task root containing the working directory.
func (h *Handle) TaskDir() string { return h.taskDir }

// Outcome maps the observed exit into a terminal status and reason.
func (h *Handle) Outcome(exitCode int) (task.Status, string) {
	switch h.stopReason() {
	case StopCancel:
		return task.StatusCancelled, task.ReasonCancelled
	case StopMaxDuration:
		return task.StatusFailed, task.ReasonTimeout
	case StopProtocol:
		return task.StatusFailed, task.ReasonProtocol
	}
	if exitCode == 0 {
		return task.StatusCompleted, ""
	}
	return task.StatusFailed, fmt.Sprintf("exit_code_%d", exitCode)
}

// Cleanup removes the task's working tree. Safe to call after Wait.
func (h *Handle) Cleanup() {
	if err := os.RemoveAll(h.taskDir); err != nil {
		h.logger.Warn("Work dir cleanup failed", zap.Error(err))
	}
}
