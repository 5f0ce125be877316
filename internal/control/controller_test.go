package control

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/storage"
	"github.com/agentflow/runner/internal/supervisor"
	"github.com/agentflow/runner/internal/task"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return bus.NewWithClient(rdb, 100, zap.NewNop())
}

func launchSleeper(t *testing.T, taskID string) *supervisor.Handle {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, filepath.Join("c-1", taskID, "flow.sh"), strings.NewReader("sleep 60")))

	sup := supervisor.New(t.TempDir(), "/bin/sh", "redis://localhost:6379/0", store, zap.NewNop())
	h, err := sup.Launch(ctx, &task.Task{ID: taskID, ClientID: "c-1", Filename: "flow.sh"})
	require.NoError(t, err)
	t.Cleanup(h.Cleanup)
	return h
}

func TestIsCancelFrame(t *testing.T) {
	assert.True(t, isCancelFrame(CancelEnvelope("t-1")))
	assert.False(t, isCancelFrame(envelope.MustNew(envelope.TypePrint, "t-1", "hello")))
	assert.False(t, isCancelFrame(envelope.MustNew(envelope.TypeStatus, "t-1", map[string]string{
		"status": "RUNNING",
	})))
}

func TestCancelFrameStopsChild(t *testing.T) {
	b := newTestBus(t)
	h := launchSleeper(t, "t-1")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := New("t-1", h, b, 5*time.Second, 0, zap.NewNop())
	go c.Run(ctx)
	select {
	case <-c.Ready():
	case <-ctx.Done():
		t.Fatal("controller never became ready")
	}

	// Publishing the instant Ready fires must be safe: the cancel
	// subscription is confirmed before Ready closes.
	require.NoError(t, b.Publish(ctx, bus.CancelChannel("t-1"), CancelEnvelope("t-1")))

	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatal("child not stopped")
	}
	code, err := h.Wait(ctx)
	require.NoError(t, err)
	status, reason := h.Outcome(code)
	assert.Equal(t, task.StatusCancelled, status)
	assert.Equal(t, task.ReasonCancelled, reason)
}

func TestMaxDurationStopsChild(t *testing.T) {
	b := newTestBus(t)
	h := launchSleeper(t, "t-2")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := New("t-2", h, b, 5*time.Second, 300*time.Millisecond, zap.NewNop())
	go c.Run(ctx)

	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatal("child not stopped by deadline")
	}
	code, err := h.Wait(ctx)
	require.NoError(t, err)
	status, reason := h.Outcome(code)
	assert.Equal(t, task.StatusFailed, status)
	assert.Equal(t, task.ReasonTimeout, reason)
}

func TestEscalatesToKillAfterGrace(t *testing.T) {
	b := newTestBus(t)
	// The child traps SIGTERM and refuses to die.
	store, err := storage.NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	script := "trap '' TERM; while :; do sleep 0.1 || :; done"
	require.NoError(t, store.Put(ctx, "c-1/t-3/flow.sh", strings.NewReader(script)))
	sup := supervisor.New(t.TempDir(), "/bin/sh", "redis://localhost:6379/0", store, zap.NewNop())
	h, err := sup.Launch(ctx, &task.Task{ID: "t-3", ClientID: "c-1", Filename: "flow.sh"})
	require.NoError(t, err)
	t.Cleanup(h.Cleanup)

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	c := New("t-3", h, b, 500*time.Millisecond, 0, zap.NewNop())
	go c.Run(runCtx)
	time.Sleep(300 * time.Millisecond)

	c.Cancel(runCtx)
	select {
	case <-h.Done():
	case <-runCtx.Done():
		t.Fatal("child survived SIGKILL escalation")
	}
}
