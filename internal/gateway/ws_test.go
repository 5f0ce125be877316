package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/task"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSTerminalTaskGetsTerminationAndClose(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusCompleted, nil))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/t-1")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeTermination, env.Type)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWSReplayDeliversBacklog(t *testing.T) {
	f := newGWFixture(t)
	ctx := context.Background()
	require.NoError(t, f.bus.AppendOutput(ctx, envelope.MustNew(envelope.TypePrint, "t-1", "line one")))
	require.NoError(t, f.bus.AppendOutput(ctx, envelope.MustNew(envelope.TypePrint, "t-1", "line two")))

	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/t-1?replay=true")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var lines []string
	for i := 0; i < 2; i++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := envelope.Parse(raw)
		require.NoError(t, err)
		lines = append(lines, env.DataString())
	}
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

// A termination frame carrying a request_id marks a timed-out prompt;
// the stream stays open and later output still arrives.
func TestWSRequestScopedTerminationKeepsStreamOpen(t *testing.T) {
	f := newGWFixture(t)
	ctx := context.Background()
	hint := envelope.MustNew(envelope.TypeTermination, "t-1", map[string]string{"reason": "input_timeout"})
	hint.RequestID = "r-1"
	require.NoError(t, f.bus.AppendOutput(ctx, hint))
	require.NoError(t, f.bus.AppendOutput(ctx, envelope.MustNew(envelope.TypePrint, "t-1", "still here")))

	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/t-1?replay=true")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeTermination, env.Type)
	assert.Equal(t, "r-1", env.RequestID)

	_, raw, err = conn.ReadMessage()
	require.NoError(t, err, "stream closed on a request-scoped termination")
	env, err = envelope.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "still here", env.DataString())
}

func TestWSUnknownTaskClosesForbidden(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-missing").
		WillReturnRows(taskRow("t-missing", "someone-else", task.StatusRunning, nil))

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/t-missing")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, closeForbidden))
}

func TestWSCapacityRejected(t *testing.T) {
	f := newGWFixture(t)
	// Two allowed connections, the third is refused.
	for i := 0; i < 3; i++ {
		f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
			WithArgs("t-1").
			WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))
	}

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	a := dialWS(t, srv, "/ws/t-1")
	b := dialWS(t, srv, "/ws/t-1")
	_ = a
	_ = b
	time.Sleep(100 * time.Millisecond)

	c := dialWS(t, srv, "/ws/t-1")
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, closeForbidden))
}
