package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/auth"
	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/config"
	"github.com/agentflow/runner/internal/db"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/errs"
	"github.com/agentflow/runner/internal/policy"
	"github.com/agentflow/runner/internal/scheduler"
	"github.com/agentflow/runner/internal/storage"
	"github.com/agentflow/runner/internal/task"
)

type gwFixture struct {
	server *Server
	mock   sqlmock.Sqlmock
	rdb    *redis.Client
	bus    *bus.Bus
	router http.Handler
}

func newGWFixture(t *testing.T) *gwFixture {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	store := db.NewClientWithDB(raw, zap.NewNop())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := bus.NewWithClient(rdb, 100, zap.NewNop())

	objects, err := storage.NewLocal(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	pol, err := policy.NewEngine("", false, zap.NewNop())
	require.NoError(t, err)

	cfg := &config.Config{
		ListenAddr:       ":0",
		MaxJobs:          5,
		ClientTaskLimit:  3,
		InputTimeoutSec:  180,
		WSClientsPerTask: 2,
		SkipAuth:         true,
		JWTSecret:        "test-secret",
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
	}
	limits := config.NewManager(cfg, "", zap.NewNop())
	sched := scheduler.New(store, b, objects, pol, limits, zap.NewNop())
	authSvc := auth.NewService(nil, cfg.JWTSecret, zap.NewNop())
	srv := New(cfg, store, b, objects, sched, authSvc, zap.NewNop())

	return &gwFixture{server: srv, mock: mock, rdb: rdb, bus: b, router: srv.routes()}
}

func taskRow(id, clientID string, status task.Status, reqID *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "client_id", "flow_id", "filename", "status", "status_version",
		"created_at", "started_at", "ended_at", "input_timeout", "max_duration",
		"input_request_id", "results", "reason", "deleted",
	}).AddRow(
		id, clientID, "flow-a", "flow.json", status, int64(1),
		time.Now(), nil, nil, 180, 0, reqID, nil, "", false,
	)
}

func TestGetTask(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/t-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestGetForeignTaskIsNotFound(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "someone-else", task.StatusRunning, nil))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/t-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitTask(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks`).
		WithArgs("dev").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	f.mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "flow.json")
	require.NoError(t, err)
	_, _ = part.Write([]byte(`{"nodes":[]}`))
	require.NoError(t, mw.WriteField("flow_id", "flow-a"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/tasks", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "flow.json", got.Filename)
	assert.Equal(t, 180, got.InputTimeout)

	queued, err := f.rdb.LRange(context.Background(), bus.QueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{got.ID}, queued)
}

func TestSubmitOverQuota(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks`).
		WithArgs("dev").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "flow.json")
	_, _ = part.Write([]byte("{}"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/tasks", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "quota_exceeded")
}

func TestInputNotWaiting(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))

	body := strings.NewReader(`{"request_id":"r-1","data":"Alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks/t-1/input", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_waiting")
}

func TestInputRequestIDMismatch(t *testing.T) {
	f := newGWFixture(t)
	reqID := "r-expected"
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusWaitingForInput, &reqID))

	body := strings.NewReader(`{"request_id":"r-wrong","data":"Alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks/t-1/input", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "input_mismatch")
}

func TestInputRelayed(t *testing.T) {
	f := newGWFixture(t)
	reqID := "r-1"
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusWaitingForInput, &reqID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	responses, stop := f.bus.Subscribe(ctx, bus.InputResponseChannel("t-1"))
	defer stop()
	time.Sleep(50 * time.Millisecond)

	body := strings.NewReader(`{"request_id":"r-1","data":"Alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks/t-1/input", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	select {
	case env := <-responses:
		assert.Equal(t, envelope.TypeInputResponse, env.Type)
		assert.Equal(t, "r-1", env.RequestID)
		assert.Equal(t, "Alice", env.DataString())
	case <-ctx.Done():
		t.Fatal("response not relayed")
	}
}

func TestCancelPendingTask(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusPending, nil))
	f.mock.ExpectQuery(`UPDATE tasks SET`).
		WillReturnRows(taskRow("t-1", "dev", task.StatusCancelled, nil))
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusCancelled, nil))

	req := httptest.NewRequest(http.MethodPost, "/tasks/t-1/cancel", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "CANCELLED")
}

func TestCancelRunningTaskPublishesFrame(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))
	f.mock.ExpectExec(`UPDATE tasks SET cancel_requested = TRUE`).
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames, stop := f.bus.Subscribe(ctx, bus.CancelChannel("t-1"))
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/tasks/t-1/cancel", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case env := <-frames:
		assert.Equal(t, envelope.TypeStatus, env.Type)
	case <-ctx.Done():
		t.Fatal("no cancel frame published")
	}
}

func TestDeleteActiveWithoutForce(t *testing.T) {
	f := newGWFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM tasks WHERE id`).
		WithArgs("t-1").
		WillReturnRows(taskRow("t-1", "dev", task.StatusRunning, nil))

	req := httptest.NewRequest(http.MethodDelete, "/tasks/t-1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "conflict")
}

func TestWriteErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errs.Wrap(errs.KindPersistenceUnavailable, "update status",
		errs.New(errs.KindInternal, "password=supersecret host=db1")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "supersecret")
}

func TestWSTrackerCapsPerTask(t *testing.T) {
	tr := newWSTracker(2)
	assert.True(t, tr.acquire("t-1"))
	assert.True(t, tr.acquire("t-1"))
	assert.False(t, tr.acquire("t-1"))
	assert.True(t, tr.acquire("t-2"))

	tr.release("t-1")
	assert.True(t, tr.acquire("t-1"))
}
