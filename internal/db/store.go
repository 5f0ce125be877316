package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentflow/runner/internal/errs"
	"github.com/agentflow/runner/internal/task"
)

const taskColumns = `id, client_id, flow_id, filename, status, status_version,
	created_at, started_at, ended_at, input_timeout, max_duration,
	input_request_id, results, reason, deleted`

// CreateTask inserts a new PENDING task record.
func (c *Client) CreateTask(ctx context.Context, t *task.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, client_id, flow_id, filename, status, status_version,
			created_at, input_timeout, max_duration
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)`,
		t.ID, t.ClientID, t.FlowID, t.Filename, t.Status,
		t.CreatedAt, t.InputTimeout, t.MaxDuration,
	)
	if err != nil {
		return errs.Wrap(errs.KindPersistenceUnavailable, "create task", err)
	}
	return nil
}

// GetTask fetches a task by id, excluding soft-deleted rows.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	err := c.sqlx.GetContext(ctx, &t,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND NOT deleted`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "get task", err)
	}
	return &t, nil
}

// GetClientTask fetches a task owned by the given client.
func (c *Client) GetClientTask(ctx context.Context, clientID, id string) (*task.Task, error) {
	t, err := c.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ClientID != clientID {
		return nil, errs.Newf(errs.KindNotFound, "task %s not found", id)
	}
	return t, nil
}

// ListTasks pages through a client's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, clientID string, page, size int) ([]task.Task, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	var total int
	if err := c.sqlx.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM tasks WHERE client_id = $1 AND NOT deleted`, clientID); err != nil {
		return nil, 0, errs.Wrap(errs.KindPersistenceUnavailable, "count tasks", err)
	}
	items := []task.Task{}
	err := c.sqlx.SelectContext(ctx, &items,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE client_id = $1 AND NOT deleted
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		clientID, size, (page-1)*size)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindPersistenceUnavailable, "list tasks", err)
	}
	return items, total, nil
}

// CountActive returns the client's non-terminal task count; the quota
// admission check runs against this.
func (c *Client) CountActive(ctx context.Context, clientID string) (int, error) {
	var n int
	err := c.sqlx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM tasks
		 WHERE client_id = $1 AND NOT deleted
		   AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`, clientID)
	if err != nil {
		return 0, errs.Wrap(errs.KindPersistenceUnavailable, "count active", err)
	}
	return n, nil
}

// UpdateStatus journals a transition with compare-and-swap on the prior
// status, bumping status_version. A moved row yields Conflict so the
// single-writer machine can decide; a missing row yields NotFound.
// input_request_id is non-null only while the task waits for input.
func (c *Client) UpdateStatus(ctx context.Context, id string, from, to task.Status, patch task.Patch) (*task.Task, error) {
	var reqID interface{}
	if to == task.StatusWaitingForInput && patch.InputReqID != nil {
		reqID = *patch.InputReqID
	}
	var results interface{}
	if patch.Results != nil {
		results = []byte(patch.Results)
	}

	row := c.sqlx.QueryRowxContext(ctx, `
		UPDATE tasks SET
			status = $3,
			status_version = status_version + 1,
			started_at = COALESCE($4, started_at),
			ended_at = COALESCE($5, ended_at),
			input_request_id = $6,
			results = COALESCE($7, results),
			reason = CASE WHEN $8 <> '' THEN $8 ELSE reason END
		WHERE id = $1 AND status = $2 AND NOT deleted
		RETURNING `+taskColumns,
		id, from, to, patch.StartedAt, patch.EndedAt, reqID, results, patch.Reason,
	)
	var t task.Task
	if err := row.StructScan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, c.classifyCASMiss(ctx, id, from, to)
		}
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "update status", err)
	}
	return &t, nil
}

func (c *Client) classifyCASMiss(ctx context.Context, id string, from, to task.Status) error {
	current, err := c.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return errs.Newf(errs.KindConflict,
		"task %s moved: expected %s, found %s (wanted %s)", id, from, current.Status, to)
}

// SoftDelete marks a task deleted. Active tasks require force; callers
// cancel first when force is set.
func (c *Client) SoftDelete(ctx context.Context, id string, force bool) error {
	t, err := c.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Active() && !force {
		return errs.Newf(errs.KindConflict, "task %s is active; use force", id)
	}
	if _, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET deleted = TRUE WHERE id = $1`, id); err != nil {
		return errs.Wrap(errs.KindPersistenceUnavailable, "soft delete", err)
	}
	return nil
}

// OrphanCandidates returns non-terminal tasks started before the cutoff.
// The reconciler cross-checks worker leases before failing them.
func (c *Client) OrphanCandidates(ctx context.Context, cutoff time.Time) ([]task.Task, error) {
	items := []task.Task{}
	err := c.sqlx.SelectContext(ctx, &items,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('RUNNING', 'WAITING_FOR_INPUT')
		   AND started_at IS NOT NULL AND started_at < $1 AND NOT deleted`,
		cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "orphan candidates", err)
	}
	return items, nil
}

// ExpiredTasks returns terminal tasks whose retention window has
// elapsed; their streams and rows are reaped.
func (c *Client) ExpiredTasks(ctx context.Context, cutoff time.Time) ([]task.Task, error) {
	items := []task.Task{}
	err := c.sqlx.SelectContext(ctx, &items,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		   AND ended_at IS NOT NULL AND ended_at < $1`,
		cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "expired tasks", err)
	}
	return items, nil
}

// PurgeTask hard-deletes a reaped row.
func (c *Client) PurgeTask(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return errs.Wrap(errs.KindPersistenceUnavailable, "purge task", err)
	}
	return nil
}

// RequestCancel durably records cancel intent for a task. The flag
// survives lost cancel frames: the owning worker checks it once its
// cancel subscription is live, and the reconciler re-publishes frames
// for flagged tasks each sweep.
func (c *Client) RequestCancel(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET cancel_requested = TRUE WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return errs.Wrap(errs.KindPersistenceUnavailable, "request cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.KindNotFound, "task %s not found", id)
	}
	return nil
}

// CancelRequested reports whether cancel intent is recorded for a task.
func (c *Client) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := c.sqlx.GetContext(ctx, &v,
		`SELECT cancel_requested FROM tasks WHERE id = $1 AND NOT deleted`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errs.Newf(errs.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return false, errs.Wrap(errs.KindPersistenceUnavailable, "cancel requested", err)
	}
	return v, nil
}

// PendingCancels lists active tasks with recorded cancel intent.
func (c *Client) PendingCancels(ctx context.Context, limit int) ([]task.Task, error) {
	items := []task.Task{}
	err := c.sqlx.SelectContext(ctx, &items,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE cancel_requested AND status IN ('RUNNING', 'WAITING_FOR_INPUT') AND NOT deleted
		 LIMIT $1`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "pending cancels", err)
	}
	return items, nil
}

// GetClient fetches an API client record for credential verification.
func (c *Client) GetClient(ctx context.Context, clientID string) (*ClientRecord, error) {
	var rec ClientRecord
	err := c.sqlx.GetContext(ctx, &rec,
		`SELECT id, secret_hash, audience, created_at, deleted
		 FROM clients WHERE id = $1 AND NOT deleted`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindAuthInvalid, "unknown client")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "get client", err)
	}
	return &rec, nil
}

// OldestPending lists the oldest PENDING tasks; the reconciler uses it
// to re-enqueue submissions whose queue entry was lost.
func (c *Client) OldestPending(ctx context.Context, limit int) ([]task.Task, error) {
	items := []task.Task{}
	err := c.sqlx.SelectContext(ctx, &items,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'PENDING' AND NOT deleted
		 ORDER BY created_at, id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavailable, "oldest pending", err)
	}
	return items, nil
}

var _ task.Store = (*Client)(nil)
