package gateway

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/auth"
	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/collector"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/errs"
	"github.com/agentflow/runner/internal/scheduler"
	"github.com/agentflow/runner/internal/task"
)

// maxUploadBytes caps a flow file submission.
const maxUploadBytes = 10 << 20

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	switch {
	case r.Header.Get("Content-Type") == "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.Wrap(errs.KindValidationFailed, "malformed body", err))
			return
		}
	default:
		if err := r.ParseForm(); err != nil {
			writeError(w, errs.Wrap(errs.KindValidationFailed, "malformed form", err))
			return
		}
		req.ClientID = r.PostFormValue("client_id")
		req.ClientSecret = r.PostFormValue("client_secret")
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, errs.New(errs.KindValidationFailed, "client_id and client_secret are required"))
		return
	}
	token, err := s.authSvc.Authenticate(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	cc, ok := auth.ClientFrom(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthInvalid, "missing client"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, errs.Wrap(errs.KindValidationFailed, "malformed multipart body", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errs.Wrap(errs.KindValidationFailed, "file field is required", err))
		return
	}
	defer file.Close()

	sub := scheduler.Submission{
		ClientID:     cc.ClientID,
		FlowID:       r.FormValue("flow_id"),
		Filename:     header.Filename,
		File:         io.Reader(file),
		InputTimeout: formInt(r.MultipartForm, "input_timeout"),
		MaxDuration:  formInt(r.MultipartForm, "max_duration"),
	}
	if sub.FlowID == "" {
		sub.FlowID = header.Filename
	}

	t, err := s.scheduler.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func formInt(form *multipart.Form, key string) int {
	if form == nil || len(form.Value[key]) == 0 {
		return 0
	}
	n, err := strconv.Atoi(form.Value[key][0])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type taskPage struct {
	Items []task.Task `json:"items"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	cc, ok := auth.ClientFrom(r.Context())
	if !ok {
		writeError(w, errs.New(errs.KindAuthInvalid, "missing client"))
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	items, total, err := s.store.ListTasks(r.Context(), cc.ClientID, page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskPage{Items: items, Total: total, Page: page, Size: size})
}

// ownedTask resolves {id} for the authenticated client, hiding other
// clients' tasks behind not-found.
func (s *Server) ownedTask(r *http.Request) (*task.Task, error) {
	cc, ok := auth.ClientFrom(r.Context())
	if !ok {
		return nil, errs.New(errs.KindAuthInvalid, "missing client")
	}
	return s.store.GetClientTask(r.Context(), cc.ClientID, r.PathValue("id"))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheduler.Cancel(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	// Re-read so a direct PENDING cancellation is visible immediately.
	if updated, err := s.store.GetTask(r.Context(), t.ID); err == nil {
		t = updated
	}
	writeJSON(w, http.StatusAccepted, t)
}

type inputRequest struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Password  bool            `json:"password,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindValidationFailed, "malformed body", err))
		return
	}
	if err := s.relayInput(r.Context(), t, req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relayInput validates a user answer against the outstanding prompt and
// publishes it on the task's response channel. The mediator arbitrates
// races; this check gives callers a synchronous verdict.
func (s *Server) relayInput(ctx context.Context, t *task.Task, req inputRequest) error {
	if t.Status != task.StatusWaitingForInput {
		return errs.Newf(errs.KindNotWaiting, "task %s is %s, not waiting for input", t.ID, t.Status)
	}
	if req.RequestID == "" {
		return errs.New(errs.KindValidationFailed, "request_id is required")
	}
	if t.InputReqID == nil || *t.InputReqID != req.RequestID {
		return errs.Newf(errs.KindInputMismatch, "request_id %s does not match the outstanding prompt", req.RequestID)
	}

	env, err := envelope.New(envelope.TypeInputResponse, t.ID, req.Data)
	if err != nil {
		return errs.Wrap(errs.KindValidationFailed, "bad data payload", err)
	}
	env.RequestID = req.RequestID
	if req.Password {
		yes := true
		env.Password = &yes
	}
	return bus.WithRetry(ctx, s.logger, "publish input", func() error {
		return s.bus.Publish(ctx, bus.InputResponseChannel(t.ID), env)
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !t.Status.Terminal() {
		writeError(w, errs.Newf(errs.KindConflict, "task %s has not finished", t.ID))
		return
	}
	key := collector.ArchiveKey(t.ClientID, t.ID)
	obj, err := s.objects.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+t.ID+`-results.zip"`)
	if _, err := io.Copy(w, obj); err != nil {
		s.logger.Warn("Archive download aborted",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, err := s.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.scheduler.Delete(r.Context(), t, force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
