package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/auth"
	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/envelope"
	"github.com/agentflow/runner/internal/metrics"
	"github.com/agentflow/runner/internal/task"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// closeForbidden is the application close code for ownership and
	// capacity rejections.
	closeForbidden = 4003
)

// wsTracker caps concurrent connections per task.
type wsTracker struct {
	mu    sync.Mutex
	limit int
	count map[string]int
}

func newWSTracker(limit int) *wsTracker {
	return &wsTracker{limit: limit, count: make(map[string]int)}
}

func (t *wsTracker) acquire(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count[taskID] >= t.limit {
		return false
	}
	t.count[taskID]++
	return true
}

func (t *wsTracker) release(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count[taskID] <= 1 {
		delete(t.count, taskID)
	} else {
		t.count[taskID]--
	}
}

// handleWS streams a task's output to the client and accepts
// input_response frames back. Authentication happens after the upgrade
// so browsers receive a close code instead of a failed handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	token, subprotocol := auth.WebSocketToken(r)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.wsOriginAllowed,
	}
	if subprotocol != "" {
		upgrader.Subprotocols = []string{subprotocol}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := "dev"
	if !s.cfg.SkipAuth {
		cc, err := s.authSvc.Verify(token)
		if err != nil {
			s.closeWith(conn, websocket.ClosePolicyViolation, "authentication failed")
			return
		}
		clientID = cc.ClientID
	}

	t, err := s.store.GetClientTask(r.Context(), clientID, taskID)
	if err != nil {
		s.closeWith(conn, closeForbidden, "unknown task")
		return
	}
	if !s.wsTracker.acquire(taskID) {
		s.closeWith(conn, closeForbidden, "too many subscribers")
		return
	}
	defer s.wsTracker.release(taskID)

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	replay, _ := strconv.ParseBool(r.URL.Query().Get("replay"))
	s.serveWS(r.Context(), conn, t, clientID, replay)
}

func (s *Server) wsOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.TrustedOrigins {
		if o == origin {
			return true
		}
	}
	return len(s.cfg.TrustedOrigins) == 0
}

func (s *Server) serveWS(ctx context.Context, conn *websocket.Conn, t *task.Task, clientID string, replay bool) {
	logger := s.logger.With(zap.String("task_id", t.ID), zap.String("client_id", clientID))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	envs, stop := s.bus.Tail(ctx, bus.OutputStream(t.ID), replay)
	defer stop()

	// Reader: inbound input_response frames and pong keepalive.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxUploadBytes)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleWSInbound(ctx, t.ID, clientID, raw, logger)
		}
	}()

	// A task that already finished without replay has nothing to tail:
	// tell the client and go.
	if t.Status.Terminal() && !replay {
		term := envelope.MustNew(envelope.TypeTermination, t.ID, map[string]string{
			"status": string(t.Status),
			"reason": t.Reason,
		})
		_ = s.writeEnvelope(conn, term)
		s.closeWith(conn, websocket.CloseNormalClosure, "task finished")
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	seen := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			s.closeWith(conn, websocket.CloseNormalClosure, "")
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, ok := <-envs:
			if !ok {
				s.closeWith(conn, websocket.CloseInternalServerErr, "stream ended")
				return
			}
			if _, dup := seen[env.DedupeKey()]; dup {
				continue
			}
			seen[env.DedupeKey()] = struct{}{}
			if err := s.writeEnvelope(conn, env); err != nil {
				logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
			metrics.WSMessagesSent.Inc()
			// Request-scoped termination frames mark a timed-out prompt;
			// only the task-level one ends the stream.
			if env.Type == envelope.TypeTermination && env.RequestID == "" {
				s.closeWith(conn, websocket.CloseNormalClosure, "task finished")
				return
			}
		}
	}
}

// handleWSInbound accepts only input_response frames; anything else on
// the socket is dropped with a log line.
func (s *Server) handleWSInbound(ctx context.Context, taskID, clientID string, raw []byte, logger *zap.Logger) {
	env, err := envelope.Parse(raw)
	if err != nil {
		logger.Debug("Dropping malformed inbound frame", zap.Error(err))
		return
	}
	if env.Type != envelope.TypeInputResponse {
		logger.Debug("Dropping non-input inbound frame", zap.String("type", string(env.Type)))
		return
	}
	t, err := s.store.GetClientTask(ctx, clientID, taskID)
	if err != nil {
		logger.Debug("Inbound input for unknown task", zap.Error(err))
		return
	}
	req := inputRequest{RequestID: env.RequestID, Data: env.Data}
	if env.Password != nil {
		req.Password = *env.Password
	}
	if err := s.relayInput(ctx, t, req); err != nil {
		logger.Debug("Inbound input rejected", zap.Error(err))
	}
}

func (s *Server) writeEnvelope(conn *websocket.Conn, env envelope.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, env.Marshal())
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}
