package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves health endpoints from a Manager.
type HTTPHandler struct {
	manager *Manager
}

// NewHTTPHandler creates the handler.
func NewHTTPHandler(manager *Manager) *HTTPHandler {
	return &HTTPHandler{manager: manager}
}

// RegisterRoutes mounts the health endpoints on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)
	mux.HandleFunc("GET /health/live", h.handleLive)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.Ready()
	code := http.StatusOK
	status := "healthy"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": h.manager.Results(),
	})
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Liveness is unconditional: the process answering is the signal.
func (h *HTTPHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}
